// Package models holds the typed shapes flowing through the pipeline: webhook change events,
// Strava activities and streams, and their relational and object-store projections.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Object types of a change event.
const (
	ObjectActivity = "activity"
	ObjectAthlete  = "athlete"
)

// Aspect types of a change event.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// ErrMalformedEvent is returned when a queue payload is not a usable change event.
var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent is a Strava webhook event as delivered on the queue.
//
// Only the routing fields are typed. The rest of the payload is not interpreted.
type ChangeEvent struct {
	ObjectType     string          `json:"object_type"`
	AspectType     string          `json:"aspect_type"`
	ObjectID       int64           `json:"object_id"`
	OwnerID        int64           `json:"owner_id,omitempty"`
	SubscriptionID int64           `json:"subscription_id,omitempty"`
	EventTime      int64           `json:"event_time,omitempty"`
	Updates        json.RawMessage `json:"updates,omitempty"`
}

// ParseChangeEvent decodes a queue payload.
//
// Events about other object types are returned as is. Activity events must carry a known aspect
// and a positive object id.
func ParseChangeEvent(payload []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if !ev.IsActivity() {
		return ev, nil
	}

	switch ev.AspectType {
	case AspectCreate, AspectUpdate, AspectDelete:
	default:
		return ev, fmt.Errorf("%w: unknown aspect_type %q", ErrMalformedEvent, ev.AspectType)
	}
	if ev.ObjectID <= 0 {
		return ev, fmt.Errorf("%w: missing object_id", ErrMalformedEvent)
	}
	return ev, nil
}

// IsActivity reports whether the event is about an activity.
func (ev ChangeEvent) IsActivity() bool {
	return ev.ObjectType == ObjectActivity
}
