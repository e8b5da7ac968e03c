package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActivityBundle is the object-store projection of an activity.
type ActivityBundle struct {
	ID       int64      `json:"id"`
	Activity *Activity  `json:"activity"`
	Stream   *StreamSet `json:"stream"`
}

// NewBundle builds the bundle of a with its streams attached.
//
// a is not modified.
func NewBundle(a *Activity, streams *StreamSet) ActivityBundle {
	withStreams := *a
	withStreams.Streams = streams
	return ActivityBundle{
		ID:       a.ID,
		Activity: &withStreams,
		Stream:   streams,
	}
}

// Key returns the object-store key of the bundle.
func (b ActivityBundle) Key() string {
	return ObjectKey(b.ID)
}

// Marshal returns the compact JSON document of the bundle. Times are rendered in RFC 3339.
func (b ActivityBundle) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("could not encode bundle for activity %d: %v", b.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ObjectKey returns the object-store key holding the bundle of activity id.
func ObjectKey(id int64) string {
	return fmt.Sprintf("activity/%d.json", id)
}
