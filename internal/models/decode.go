package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ErrSchema is returned when an upstream document does not match the typed schema.
var ErrSchema = errors.New("upstream document does not match schema")

// Decoder converts upstream JSON documents into typed values.
//
// By default, any field absent from the typed schema is an error.
type Decoder struct {
	// Lenient ignores fields that are not part of the schema instead of failing.
	Lenient bool
}

// Activity decodes a detailed activity document.
func (d Decoder) Activity(raw []byte) (*Activity, error) {
	a := new(Activity)
	if err := d.decode(raw, a); err != nil {
		return nil, fmt.Errorf("activity: %w", err)
	}
	if a.ID <= 0 {
		return nil, fmt.Errorf("activity: %w: missing id", ErrSchema)
	}
	return a, nil
}

// Streams decodes a stream document requested with key_by_type.
func (d Decoder) Streams(raw []byte) (*StreamSet, error) {
	s := new(StreamSet)
	if err := d.decode(raw, s); err != nil {
		return nil, fmt.Errorf("streams: %w", err)
	}
	return s, nil
}

func (d Decoder) decode(raw []byte, target any) error {
	var data map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return errors.Join(ErrSchema, err)
	}

	decoder, err := mapstructure.NewDecoder(d.config(target))
	if err != nil {
		return fmt.Errorf("failed to create decoder: %v", err)
	}
	if err := decoder.Decode(data); err != nil {
		return errors.Join(ErrSchema, err)
	}
	return nil
}

func (d Decoder) config(target any) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			// Nested documents kept opaque are marshalled back to their JSON form.
			func(_ reflect.Type, to reflect.Type, data any) (any, error) {
				if to != reflect.TypeOf(json.RawMessage{}) {
					return data, nil
				}
				b, err := json.Marshal(data)
				if err != nil {
					return nil, err
				}
				return json.RawMessage(b), nil
			},
		),
		ErrorUnused: !d.Lenient,
		TagName:     "json",
		Result:      target,
	}
}
