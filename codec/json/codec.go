package json

import (
	"encoding/json"
	"fmt"

	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/event"
)

// Codec encodes events as JSON objects with camelCase field names.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(e event.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not encode event '%s' as json: %w", e.EventID, err)
	}
	return data, nil
}

func (c *Codec) Decode(data []byte) (event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return event.Event{}, fmt.Errorf("could not decode json event: %w", err)
	}
	return e, nil
}

func (c *Codec) Format() string {
	return codec.FormatJSON
}
