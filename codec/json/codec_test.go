package json

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/event"
)

func TestRoundTrip(t *testing.T) {
	c := New()
	e := event.Event{
		EventID:    "11111111-2222-3333-4444-555555555555",
		OrderID:    "order-1",
		CustomerID: "c-1",
		Status:     event.StatusPlaced,
		Amount:     42.0,
		Timestamp:  1700000000000,
	}

	data, err := c.Encode(e)
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"eventId"`)
	assert.Contains(t, string(data), `"customerId"`)

	got, err := c.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecodeInvalidPayload(t *testing.T) {
	c := New()
	_, err := c.Decode([]byte("not-json"))
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, codec.FormatJSON, New().Format())
}
