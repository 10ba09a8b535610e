// Package codec defines the wire encoding strategy for domain events. Two
// implementations exist: a human-debuggable JSON codec and a schema-registry
// backed protobuf codec for the typed mirror topic.
package codec

import "github.com/streamhaus/orderflow/event"

// Format names accepted by the configuration surface.
const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// Codec encodes and decodes domain events for one wire format.
type Codec interface {
	Encode(e event.Event) ([]byte, error)
	Decode(data []byte) (event.Event, error)
	// Format returns the configuration name of the codec.
	Format() string
}
