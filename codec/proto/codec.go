// Package proto implements the schema-registry backed binary codec. Payloads
// use the Confluent wire format: a zero magic byte, the big-endian schema id
// and the message-index array, followed by the protobuf-encoded event.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/schemaregistry"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/event"
)

const magicByte byte = 0x0

// Field numbers of the OrderEventMessage schema.
const (
	fieldEventID    = 1
	fieldOrderID    = 2
	fieldCustomerID = 3
	fieldStatus     = 4
	fieldAmount     = 5
	fieldTimestamp  = 6
)

// schema is the protobuf schema registered for the typed topic.
const schema = `syntax = "proto3";

package orderflow.v1;

message OrderEventMessage {
  string event_id = 1;
  string order_id = 2;
  string customer_id = 3;
  string status = 4;
  double amount = 5;
  int64 timestamp = 6;
}
`

// registryClient is the subset of schemaregistry.Client used by the codec.
type registryClient interface {
	Register(subject string, schema schemaregistry.SchemaInfo, normalize bool) (int, error)
}

// Codec encodes events in the Confluent protobuf wire format. The schema is
// registered lazily on first use and the returned id is cached.
type Codec struct {
	client  registryClient
	subject string

	mu       sync.Mutex
	schemaID int
	resolved bool
}

var _ codec.Codec = (*Codec)(nil)

// New builds a codec that registers its schema under "<topic>-value".
func New(client schemaregistry.Client, topic string) *Codec {
	if client == nil {
		panic("a schema registry client is mandatory")
	}
	return &Codec{
		client:  client,
		subject: topic + "-value",
	}
}

func (c *Codec) Encode(e event.Event) ([]byte, error) {
	id, err := c.resolveSchemaID()
	if err != nil {
		return nil, err
	}

	body := appendMessage(nil, e)
	data := make([]byte, 0, 6+len(body))
	data = append(data, magicByte)
	data = binary.BigEndian.AppendUint32(data, uint32(id))
	// A single top-level message yields the index array [0], which the wire
	// format abbreviates to one zero byte.
	data = append(data, 0x0)
	return append(data, body...), nil
}

func (c *Codec) Decode(data []byte) (event.Event, error) {
	body, err := stripFraming(data)
	if err != nil {
		return event.Event{}, err
	}
	return parseMessage(body)
}

func (c *Codec) Format() string {
	return codec.FormatProtobuf
}

// resolveSchemaID registers the schema once and caches the assigned id.
func (c *Codec) resolveSchemaID() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.schemaID, nil
	}

	id, err := c.client.Register(c.subject, schemaregistry.SchemaInfo{
		Schema:     schema,
		SchemaType: "PROTOBUF",
	}, false)
	if err != nil {
		return 0, fmt.Errorf("could not register schema for subject '%s': %w", c.subject, err)
	}
	c.schemaID = id
	c.resolved = true
	return id, nil
}

func appendMessage(b []byte, e event.Event) []byte {
	if e.EventID != "" {
		b = protowire.AppendTag(b, fieldEventID, protowire.BytesType)
		b = protowire.AppendString(b, e.EventID)
	}
	if e.OrderID != "" {
		b = protowire.AppendTag(b, fieldOrderID, protowire.BytesType)
		b = protowire.AppendString(b, e.OrderID)
	}
	if e.CustomerID != "" {
		b = protowire.AppendTag(b, fieldCustomerID, protowire.BytesType)
		b = protowire.AppendString(b, e.CustomerID)
	}
	if e.Status != "" {
		b = protowire.AppendTag(b, fieldStatus, protowire.BytesType)
		b = protowire.AppendString(b, e.Status)
	}
	if e.Amount != 0 {
		b = protowire.AppendTag(b, fieldAmount, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(e.Amount))
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	return b
}

func parseMessage(b []byte) (event.Event, error) {
	var e event.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return event.Event{}, fmt.Errorf("malformed protobuf tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEventID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.EventID, b = v, b[n:]
		case num == fieldOrderID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.OrderID, b = v, b[n:]
		case num == fieldCustomerID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.CustomerID, b = v, b[n:]
		case num == fieldStatus && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.Status, b = v, b[n:]
		case num == fieldAmount && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.Amount, b = math.Float64frombits(v), b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			e.Timestamp, b = int64(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return event.Event{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

// stripFraming validates the Confluent envelope and returns the protobuf body.
func stripFraming(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return nil, errors.New("payload too short for the confluent wire format")
	}
	if data[0] != magicByte {
		return nil, fmt.Errorf("unexpected magic byte %#x", data[0])
	}
	b := data[5:]

	count, n := binary.Varint(b)
	if n <= 0 {
		return nil, errors.New("malformed message index array")
	}
	b = b[n:]
	for i := int64(0); i < count; i++ {
		_, n := binary.Varint(b)
		if n <= 0 {
			return nil, errors.New("malformed message index array")
		}
		b = b[n:]
	}
	return b, nil
}
