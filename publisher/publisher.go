// Package publisher sends domain events to the bus using the configured
// wire codec. Send failures are recorded on the dead-letter topic and still
// surface to the caller so the outbox keeps its own retry bookkeeping.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"

	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/dlt"
	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
	"github.com/streamhaus/orderflow/outbox"
)

const defaultSendTimeout = 10 * time.Second

// ErrSendTimeout is returned when the broker does not acknowledge a send
// within the configured timeout.
var ErrSendTimeout = errors.New("send was not acknowledged in time")

// kafkaProducer is the subset of kafka.Producer used by the publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// deadLetterer forwards forensic data about failed sends.
type deadLetterer interface {
	Send(ctx context.Context, e event.Event, failureType, reason, sourceTopic string, partition int32, offset int64)
}

// Publisher implements outbox.Publisher for one topic and one codec.
type Publisher struct {
	producer   kafkaProducer
	wireCodec  codec.Codec
	topic      string
	timeout    time.Duration
	dlt        deadLetterer
	logger     logger.Logger
	successCtr metrics.Counter
	failureCtr metrics.Counter
}

var _ outbox.Publisher = (*Publisher)(nil)

func New(p kafkaProducer, wireCodec codec.Codec, topic string, timeout time.Duration, dl deadLetterer, l logger.Logger, pipeline *metrics.Pipeline) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	if wireCodec == nil || dl == nil {
		panic("a codec and a dead-letter publisher are mandatory")
	}
	if topic == "" {
		topic = topicFor(event.Type)
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	if pipeline == nil {
		pipeline = metrics.NewNopPipeline()
	}
	return &Publisher{
		producer:   p,
		wireCodec:  wireCodec,
		topic:      topic,
		timeout:    timeout,
		dlt:        dl,
		logger:     l,
		successCtr: pipeline.PublishSuccess,
		failureCtr: pipeline.PublishFailure,
	}
}

// Publish serializes the event and sends it keyed by the event id, waiting
// for the broker acknowledgement. On failure the event is forwarded to the
// dead-letter topic with failure kind "producer" and the error is returned
// so the dispatcher applies its own backoff; the two are not exclusive.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	payload, err := p.wireCodec.Encode(e)
	if err != nil {
		return &outbox.SerializationError{Err: err}
	}

	topic := p.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.EventID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "format", Value: []byte(p.wireCodec.Format())},
		},
	}

	deliveries := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, deliveries); err != nil {
		return p.fail(ctx, e, err)
	}

	m, err := p.awaitDelivery(ctx, deliveries)
	if err != nil {
		return p.fail(ctx, e, err)
	}

	p.successCtr.Inc(1)
	p.logger.Info(fmt.Sprintf("[%s] published event '%s' to topic %s [%d] at offset %v",
		p.wireCodec.Format(), e.EventID, *m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
	return nil
}

// awaitDelivery blocks until the broker acknowledges the message, the send
// timeout expires or the context is cancelled.
func (p *Publisher) awaitDelivery(ctx context.Context, deliveries chan kafka.Event) (*kafka.Message, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-deliveries:
			m, ok := ev.(*kafka.Message)
			if !ok {
				p.logger.Debug(fmt.Sprintf("ignored producer event: %s", ev))
				continue
			}
			if m.TopicPartition.Error != nil {
				return nil, m.TopicPartition.Error
			}
			return m, nil
		case <-timer.C:
			return nil, ErrSendTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Publisher) fail(ctx context.Context, e event.Event, cause error) error {
	p.failureCtr.Inc(1)
	p.logger.Error(fmt.Sprintf("[%s] failed to publish event '%s'", p.wireCodec.Format(), e.EventID), cause)
	p.dlt.Send(ctx, e, dlt.FailureProducer, cause.Error(), p.topic, dlt.UnknownCoordinate, dlt.UnknownCoordinate)
	return fmt.Errorf("could not publish event '%s': %w", e.EventID, cause)
}

// topicFor derives a topic name from an event type (e.g. "OrderEvent"
// becomes "order-event") when no explicit topic is configured.
func topicFor(eventType string) string {
	return strcase.ToKebab(eventType)
}
