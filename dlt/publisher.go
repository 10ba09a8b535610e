// Package dlt implements the dead-letter publisher, the terminal sink for
// events that exhausted their retry budget or failed to reach the bus.
package dlt

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
)

// Failure kinds carried in the failure-type header.
const (
	FailureProducer = "producer"
	FailureConsumer = "consumer"
)

// UnknownCoordinate encodes a missing source partition or offset.
const UnknownCoordinate = -1

// kafkaProducer is the subset of kafka.Producer used by the publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Publisher forwards failed events to the dead-letter topic keyed by the
// customer id, preserving per-customer ordering in the dead-letter stream.
// It is best effort: its own publish failures are only logged, the topic is
// assumed highly available and its failure is an operational alert.
type Publisher struct {
	producer kafkaProducer
	topic    string
	logger   logger.Logger
	deadCtr  metrics.Counter

	wg sync.WaitGroup
}

func New(p kafkaProducer, topic string, l logger.Logger, pipeline *metrics.Pipeline) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	if pipeline == nil {
		pipeline = metrics.NewNopPipeline()
	}
	return &Publisher{
		producer: p,
		topic:    topic,
		logger:   l,
		deadCtr:  pipeline.DeadLettered,
	}
}

// Send publishes the event to the dead-letter topic with diagnostic
// headers. Missing partition/offset coordinates are encoded as "-1".
func (p *Publisher) Send(ctx context.Context, e event.Event, failureType, reason, sourceTopic string, partition int32, offset int64) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error(fmt.Sprintf("could not serialize event '%s' for the dead-letter topic", e.EventID), err)
		return
	}

	topic := p.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.CustomerID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "failure-type", Value: []byte(failureType)},
			{Key: "failure-reason", Value: []byte(reason)},
			{Key: "source-topic", Value: []byte(sourceTopic)},
			{Key: "source-partition", Value: []byte(strconv.FormatInt(int64(partition), 10))},
			{Key: "source-offset", Value: []byte(strconv.FormatInt(offset, 10))},
		},
	}

	deliveries := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, deliveries); err != nil {
		p.logger.Error(fmt.Sprintf("could not publish event '%s' to the dead-letter topic", e.EventID), err)
		return
	}
	p.deadCtr.Inc(1)

	// Log the delivery report when it arrives; there is no further
	// escalation past this point.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ev := <-deliveries
		m, ok := ev.(*kafka.Message)
		if !ok {
			return
		}
		if m.TopicPartition.Error != nil {
			p.logger.Error(fmt.Sprintf("dead-letter delivery failed for event '%s'", e.EventID), m.TopicPartition.Error)
			return
		}
		p.logger.Warn(fmt.Sprintf("event '%s' routed to dead-letter topic '%s' (%s)", e.EventID, p.topic, failureType))
	}()
}

// Close waits for in-flight delivery reports to be consumed.
func (p *Publisher) Close() {
	p.wg.Wait()
}
