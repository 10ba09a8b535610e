package dlt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"

	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/metrics"
	"github.com/streamhaus/orderflow/test"
)

func headerValue(t *testing.T, msg *kafka.Message, key string) string {
	t.Helper()
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	t.Fatalf("header '%s' not found", key)
	return ""
}

func TestSend(t *testing.T) {
	topic := "order.dlt"
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		MockedReportToSend: test.SuccessReport(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic},
		}),
	}
	deadCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.DeadLettered = deadCtr

	p := New(producer, "order.dlt", nil, pipeline)
	evt := event.New("order-1", "customer-1", -1, event.StatusPlaced)

	p.Send(context.Background(), evt, FailureConsumer, "invalid amount", "order.retry", 4, 99)

	msg := <-producer.Snitch
	assert.Equal(t, "order.dlt", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte("customer-1"), msg.Key)

	assert.Equal(t, FailureConsumer, headerValue(t, msg, "failure-type"))
	assert.Equal(t, "invalid amount", headerValue(t, msg, "failure-reason"))
	assert.Equal(t, "order.retry", headerValue(t, msg, "source-topic"))
	assert.Equal(t, "4", headerValue(t, msg, "source-partition"))
	assert.Equal(t, "99", headerValue(t, msg, "source-offset"))

	var decoded event.Event
	assert.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, evt, decoded)
	assert.Equal(t, int64(1), deadCtr.Value())
}

func TestSendUnknownCoordinates(t *testing.T) {
	producer := &test.MockedKafkaProducer{Snitch: make(chan *kafka.Message, 1)}
	p := New(producer, "order.dlt", nil, nil)
	evt := event.New("order-1", "customer-1", -1, event.StatusPlaced)

	p.Send(context.Background(), evt, FailureProducer, "broker down", "order", UnknownCoordinate, UnknownCoordinate)

	msg := <-producer.Snitch
	assert.Equal(t, FailureProducer, headerValue(t, msg, "failure-type"))
	assert.Equal(t, "-1", headerValue(t, msg, "source-partition"))
	assert.Equal(t, "-1", headerValue(t, msg, "source-offset"))
}

func TestSendProduceFailureIsOnlyLogged(t *testing.T) {
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		RetVal: errors.New("queue full"),
	}
	deadCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.DeadLettered = deadCtr
	l := &test.TestLogger{}

	p := New(producer, "order.dlt", l, pipeline)
	p.Send(context.Background(), event.New("order-1", "customer-1", -1, event.StatusPlaced),
		FailureProducer, "broker down", "order", UnknownCoordinate, UnknownCoordinate)

	<-producer.Snitch
	assert.Equal(t, int64(0), deadCtr.Value())
	assert.NotEmpty(t, l.Lines)
}

func TestSendDeliveryFailureIsOnlyLogged(t *testing.T) {
	topic := "order.dlt"
	brokerErr := kafka.NewError(kafka.ErrMsgTimedOut, "delivery failed", false)
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		MockedReportToSend: test.FailureReport(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic},
		}, brokerErr),
	}
	l := &test.TestLogger{}

	p := New(producer, "order.dlt", l, nil)
	evt := event.New("order-1", "customer-1", -1, event.StatusPlaced)
	p.Send(context.Background(), evt, FailureConsumer, "invalid amount", "order.retry", 0, 1)

	<-producer.Snitch
	// Close waits for the report goroutine, so the log line is there after.
	p.Close()
	assert.Contains(t, l.Snapshot(), fmt.Sprintf("dead-letter delivery failed for event '%s'", evt.EventID))
}

func TestNewPanicsOnNilProducer(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, "order.dlt", nil, nil)
	})
}
