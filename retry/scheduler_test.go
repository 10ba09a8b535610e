package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"

	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/metrics"
	"github.com/streamhaus/orderflow/test"
)

func newTestScheduler(p kafkaProducer, pipeline *metrics.Pipeline) *Scheduler {
	s := NewScheduler(p, "order.retry", 3, nil, pipeline)
	s.baseDelay = time.Millisecond
	return s
}

func TestScheduleRepublishesWithIncrementedAttempt(t *testing.T) {
	topic := "order.retry"
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		MockedReportToSend: test.SuccessReport(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic},
		}),
	}
	scheduledCtr := &test.TestCounter{}
	publishedCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.RetryScheduled = scheduledCtr
	pipeline.RetryPublished = publishedCtr

	s := newTestScheduler(producer, pipeline)
	evt := event.New("order-1", "customer-1", -1, event.StatusPlaced)

	s.Schedule(context.Background(), evt, 1)

	var msg *kafka.Message
	select {
	case msg = <-producer.Snitch:
	case <-time.After(time.Second):
		t.Fatal("retry record was never produced")
	}

	assert.Equal(t, "order.retry", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte(evt.EventID), msg.Key)
	assert.Len(t, msg.Headers, 1)
	assert.Equal(t, AttemptHeader, msg.Headers[0].Key)
	assert.Equal(t, []byte("2"), msg.Headers[0].Value)

	var decoded event.Event
	assert.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, evt, decoded)

	s.Close()
	assert.Equal(t, int64(1), scheduledCtr.Value())
	assert.Equal(t, int64(1), publishedCtr.Value())
}

func TestScheduleFirstRetryCarriesAttemptOne(t *testing.T) {
	topic := "order.retry"
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		MockedReportToSend: test.SuccessReport(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic},
		}),
	}

	s := newTestScheduler(producer, nil)
	s.Schedule(context.Background(), event.New("order-1", "customer-1", -5.0, event.StatusPlaced), 0)

	select {
	case msg := <-producer.Snitch:
		assert.Equal(t, []byte("1"), msg.Headers[0].Value)
	case <-time.After(time.Second):
		t.Fatal("retry record was never produced")
	}
	s.Close()
}

func TestScheduleNoOpAtMaxAttempts(t *testing.T) {
	producer := &test.MockedKafkaProducer{Snitch: make(chan *kafka.Message, 1)}
	scheduledCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.RetryScheduled = scheduledCtr
	l := &test.TestLogger{}

	s := NewScheduler(producer, "order.retry", 3, l, pipeline)
	s.baseDelay = time.Millisecond

	s.Schedule(context.Background(), event.New("order-1", "customer-1", -1, event.StatusPlaced), 3)
	s.Close()

	assert.Empty(t, producer.Snitch)
	assert.Equal(t, int64(0), scheduledCtr.Value())
	assert.NotEmpty(t, l.Lines)
}

func TestSchedulePublishFailure(t *testing.T) {
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		RetVal: errors.New("queue full"),
	}
	publishFailCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.RetryPublishFailure = publishFailCtr

	s := newTestScheduler(producer, pipeline)
	s.Schedule(context.Background(), event.New("order-1", "customer-1", -1, event.StatusPlaced), 0)

	select {
	case <-producer.Snitch:
	case <-time.After(time.Second):
		t.Fatal("retry record was never produced")
	}
	s.Close()

	assert.Equal(t, int64(1), publishFailCtr.Value())
}

func TestScheduleDeliveryFailure(t *testing.T) {
	brokerErr := kafka.NewError(kafka.ErrMsgTimedOut, "delivery failed", false)
	topic := "order.retry"
	producer := &test.MockedKafkaProducer{
		Snitch: make(chan *kafka.Message, 1),
		MockedReportToSend: test.FailureReport(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic},
		}, brokerErr),
	}
	publishFailCtr := &test.TestCounter{}
	pipeline := metrics.NewNopPipeline()
	pipeline.RetryPublishFailure = publishFailCtr

	s := newTestScheduler(producer, pipeline)
	s.Schedule(context.Background(), event.New("order-1", "customer-1", -1, event.StatusPlaced), 0)

	select {
	case <-producer.Snitch:
	case <-time.After(time.Second):
		t.Fatal("retry record was never produced")
	}
	s.Close()

	assert.Equal(t, int64(1), publishFailCtr.Value())
}

func TestScheduleAbandonedOnCancelledContext(t *testing.T) {
	producer := &test.MockedKafkaProducer{Snitch: make(chan *kafka.Message, 1)}
	s := NewScheduler(producer, "order.retry", 3, nil, nil)
	s.baseDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	s.Schedule(ctx, event.New("order-1", "customer-1", -1, event.StatusPlaced), 0)
	cancel()
	s.Close()

	assert.Empty(t, producer.Snitch)
}

func TestNewSchedulerPanicsOnNilProducer(t *testing.T) {
	assert.Panics(t, func() {
		NewScheduler(nil, "order.retry", 3, nil, nil)
	})
}
