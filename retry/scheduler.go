// Package retry delays and republishes failed events to the retry topic
// with an incremented attempt count.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/streamhaus/orderflow/backoff"
	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
)

// AttemptHeader carries the retry attempt count on republished records.
const AttemptHeader = "retry-attempt"

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	maxDelay           = 60 * time.Second
	reportTimeout      = 10 * time.Second
)

// kafkaProducer is the subset of kafka.Producer used by the scheduler.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Scheduler republishes a failed event to the retry topic after a capped
// exponential delay. The republish is fire and forget: if it fails the
// event is lost past this point, which is a known limitation.
type Scheduler struct {
	producer    kafkaProducer
	topic       string
	maxAttempts int
	baseDelay   time.Duration
	logger      logger.Logger

	scheduledCtr   metrics.Counter
	publishedCtr   metrics.Counter
	publishFailCtr metrics.Counter

	wg sync.WaitGroup
}

func NewScheduler(p kafkaProducer, topic string, maxAttempts int, l logger.Logger, pipeline *metrics.Pipeline) *Scheduler {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	if pipeline == nil {
		pipeline = metrics.NewNopPipeline()
	}
	return &Scheduler{
		producer:       p,
		topic:          topic,
		maxAttempts:    maxAttempts,
		baseDelay:      defaultBaseDelay,
		logger:         l,
		scheduledCtr:   pipeline.RetryScheduled,
		publishedCtr:   pipeline.RetryPublished,
		publishFailCtr: pipeline.RetryPublishFailure,
	}
}

// Schedule queues a retry for the event. It is a no-op when the attempt
// budget is already exhausted. The delay and republish run asynchronously
// so the caller's consume loop is never blocked.
func (s *Scheduler) Schedule(ctx context.Context, e event.Event, currentAttempt int) {
	if currentAttempt >= s.maxAttempts {
		s.logger.Warn(fmt.Sprintf("max retry attempts reached for event '%s'", e.EventID))
		return
	}

	nextAttempt := currentAttempt + 1
	delay := backoff.Exponential(s.baseDelay, nextAttempt, maxDelay)
	s.logger.Info(fmt.Sprintf("scheduling retry attempt %d for event '%s' after %s", nextAttempt, e.EventID, delay))
	s.scheduledCtr.Inc(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := backoff.Sleep(ctx, delay); err != nil {
			s.logger.Warn(fmt.Sprintf("retry attempt %d for event '%s' abandoned during shutdown", nextAttempt, e.EventID))
			return
		}
		s.republish(e, nextAttempt)
	}()
}

// Close waits for in-flight retries to settle.
func (s *Scheduler) Close() {
	s.wg.Wait()
}

func (s *Scheduler) republish(e event.Event, attempt int) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.publishFailCtr.Inc(1)
		s.logger.Error(fmt.Sprintf("could not serialize retry event '%s'", e.EventID), err)
		return
	}

	topic := s.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.EventID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: AttemptHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	}

	deliveries := make(chan kafka.Event, 1)
	if err := s.producer.Produce(msg, deliveries); err != nil {
		s.publishFailCtr.Inc(1)
		s.logger.Error(fmt.Sprintf("retry publish failed for event '%s' attempt %d", e.EventID, attempt), err)
		return
	}

	timer := time.NewTimer(reportTimeout)
	defer timer.Stop()
	select {
	case ev := <-deliveries:
		if m, ok := ev.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			s.publishFailCtr.Inc(1)
			s.logger.Error(fmt.Sprintf("retry publish failed for event '%s' attempt %d", e.EventID, attempt), m.TopicPartition.Error)
			return
		}
		s.publishedCtr.Inc(1)
		s.logger.Info(fmt.Sprintf("retry attempt %d published for event '%s'", attempt, e.EventID))
	case <-timer.C:
		s.publishFailCtr.Inc(1)
		s.logger.Error(fmt.Sprintf("retry publish report timed out for event '%s' attempt %d", e.EventID, attempt), nil)
	}
}
