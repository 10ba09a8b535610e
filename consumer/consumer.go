// Package consumer processes the primary and retry topics with the same
// business handling, routing validation failures to the retry scheduler or
// the dead-letter publisher once the attempt budget is exhausted.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/streamhaus/orderflow/backoff"
	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/dlt"
	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
	"github.com/streamhaus/orderflow/retry"
)

const (
	pollTimeout = time.Second

	// transportRetryDelay separates resubscription attempts after a
	// transport failure. Transport errors are retried indefinitely and are
	// never counted against the business attempt budget.
	transportRetryDelay = 5 * time.Second

	defaultMaxAttempts = 3
)

// kafkaConsumer is the subset of kafka.Consumer used here.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// retryScheduler queues a republish of a failed event.
type retryScheduler interface {
	Schedule(ctx context.Context, e event.Event, currentAttempt int)
}

// deadLetterer forwards exhausted events to the dead-letter topic.
type deadLetterer interface {
	Send(ctx context.Context, e event.Event, failureType, reason, sourceTopic string, partition int32, offset int64)
}

// Config names the two subscriptions and bounds the retry budget.
type Config struct {
	Topic       string
	RetryTopic  string
	MaxAttempts int
}

// Consumer runs two independent long-lived subscription loops over the same
// processing logic: the primary topic (implicit attempt 0) and the retry
// topic (attempt carried in a record header).
type Consumer struct {
	primary   kafkaConsumer
	retryCons kafkaConsumer
	scheduler retryScheduler
	dlt       deadLetterer
	wireCodec codec.Codec
	cfg       Config

	logger         logger.Logger
	processedCtr   metrics.Counter
	failedCtr      metrics.Counter
	transportDelay time.Duration

	wg sync.WaitGroup
}

func New(primary, retryConsumer kafkaConsumer, scheduler retryScheduler, dl deadLetterer, wireCodec codec.Codec, cfg Config, l logger.Logger, pipeline *metrics.Pipeline) *Consumer {
	for _, kc := range []kafkaConsumer{primary, retryConsumer} {
		if kc == nil || reflect.ValueOf(kc).IsNil() {
			panic("both consumers are mandatory")
		}
	}
	if scheduler == nil || dl == nil || wireCodec == nil {
		panic("a scheduler, a dead-letter publisher and a codec are mandatory")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	if pipeline == nil {
		pipeline = metrics.NewNopPipeline()
	}
	return &Consumer{
		primary:        primary,
		retryCons:      retryConsumer,
		scheduler:      scheduler,
		dlt:            dl,
		wireCodec:      wireCodec,
		cfg:            cfg,
		logger:         l,
		processedCtr:   pipeline.ConsumerProcessed,
		failedCtr:      pipeline.ConsumerFailed,
		transportDelay: transportRetryDelay,
	}
}

// Start subscribes both consumers and launches their loops. The loops run
// until the context is cancelled; use Close to wait for them to settle.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.primary.SubscribeTopics([]string{c.cfg.Topic}, nil); err != nil {
		return fmt.Errorf("could not subscribe to topic '%s': %w", c.cfg.Topic, err)
	}
	if err := c.retryCons.SubscribeTopics([]string{c.cfg.RetryTopic}, nil); err != nil {
		return fmt.Errorf("could not subscribe to topic '%s': %w", c.cfg.RetryTopic, err)
	}

	c.logger.Info(fmt.Sprintf("starting consumer on '%s' and '%s' (maxAttempts=%d)",
		c.cfg.Topic, c.cfg.RetryTopic, c.cfg.MaxAttempts))

	c.wg.Add(2)
	go c.runLoop(ctx, c.primary, false)
	go c.runLoop(ctx, c.retryCons, true)
	return nil
}

// Close waits for both loops to exit and closes the underlying consumers.
func (c *Consumer) Close() {
	c.wg.Wait()
	if err := c.primary.Close(); err != nil {
		c.logger.Error("closing primary consumer", err)
	}
	if err := c.retryCons.Close(); err != nil {
		c.logger.Error("closing retry consumer", err)
	}
}

func (c *Consumer) runLoop(ctx context.Context, kc kafkaConsumer, isRetry bool) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		msg, err := kc.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("error consuming records, retrying subscription", err)
			_ = backoff.Sleep(ctx, c.transportDelay)
			continue
		}
		c.processMessage(ctx, kc, msg, isRetry)
	}
}

// processMessage runs business validation and acknowledges the record's
// offset exactly once whatever the outcome. Redelivery is modeled via the
// retry topic, never by broker-level re-consumption.
func (c *Consumer) processMessage(ctx context.Context, kc kafkaConsumer, msg *kafka.Message, isRetry bool) {
	evt, err := c.wireCodec.Decode(msg.Value)
	if err != nil {
		// Fatal for this record: log with full context and move on.
		c.logger.Error(fmt.Sprintf("undecodable record at %s, skipping", msg.TopicPartition), err)
		c.commit(kc, msg)
		return
	}

	attempt := resolveAttempt(msg, isRetry)
	c.logger.Debug(fmt.Sprintf("received event '%s' from %s attempt=%d", evt.EventID, msg.TopicPartition, attempt))

	if err := evt.Validate(); err != nil {
		c.failedCtr.Inc(1)
		c.logger.Warn(fmt.Sprintf("failed to process event '%s' (attempt %d): %v", evt.EventID, attempt, err))
		if attempt >= c.cfg.MaxAttempts {
			c.logger.Error(fmt.Sprintf("exhausted retries for event '%s', routing to the dead-letter topic", evt.EventID), err)
			c.dlt.Send(ctx, evt, dlt.FailureConsumer, err.Error(),
				sourceTopic(msg), msg.TopicPartition.Partition, int64(msg.TopicPartition.Offset))
		} else {
			c.scheduler.Schedule(ctx, evt, attempt)
		}
	} else {
		c.processedCtr.Inc(1)
		c.logger.Info(fmt.Sprintf("processed order event '%s' for customer '%s' amount=%.2f",
			evt.OrderID, evt.CustomerID, evt.Amount))
	}

	c.commit(kc, msg)
}

func (c *Consumer) commit(kc kafkaConsumer, msg *kafka.Message) {
	if _, err := kc.CommitMessage(msg); err != nil {
		c.logger.Error(fmt.Sprintf("could not commit offset for %s", msg.TopicPartition), err)
	}
}

// resolveAttempt reads the retry-attempt header of retry records, defaulting
// to 1 for malformed or missing headers. Primary records are attempt 0.
func resolveAttempt(msg *kafka.Message, isRetry bool) int {
	if !isRetry {
		return 0
	}
	attempt := 1
	for _, h := range msg.Headers {
		if h.Key != retry.AttemptHeader {
			continue
		}
		if v, err := strconv.Atoi(string(h.Value)); err == nil {
			attempt = v
		}
	}
	return attempt
}

func sourceTopic(msg *kafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}
