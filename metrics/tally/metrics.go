package tally

import (
	"github.com/streamhaus/orderflow/metrics"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// NewPipeline builds the pipeline counter registry on top of a tally scope.
func NewPipeline(scope tally.Scope) *metrics.Pipeline {
	counter := func(name string) metrics.Counter {
		return &Counter{Counter: scope.Counter(name)}
	}
	return &metrics.Pipeline{
		OutboxPublished:     counter("outbox_published"),
		OutboxFailed:        counter("outbox_failed"),
		PublishSuccess:      counter("publisher_success"),
		PublishFailure:      counter("publisher_failure"),
		ConsumerProcessed:   counter("consumer_processed"),
		ConsumerFailed:      counter("consumer_failed"),
		RetryScheduled:      counter("retry_scheduled"),
		RetryPublished:      counter("retry_published"),
		RetryPublishFailure: counter("retry_publish_failure"),
		DeadLettered:        counter("dead_lettered"),
	}
}
