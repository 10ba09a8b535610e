package metrics

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

// Pipeline groups the counters exposed by the event delivery pipeline. It is
// built once at startup and handed to the components that report on it.
type Pipeline struct {
	OutboxPublished     Counter // outbox entries transitioned to PUBLISHED
	OutboxFailed        Counter // outbox dispatch attempts that failed
	PublishSuccess      Counter // broker sends acknowledged
	PublishFailure      Counter // broker sends rejected or timed out
	ConsumerProcessed   Counter // records handled successfully
	ConsumerFailed      Counter // records that failed business validation
	RetryScheduled      Counter // retries accepted by the scheduler
	RetryPublished      Counter // retries delivered to the retry topic
	RetryPublishFailure Counter // retry republish failures (events lost)
	DeadLettered        Counter // records forwarded to the dead-letter topic
}

// NewNopPipeline returns a Pipeline whose counters discard every increment.
func NewNopPipeline() *Pipeline {
	nop := &NopCounter{}
	return &Pipeline{
		OutboxPublished:     nop,
		OutboxFailed:        nop,
		PublishSuccess:      nop,
		PublishFailure:      nop,
		ConsumerProcessed:   nop,
		ConsumerFailed:      nop,
		RetryScheduled:      nop,
		RetryPublished:      nop,
		RetryPublishFailure: nop,
		DeadLettered:        nop,
	}
}
