package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/streamhaus/orderflow/backoff"
	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 3

	// backoff applied between failed dispatch attempts of one entry.
	backoffBase = time.Second
	backoffMax  = 60 * time.Second

	// parkDuration moves an entry out of the dispatch window once its
	// attempt budget is exhausted. Releasing it again takes an operator.
	parkDuration = time.Hour
)

// Publisher sends a domain event to the bus.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// DispatcherConfig bounds one dispatcher's polling loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

// Dispatcher polls the outbox ledger and publishes due entries one at a
// time. Sequential dispatch bounds in-flight duplicates of one logical
// event to a single publish and keeps the backoff bookkeeping simple.
type Dispatcher struct {
	repo         Repository
	publisher    Publisher
	payloadCodec codec.Codec
	cfg          DispatcherConfig
	logger       logger.Logger
	publishedCtr metrics.Counter
	errorCtr     metrics.Counter
	now          func() time.Time
}

// NewDispatcher wires a dispatcher. The payload codec must match the one
// the writer used to serialize entries (JSON).
func NewDispatcher(repo Repository, publisher Publisher, payloadCodec codec.Codec, cfg DispatcherConfig, l logger.Logger, pipeline *metrics.Pipeline) *Dispatcher {
	if repo == nil || publisher == nil || payloadCodec == nil {
		panic("you must provide a repository, a publisher and a codec")
	}
	cfg.applyDefaults()
	if l == nil {
		l = &logger.NopLogger{}
	}
	if pipeline == nil {
		pipeline = metrics.NewNopPipeline()
	}
	return &Dispatcher{
		repo:         repo,
		publisher:    publisher,
		payloadCodec: payloadCodec,
		cfg:          cfg,
		logger:       l,
		publishedCtr: pipeline.OutboxPublished,
		errorCtr:     pipeline.OutboxFailed,
		now:          time.Now,
	}
}

// Run executes the polling loop until the context is cancelled. It is meant
// to be started once as a long-lived task.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info(fmt.Sprintf("starting outbox dispatcher (pollInterval=%s batchSize=%d maxAttempts=%d)",
		d.cfg.PollInterval, d.cfg.BatchSize, d.cfg.MaxAttempts))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatchBatch(ctx)
		}
	}
}

// dispatchBatch fetches the due entries and dispatches them sequentially.
// A failure in one entry never aborts the rest of the batch.
func (d *Dispatcher) dispatchBatch(ctx context.Context) {
	entries, err := d.repo.FindDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		d.logger.Error("fetching due outbox entries", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	d.logger.Debug(fmt.Sprintf("dispatching %d outbox entries", len(entries)))
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		d.dispatchEntry(ctx, e)
	}
}

func (d *Dispatcher) dispatchEntry(ctx context.Context, e *Entry) {
	evt, err := d.payloadCodec.Decode(e.Payload)
	if err != nil {
		d.markFailed(ctx, e, &SerializationError{Err: err})
		return
	}

	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.markFailed(ctx, e, err)
		return
	}
	d.markPublished(ctx, e)
}

func (d *Dispatcher) markPublished(ctx context.Context, e *Entry) {
	e.Status = StatusPublished
	e.Attempts++
	e.AvailableAt = d.now()
	e.LastError = ""
	if err := d.repo.Update(ctx, e); err != nil {
		d.logger.Error(fmt.Sprintf("updating published outbox entry '%s'", e.ID), err)
		return
	}
	d.publishedCtr.Inc(1)
}

func (d *Dispatcher) markFailed(ctx context.Context, e *Entry, cause error) {
	d.errorCtr.Inc(1)
	e.Attempts++
	e.LastError = cause.Error()
	e.Status = StatusFailed

	if e.Attempts >= d.cfg.MaxAttempts {
		e.AvailableAt = d.now().Add(parkDuration)
		d.logger.Error(fmt.Sprintf("outbox entry '%s' exhausted %d attempts, parked until %s",
			e.ID, e.Attempts, e.AvailableAt.Format(time.RFC3339)), cause)
	} else {
		delay := backoff.Exponential(backoffBase, e.Attempts, backoffMax)
		e.AvailableAt = d.now().Add(delay)
		d.logger.Warn(fmt.Sprintf("outbox entry '%s' failed (attempt %d), retrying after %s: %v",
			e.ID, e.Attempts, delay, cause))
	}

	if err := d.repo.Update(ctx, e); err != nil {
		d.logger.Error(fmt.Sprintf("updating failed outbox entry '%s'", e.ID), err)
	}
}
