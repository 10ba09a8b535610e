package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamhaus/orderflow/codec"
	"github.com/streamhaus/orderflow/event"
	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/outbox"
)

// Service implements the outbox writer: given a business intent it commits
// the order row and the outbox entry in one transaction. No external call
// happens inside that transaction; delivery is the dispatcher's job.
type Service struct {
	orders       Store
	outboxRepo   outbox.Repository
	tx           TxRunner
	payloadCodec codec.Codec
	logger       logger.Logger
}

func NewService(orders Store, outboxRepo outbox.Repository, tx TxRunner, payloadCodec codec.Codec, l logger.Logger) *Service {
	if orders == nil || outboxRepo == nil || tx == nil || payloadCodec == nil {
		panic("you must provide a store, an outbox repository, a tx runner and a codec")
	}
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &Service{
		orders:       orders,
		outboxRepo:   outboxRepo,
		tx:           tx,
		payloadCodec: payloadCodec,
		logger:       l,
	}
}

// PlaceOrder validates the intent, then atomically persists the order row
// and a PENDING outbox entry carrying the serialized event. The returned
// event has not left the process yet; the caller must not assume delivery.
func (s *Service) PlaceOrder(ctx context.Context, customerID string, amount float64) (event.Event, error) {
	evt := event.New(uuid.New().String(), customerID, amount, event.StatusPlaced)
	if err := evt.Validate(); err != nil {
		return event.Event{}, err
	}

	// Serialize before the transaction begins so an encoding failure can
	// never leave a partial row behind.
	payload, err := s.payloadCodec.Encode(evt)
	if err != nil {
		return event.Event{}, &outbox.SerializationError{Err: err}
	}

	row := &Order{
		OrderID:    evt.OrderID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     evt.Status,
		CreatedAt:  time.Now().UnixMilli(),
	}
	entry := outbox.NewEntry(evt.OrderID, event.Type, payload)

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Insert(ctx, row); err != nil {
			return err
		}
		return s.outboxRepo.Save(ctx, entry)
	})
	if err != nil {
		return event.Event{}, &outbox.PersistenceError{Op: "place order", Err: err}
	}

	s.logger.Info(fmt.Sprintf("order '%s' persisted and queued for publishing via outbox", evt.OrderID))
	return evt, nil
}
