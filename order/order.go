// Package order owns the business row and the atomic write path that pairs
// it with an outbox entry.
package order

import "context"

// Order is the business row. It is created once inside the writer's
// transaction and never mutated by the pipeline afterwards.
type Order struct {
	OrderID    string
	CustomerID string
	Amount     float64
	Status     string
	CreatedAt  int64 // epoch milliseconds
}

// Store persists business rows. Insert must run inside the transaction
// present in the context.
type Store interface {
	Insert(ctx context.Context, o *Order) error
}

// TxRunner executes fn inside a database transaction placed in the context
// so that the order store and the outbox repository share it. Commit when
// fn returns nil, rollback otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
