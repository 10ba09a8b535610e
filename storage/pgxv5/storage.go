// Package pgxv5 provides the pgx-backed persistence for the orders table
// and the outbox ledger, sharing one transaction through the context.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/order"
	"github.com/streamhaus/orderflow/outbox"
)

const (
	insertOrderSql  = "INSERT INTO orders (order_id, customer_id, amount, status, created_at) VALUES ($1, $2, $3, $4, $5)"
	insertOutboxSql = "INSERT INTO order_outbox (id, aggregate_id, event_type, payload, status, created_at, available_at, last_error, attempts) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)"
	findDueSql      = "SELECT id, aggregate_id, event_type, payload, status, created_at, available_at, COALESCE(last_error, ''), attempts FROM order_outbox WHERE status <> 'PUBLISHED' AND available_at <= $1 ORDER BY created_at ASC LIMIT $2"
	updateOutboxSql = "UPDATE order_outbox SET status=$1, available_at=$2, last_error=NULLIF($3, ''), attempts=$4 WHERE id=$5"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxRunner owns the business transaction boundary. The transaction travels
// in the context under txKey so the stores below can join it.
type TxRunner struct {
	txKey outbox.TxKey
	db    dbpool
}

var _ order.TxRunner = (*TxRunner)(nil)

func NewTxRunner(txKey outbox.TxKey, pool dbpool) *TxRunner {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &TxRunner{txKey: txKey, db: pool}
}

// InTx begins a transaction, runs fn with it in the context and commits,
// rolling back if fn or the commit fails.
func (t *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, t.txKey, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// OrderStore persists business rows inside the shared transaction.
type OrderStore struct {
	txKey  outbox.TxKey
	logger logger.Logger
}

var _ order.Store = (*OrderStore)(nil)
var _ logger.Loggable = (*OrderStore)(nil)

func NewOrderStore(txKey outbox.TxKey) *OrderStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &OrderStore{txKey: txKey, logger: &logger.NopLogger{}}
}

// SetLogger sets an optional logger.
func (s *OrderStore) SetLogger(l logger.Logger) {
	s.logger = l
}

// Insert persists the order row in the transaction present in the context.
// The expected transaction should implement pgx.Tx.
func (s *OrderStore) Insert(ctx context.Context, o *order.Order) error {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOrderSql, o.OrderID, o.CustomerID, o.Amount, o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the order row: %w", err)
	}
	return nil
}

// OutboxRepository implements outbox.Repository over pgx.
type OutboxRepository struct {
	txKey  outbox.TxKey
	db     dbpool
	logger logger.Logger
}

var _ outbox.Repository = (*OutboxRepository)(nil)
var _ logger.Loggable = (*OutboxRepository)(nil)

func NewOutboxRepository(txKey outbox.TxKey, pool dbpool) *OutboxRepository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &OutboxRepository{txKey: txKey, db: pool, logger: &logger.NopLogger{}}
}

// SetLogger sets an optional logger.
func (r *OutboxRepository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *OutboxRepository) Save(ctx context.Context, e *outbox.Entry) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOutboxSql,
		e.ID, e.AggregateID, e.EventType, string(e.Payload), string(e.Status),
		e.CreatedAt, e.AvailableAt, e.LastError, e.Attempts)
	if err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}
	return nil
}

// FindDue retrieves the eligible entries ordered by creation time.
func (r *OutboxRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	rows, err := r.db.Query(ctx, findDueSql, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		var payload, status string
		err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload, &status,
			&e.CreatedAt, &e.AvailableAt, &e.LastError, &e.Attempts)
		if err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.Status = outbox.Status(status)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Update persists a status transition after a dispatch attempt.
func (r *OutboxRepository) Update(ctx context.Context, e *outbox.Entry) error {
	ct, err := r.db.Exec(ctx, updateOutboxSql,
		string(e.Status), e.AvailableAt, e.LastError, e.Attempts, e.ID)
	if err != nil {
		return fmt.Errorf("could not update the outbox entry: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry '%s' not found", e.ID)
	}
	return nil
}
