// Package gorm provides an alternate outbox repository for services whose
// persistence layer already runs on gorm.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/streamhaus/orderflow/logger"
	"github.com/streamhaus/orderflow/outbox"
)

const (
	insertOutboxSql = "INSERT INTO order_outbox (id, aggregate_id, event_type, payload, status, created_at, available_at, last_error, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)"
	findDueSql      = "SELECT id, aggregate_id, event_type, payload, status, created_at, available_at, COALESCE(last_error, ''), attempts FROM order_outbox WHERE status <> 'PUBLISHED' AND available_at <= ? ORDER BY created_at ASC LIMIT ?"
	updateOutboxSql = "UPDATE order_outbox SET status=?, available_at=?, last_error=NULLIF(?, ''), attempts=? WHERE id=?"
)

type OutboxRepository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ outbox.Repository = (*OutboxRepository)(nil)
var _ logger.Loggable = (*OutboxRepository)(nil)

func NewOutboxRepository(txKey outbox.TxKey, db *gorm.DB) *OutboxRepository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &OutboxRepository{txKey: txKey, db: db, logger: &logger.NopLogger{}}
}

// SetLogger sets an optional logger.
func (r *OutboxRepository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *OutboxRepository) Save(ctx context.Context, e *outbox.Entry) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.Exec(insertOutboxSql,
		e.ID, e.AggregateID, e.EventType, string(e.Payload), string(e.Status),
		e.CreatedAt, e.AvailableAt, e.LastError, e.Attempts).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}
	return nil
}

// FindDue retrieves the eligible entries ordered by creation time.
func (r *OutboxRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*outbox.Entry, error) {
	rows, err := r.db.WithContext(ctx).Raw(findDueSql, now, limit).Rows()
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
	res := r.db.WithContext(ctx).Exec(updateOutboxSql,
		string(e.Status), e.AvailableAt, e.LastError, e.Attempts, e.ID)
	if res.Error != nil {
		return fmt.Errorf("could not update the outbox entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox entry '%s' not found", e.ID)
	}
	return nil
}
