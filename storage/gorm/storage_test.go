package gorm

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/streamhaus/orderflow/outbox"
)

var testTxKey outbox.TxKey = "testTxKey"

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	assert.NoError(t, err)
	return gormDB, mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestNewOutboxRepository(t *testing.T) {
	gormDB, _ := newMockDB(t)
	assert.NotPanics(t, func() { NewOutboxRepository(testTxKey, gormDB) })
	assert.Panics(t, func() { NewOutboxRepository(nil, gormDB) })
	assert.Panics(t, func() { NewOutboxRepository(testTxKey, nil) })
}

func TestSave(t *testing.T) {
	gormDB, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_outbox.+").
		WithArgs(anyArgs(9)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx := gormDB.Begin()
	ctx := context.WithValue(context.Background(), testTxKey, tx)

	repo := NewOutboxRepository(testTxKey, gormDB)
	err := repo.Save(ctx, outbox.NewEntry("order-1", "OrderEvent", []byte("payload")))

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWithoutTransaction(t *testing.T) {
	gormDB, _ := newMockDB(t)
	repo := NewOutboxRepository(testTxKey, gormDB)
	err := repo.Save(context.Background(), outbox.NewEntry("order-1", "OrderEvent", nil))
	assert.EqualError(t, err, "a *gorm.DB transaction was expected")
}

func TestSaveError(t *testing.T) {
	gormDB, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_outbox.+").
		WithArgs(anyArgs(9)...).
		WillReturnError(errors.New("constraint violated"))

	tx := gormDB.Begin()
	ctx := context.WithValue(context.Background(), testTxKey, tx)

	repo := NewOutboxRepository(testTxKey, gormDB)
	err := repo.Save(ctx, outbox.NewEntry("order-1", "OrderEvent", nil))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "could not persist the outbox entry")
}

func TestFindDue(t *testing.T) {
	gormDB, mock := newMockDB(t)
	now := time.Now()
	entry := outbox.NewEntry("order-1", "OrderEvent", []byte("payload"))
	rows := sqlmock.NewRows([]string{
		"id", "aggregate_id", "event_type", "payload", "status",
		"created_at", "available_at", "last_error", "attempts",
	}).AddRow(entry.ID, entry.AggregateID, entry.EventType, "payload", "PENDING",
		entry.CreatedAt, entry.AvailableAt, "", 0)
	mock.ExpectQuery("SELECT .+ FROM order_outbox.+").
		WithArgs(anyArgs(2)...).
		WillReturnRows(rows)

	repo := NewOutboxRepository(testTxKey, gormDB)
	entries, err := repo.FindDue(context.Background(), now, 50)

	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, outbox.StatusPending, entries[0].Status)
	assert.Equal(t, []byte("payload"), entries[0].Payload)
}

func TestFindDueQueryError(t *testing.T) {
	gormDB, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM order_outbox.+").
		WillReturnError(errors.New("db down"))

	repo := NewOutboxRepository(testTxKey, gormDB)
	entries, err := repo.FindDue(context.Background(), time.Now(), 50)

	assert.Error(t, err)
	assert.Nil(t, entries)
}

func TestUpdate(t *testing.T) {
	gormDB, mock := newMockDB(t)
	entry := outbox.NewEntry("order-1", "OrderEvent", nil)
	entry.Status = outbox.StatusPublished
	entry.Attempts = 1
	mock.ExpectExec("UPDATE order_outbox SET.+").
		WithArgs(anyArgs(5)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewOutboxRepository(testTxKey, gormDB)
	assert.NoError(t, repo.Update(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingEntry(t *testing.T) {
	gormDB, mock := newMockDB(t)
	entry := outbox.NewEntry("order-1", "OrderEvent", nil)
	mock.ExpectExec("UPDATE order_outbox SET.+").
		WithArgs(anyArgs(5)...).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewOutboxRepository(testTxKey, gormDB)
	err := repo.Update(context.Background(), entry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
