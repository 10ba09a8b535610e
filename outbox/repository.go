package outbox

import (
	"context"
	"time"
)

// TxKey is the context key type under which callers place the database
// transaction shared between the business write and the outbox write.
type TxKey any

// Repository manages outbox ledger persistence. Save runs inside the
// caller's business transaction; the other operations run standalone and
// are used only by the dispatcher.
type Repository interface {

	// Save persists a new entry in the business transaction present in the
	// context.
	Save(ctx context.Context, e *Entry) error

	// FindDue returns up to limit eligible entries ordered by creation time,
	// oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// Update persists the status transition of an entry after a dispatch
	// attempt.
	Update(ctx context.Context, e *Entry) error
}
