// Package outbox implements the transactional outbox ledger: the entry
// lifecycle, the repository contract and the polling dispatcher that turns
// committed entries into bus messages.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status of an outbox entry. Entries are never deleted; the ledger doubles
// as an audit log of every dispatch attempt.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Entry is one row of the outbox ledger. An entry is eligible for dispatch
// iff its status is not PUBLISHED and availableAt is not in the future.
type Entry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	Status      Status
	CreatedAt   time.Time
	AvailableAt time.Time
	LastError   string
	Attempts    int
}

// NewEntry creates a PENDING entry immediately eligible for dispatch.
func NewEntry(aggregateID, eventType string, payload []byte) *Entry {
	now := time.Now()
	return &Entry{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		AvailableAt: now,
		Attempts:    0,
	}
}

// Due reports whether the entry is eligible for dispatch at the given time.
func (e *Entry) Due(now time.Time) bool {
	return e.Status != StatusPublished && !e.AvailableAt.After(now)
}
