// Package event defines the immutable domain event carried by the pipeline,
// both as the outbox payload and as the wire payload on every topic.
package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminator stored in the outbox event_type column.
const Type = "OrderEvent"

// Statuses an order event can carry at creation time.
const (
	StatusPlaced = "PLACED"
	StatusFailed = "FAILED"
)

// ErrInvalidAmount is returned by Validate for non-positive amounts.
var ErrInvalidAmount = errors.New("amount must be greater than zero")

// Event is the immutable order fact. Timestamp is epoch milliseconds.
type Event struct {
	EventID    string  `json:"eventId"`
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	Timestamp  int64   `json:"timestamp"`
}

// New creates an event with a fresh event id and the current instant.
func New(orderID, customerID string, amount float64, status string) Event {
	return Event{
		EventID:    uuid.New().String(),
		OrderID:    orderID,
		CustomerID: customerID,
		Status:     status,
		Amount:     amount,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Validate applies the business validation shared by the writer and the
// consumer.
func (e Event) Validate() error {
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
