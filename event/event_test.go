package event

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	e := New("order-1", "c-1", 42.0, StatusPlaced)

	_, err := uuid.Parse(e.EventID)
	assert.NoError(t, err)
	assert.Equal(t, "order-1", e.OrderID)
	assert.Equal(t, "c-1", e.CustomerID)
	assert.Equal(t, StatusPlaced, e.Status)
	assert.Equal(t, 42.0, e.Amount)
	assert.Positive(t, e.Timestamp)
}

func TestNewGeneratesUniqueIds(t *testing.T) {
	e1 := New("order-1", "c-1", 1, StatusPlaced)
	e2 := New("order-1", "c-1", 1, StatusPlaced)
	assert.NotEqual(t, e1.EventID, e2.EventID)
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name    string
		amount  float64
		wantErr error
	}{
		{
			name:    "positive amount is valid",
			amount:  42.0,
			wantErr: nil,
		},
		{
			name:    "zero amount is invalid",
			amount:  0,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount is invalid",
			amount:  -5.0,
			wantErr: ErrInvalidAmount,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e := Event{Amount: tc.amount}
			err := e.Validate()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
