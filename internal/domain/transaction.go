package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle of a single payment attempt.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxProcessing TransactionStatus = "processing"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxRefunded   TransactionStatus = "refunded"
	TxCancelled  TransactionStatus = "cancelled"
)

// RefundInfo is the refund sub-record of a transaction. RequestedAt is set
// when cancellation queues the refund; CompletedAt when the gateway confirms.
type RefundInfo struct {
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PaymentTransaction is one payment attempt by one member for one phase.
// Rows are append-mostly: only the owning member's gateway callbacks and
// refund processing ever mutate one, so no cross-row locking is needed.
type PaymentTransaction struct {
	ID              uuid.UUID         `json:"id"`
	ConfirmedTripID uuid.UUID         `json:"confirmed_trip_id"`
	TripID          string            `json:"trip_id"`
	UserID          string            `json:"user_id"`
	Phase           Phase             `json:"phase"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	GatewayOrderID  string            `json:"gateway_order_id,omitempty"`
	Status          TransactionStatus `json:"status"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Refund          *RefundInfo       `json:"refund,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewPhaseTransactions creates one pending transaction per member for the
// given phase, expiring at the phase deadline.
func NewPhaseTransactions(trip *ConfirmedTrip, phase Phase) []PaymentTransaction {
	p := trip.Payment.PhaseFor(phase)
	txs := make([]PaymentTransaction, 0, len(trip.MemberIDs))
	for _, userID := range trip.MemberIDs {
		exp := p.Deadline
		txs = append(txs, PaymentTransaction{
			ID:              uuid.New(),
			ConfirmedTripID: trip.ID,
			TripID:          trip.TripID,
			UserID:          userID,
			Phase:           phase,
			Amount:          p.Amount,
			Currency:        trip.Payment.Currency,
			Status:          TxPending,
			ExpiresAt:       &exp,
		})
	}
	return txs
}
