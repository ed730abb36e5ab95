package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxKind names the side effect an outbox entry carries.
type OutboxKind string

const (
	OutboxActivateTrip OutboxKind = "trip.activate"
	OutboxNotify       OutboxKind = "notification.send"
	OutboxRefund       OutboxKind = "refund.request"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is a persisted side-effect request. Entries are written in the
// same database transaction as the state change that caused them, then
// dispatched asynchronously with retries, so a crash between the state change
// and the collaborator call cannot lose the effect.
type OutboxEntry struct {
	ID            uuid.UUID       `json:"id"`
	Kind          OutboxKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// ActivationPayload is the payload of a trip.activate entry: the flattened
// trip summary the activation collaborator accepts, plus bookkeeping for the
// dispatcher.
type ActivationPayload struct {
	ConfirmedTripID uuid.UUID `json:"confirmed_trip_id"`
	TripID          string    `json:"trip_id"`
	GroupID         string    `json:"group_id"`
	TripName        string    `json:"trip_name,omitempty"`
	GroupName       string    `json:"group_name,omitempty"`
	CreatorUserID   string    `json:"creator_user_id"`
	MemberIDs       []string  `json:"member_ids"`
	TripStartDate   time.Time `json:"trip_start_date"`
	TripEndDate     time.Time `json:"trip_end_date"`
	TotalAmount     int64     `json:"total_amount"`
	Currency        string    `json:"currency,omitempty"`

	// AdvanceOnSuccess tells the dispatcher which status transition to apply
	// once the activation call succeeds ("" for none).
	AdvanceFrom Status `json:"advance_from,omitempty"`
}

// NotifyPayload is the payload of a notification.send entry, matching the
// notification dispatcher's {type, recipients, details} contract.
type NotifyPayload struct {
	Type       string            `json:"type"`
	Recipients []string          `json:"recipients"`
	Details    map[string]string `json:"details,omitempty"`
}

// RefundPayload is the payload of a refund.request entry.
type RefundPayload struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	ConfirmedTripID uuid.UUID `json:"confirmed_trip_id"`
	UserID          string    `json:"user_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Reason          string    `json:"reason"`
}

// NewOutboxEntry builds a pending entry for the given kind, marshaling the
// payload. Callers pass only the payload structs defined in this package,
// which always marshal; an unmarshalable payload is a programming error and
// panics rather than enqueueing an undecodable entry.
func NewOutboxEntry(kind OutboxKind, payload any, now time.Time) OutboxEntry {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("domain.NewOutboxEntry: %s payload not marshalable: %v", kind, err))
	}
	return OutboxEntry{
		ID:            uuid.New(),
		Kind:          kind,
		Payload:       raw,
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}
