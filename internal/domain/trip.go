// Package domain contains the core data types for the trip confirmation
// service: the ConfirmedTrip aggregate, its state machine, the payment phase
// tracker, and payment transactions. This package has no dependencies beyond
// uuid and is imported by every other internal package (repo, service,
// handler).
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ConfirmedTrip aggregate.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusPaymentPending      Status = "payment_pending"
	StatusPaymentCompleted    Status = "payment_completed"
	StatusTripStarted         Status = "trip_started"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
)

// transitions is the forward edge set of the status state machine. Cancelled
// is reachable separately (see CanCancel); cancelled and completed are
// terminal.
var transitions = map[Status][]Status{
	StatusPendingConfirmation: {StatusConfirmed},
	StatusConfirmed:           {StatusPaymentPending, StatusTripStarted},
	StatusPaymentPending:      {StatusPaymentCompleted},
	StatusPaymentCompleted:    {StatusTripStarted},
	StatusTripStarted:         {StatusCompleted},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingConfirmation, StatusConfirmed, StatusPaymentPending,
		StatusPaymentCompleted, StatusTripStarted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Movement into cancelled is governed by CanCancel, not by this graph.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CanCancel reports whether a trip in status s may still be cancelled by its
// creator. Once payment has completed, cancellation is a conflict.
func (s Status) CanCancel() bool {
	return s == StatusPendingConfirmation || s == StatusConfirmed || s == StatusPaymentPending
}

// MemberConfirmation is one member's binding confirmation record. Exactly one
// exists per member, created at initiation time.
type MemberConfirmation struct {
	UserID      string     `json:"user_id"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Action is one entry in the aggregate's append-only audit trail. Entries are
// never mutated or deleted.
type Action struct {
	UserID    string            `json:"user_id"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Audit action names.
const (
	ActionInitiateConfirmation = "INITIATE_CONFIRMATION"
	ActionConfirmParticipation = "CONFIRM_PARTICIPATION"
	ActionFullConfirmation     = "FULL_CONFIRMATION"
	ActionOpenPaymentPhase     = "OPEN_PAYMENT_PHASE"
	ActionCompletePayment      = "COMPLETE_PAYMENT"
	ActionOpenDecisionPeriod   = "OPEN_DECISION_PERIOD"
	ActionSubmitDecision       = "SUBMIT_DECISION"
	ActionResolveDecision      = "RESOLVE_DECISION"
	ActionCancelConfirmation   = "CANCEL_CONFIRMATION"
	ActionDeadlineExpired      = "DEADLINE_EXPIRED"
	ActionTripStarted          = "TRIP_STARTED"
	ActionTripCompleted        = "TRIP_COMPLETED"
)

// NotificationRecord logs a notification request at the moment it is enqueued
// for delivery. Delivery itself is best-effort; this log is append-only.
type NotificationRecord struct {
	Type        string    `json:"type"`
	Recipients  []string  `json:"recipients"`
	RequestedAt time.Time `json:"requested_at"`
}

// CancellationInfo is set exactly once, when the trip enters cancelled.
type CancellationInfo struct {
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ConfirmedTrip is the aggregate root of the confirmation workflow — one per
// group+trip pair. All mutation happens through the orchestrator and is
// persisted with optimistic concurrency on Version.
type ConfirmedTrip struct {
	ID            uuid.UUID `json:"id"`
	GroupID       string    `json:"group_id"`
	TripID        string    `json:"trip_id"`
	CreatorUserID string    `json:"creator_user_id"`

	TripName  string `json:"trip_name,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	MemberIDs  []string `json:"member_ids"`
	MinMembers int      `json:"min_members"`
	MaxMembers int      `json:"max_members"`

	Status               Status     `json:"status"`
	ConfirmationDeadline time.Time  `json:"confirmation_deadline"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy          string     `json:"confirmed_by,omitempty"`

	Confirmations []MemberConfirmation `json:"confirmations"`
	Payment       PaymentInfo          `json:"payment"`
	Decision      *DecisionPeriod      `json:"decision,omitempty"`
	Cancellation  *CancellationInfo    `json:"cancellation,omitempty"`

	Actions       []Action             `json:"actions"`
	Notifications []NotificationRecord `json:"notifications"`

	TripStartDate time.Time `json:"trip_start_date"`
	TripEndDate   time.Time `json:"trip_end_date"`

	// Version is the optimistic concurrency token. Every persisted update
	// requires the stored version to match and bumps it by one.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentMemberCount is derived from the membership set, never stored.
func (t *ConfirmedTrip) CurrentMemberCount() int {
	return len(t.MemberIDs)
}

// HasEnoughMembers reports whether the group meets its minimum size.
func (t *ConfirmedTrip) HasEnoughMembers() bool {
	return t.CurrentMemberCount() >= t.MinMembers
}

// IsMember reports whether userID belongs to the trip's membership set.
func (t *ConfirmedTrip) IsMember(userID string) bool {
	for _, id := range t.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConfirmationFor returns the confirmation record for userID, or nil when the
// user is not a member.
func (t *ConfirmedTrip) ConfirmationFor(userID string) *MemberConfirmation {
	for i := range t.Confirmations {
		if t.Confirmations[i].UserID == userID {
			return &t.Confirmations[i]
		}
	}
	return nil
}

// ConfirmedCount returns how many members have confirmed so far.
func (t *ConfirmedTrip) ConfirmedCount() int {
	n := 0
	for _, c := range t.Confirmations {
		if c.Confirmed {
			n++
		}
	}
	return n
}

// AllMembersConfirmed reports whether every member's confirmation record is
// confirmed. Derived on every call, never stored.
func (t *ConfirmedTrip) AllMembersConfirmed() bool {
	if len(t.Confirmations) == 0 {
		return false
	}
	return t.ConfirmedCount() == len(t.Confirmations)
}

// AppendAction records an audit trail entry. The trail is append-only.
func (t *ConfirmedTrip) AppendAction(userID, action string, details map[string]string, now time.Time) {
	t.Actions = append(t.Actions, Action{
		UserID:    userID,
		Action:    action,
		Details:   details,
		Timestamp: now,
	})
}

// AppendNotification logs a notification request against the aggregate.
func (t *ConfirmedTrip) AppendNotification(kind string, recipients []string, now time.Time) {
	t.Notifications = append(t.Notifications, NotificationRecord{
		Type:        kind,
		Recipients:  recipients,
		RequestedAt: now,
	})
}

// DeadlineReached reports whether deadline has elapsed at now. Interactive
// calls and the sweeper must agree on this comparison, so both go through
// this helper.
func DeadlineReached(now, deadline time.Time) bool {
	return !now.Before(deadline)
}

// NextSweepDeadline returns the earliest timestamp at which the deadline
// sweeper must act on this trip, or nil when no deadline applies in the
// current state. Persisted alongside the aggregate so the sweeper can query
// due trips with a single indexed comparison.
func (t *ConfirmedTrip) NextSweepDeadline() *time.Time {
	switch t.Status {
	case StatusPendingConfirmation:
		d := t.ConfirmationDeadline
		return &d
	case StatusPaymentPending:
		if t.Decision != nil && t.Decision.Open() {
			d := t.Decision.Deadline
			return &d
		}
		if phase := t.Payment.ActivePhase(); phase != nil {
			d := phase.Deadline
			return &d
		}
		return nil
	case StatusTripStarted:
		d := t.TripEndDate
		return &d
	default:
		return nil
	}
}

// Validate checks the structural invariants that must hold after every
// operation: one confirmation record per member, valid status, and member
// count within bounds. Used by tests and as a write-time guard.
func (t *ConfirmedTrip) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	if len(t.Confirmations) != len(t.MemberIDs) {
		return fmt.Errorf("%w: %d confirmation records for %d members",
			ErrValidation, len(t.Confirmations), len(t.MemberIDs))
	}
	seen := make(map[string]bool, len(t.MemberIDs))
	for _, id := range t.MemberIDs {
		if seen[id] {
			return fmt.Errorf("%w: duplicate member %s", ErrValidation, id)
		}
		seen[id] = true
	}
	for _, c := range t.Confirmations {
		if !seen[c.UserID] {
			return fmt.Errorf("%w: confirmation record for non-member %s", ErrValidation, c.UserID)
		}
	}
	return nil
}
