// Package service contains the business logic for the confirmation service:
// the confirmation orchestrator, the payment phase workflow, the deadline
// sweeper, and the outbox dispatcher. Services validate inputs, drive the
// aggregate state machine, and orchestrate repo calls. No SQL lives here —
// services depend on repo interfaces, not implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tripcrew/confirmation/internal/client"
	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// Membership is the upstream pooling collaborator the orchestrator consults
// at initiation time. Defined here, in the consumer package, so tests can
// inject a stub; client.MembershipClient is the production implementation.
type Membership interface {
	GetGroup(ctx context.Context, groupID string) (client.Group, error)
}

// casAttempts bounds the read-modify-write retry loop on version conflicts.
// Two members confirming simultaneously is the common case; more than a few
// collisions on one aggregate means something is wrong.
const casAttempts = 3

// Policy holds the workflow defaults applied when a request leaves them unset.
type Policy struct {
	ConfirmationHours int // confirmation deadline = now + this
	UpfrontPercent    int // share of pricePerPerson collected upfront
	UpfrontGraceHours int // upfront deadline = confirmation deadline + this
	FinalLeadHours    int // final deadline = trip start - this
	DecisionHours     int // length of a partial-payment decision window
	ExtensionHours    int // phase deadline extension after a continue vote
}

// DefaultPolicy returns the stock workflow defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConfirmationHours: 48,
		UpfrontPercent:    50,
		UpfrontGraceHours: 72,
		FinalLeadHours:    168,
		DecisionHours:     24,
		ExtensionHours:    72,
	}
}

// InitiateParams carries the initiate request into the orchestrator.
type InitiateParams struct {
	GroupID           string
	TripID            string
	UserID            string
	MinMembers        int
	MaxMembers        int
	TripStartDate     time.Time
	TripEndDate       time.Time
	ConfirmationHours int // 0 falls back to policy
	TotalAmount       int64
	PricePerPerson    int64
	Currency          string
	TripDetails       map[string]string
}

// ConfirmationService is the state-machine driver for the confirmation
// workflow: initiation, member confirmations, cancellation, and the
// member-scoped read projections.
type ConfirmationService struct {
	store      repo.Store
	membership Membership
	policy     Policy
	now        func() time.Time
}

// NewConfirmationService constructs the orchestrator.
func NewConfirmationService(store repo.Store, membership Membership, policy Policy) *ConfirmationService {
	return &ConfirmationService{
		store:      store,
		membership: membership,
		policy:     policy,
		now:        time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *ConfirmationService) WithClock(now func() time.Time) *ConfirmationService {
	s.now = now
	return s
}

// Initiate starts the confirmation workflow for a group's trip. The caller
// must be the group creator as reported by the membership collaborator, no
// aggregate may exist for the trip yet, and the live member count must meet
// the requested minimum. The creator's own confirmation is recorded
// immediately.
func (s *ConfirmationService) Initiate(ctx context.Context, p InitiateParams) (domain.ConfirmedTrip, error) {
	if err := validateInitiate(p); err != nil {
		return domain.ConfirmedTrip{}, err
	}

	group, err := s.membership.GetGroup(ctx, p.GroupID)
	if err != nil {
		return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Initiate: %w", err)
	}
	if group.CreatorUserID != p.UserID {
		return domain.ConfirmedTrip{}, fmt.Errorf("%w: only the group creator may initiate confirmation", domain.ErrUnauthorized)
	}
	if p.TripID != "" && group.TripID != "" && group.TripID != p.TripID {
		return domain.ConfirmedTrip{}, fmt.Errorf("%w: trip id does not match group record", domain.ErrValidation)
	}
	if len(group.UserIDs) < p.MinMembers {
		return domain.ConfirmedTrip{}, fmt.Errorf("%w: group has %d members, minimum is %d",
			domain.ErrValidation, len(group.UserIDs), p.MinMembers)
	}

	now := s.now().UTC()
	trip := s.buildTrip(p, group, now)

	// A single-member group is fully confirmed the moment the creator
	// initiates; the full-confirmation transition runs in the same commit.
	entries := []domain.OutboxEntry{initiationNotice(&trip, now)}
	var newTxs []domain.PaymentTransaction
	if trip.AllMembersConfirmed() {
		var more []domain.OutboxEntry
		newTxs, more = fullConfirmation(&trip, p.UserID, now)
		entries = append(entries, more...)
	}

	err = s.store.WithinTx(ctx, func(st repo.Store) error {
		if err := st.Trips().Create(ctx, &trip); err != nil {
			return err
		}
		if len(newTxs) > 0 {
			if err := st.Transactions().CreateBatch(ctx, newTxs); err != nil {
				return err
			}
		}
		return st.Outbox().Enqueue(ctx, entries...)
	})
	if err != nil {
		return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Initiate: %w", err)
	}
	return trip, nil
}

// buildTrip assembles the fresh aggregate in pending_confirmation.
func (s *ConfirmationService) buildTrip(p InitiateParams, group client.Group, now time.Time) domain.ConfirmedTrip {
	hours := p.ConfirmationHours
	if hours <= 0 {
		hours = s.policy.ConfirmationHours
	}
	confirmationDeadline := now.Add(time.Duration(hours) * time.Hour)

	upfrontDeadline := confirmationDeadline.Add(time.Duration(s.policy.UpfrontGraceHours) * time.Hour)
	finalDeadline := p.TripStartDate.Add(-time.Duration(s.policy.FinalLeadHours) * time.Hour)
	if min := upfrontDeadline.Add(24 * time.Hour); finalDeadline.Before(min) {
		finalDeadline = min
	}

	total := p.TotalAmount
	if total == 0 {
		total = p.PricePerPerson * int64(len(group.UserIDs))
	}

	confirmations := make([]domain.MemberConfirmation, 0, len(group.UserIDs))
	for _, id := range group.UserIDs {
		c := domain.MemberConfirmation{UserID: id}
		if id == p.UserID {
			// The initiator's confirmation is implicit in the act of initiating.
			at := now
			c.Confirmed = true
			c.ConfirmedAt = &at
		}
		confirmations = append(confirmations, c)
	}

	trip := domain.ConfirmedTrip{
		ID:                   uuid.New(),
		GroupID:              p.GroupID,
		TripID:               p.TripID,
		CreatorUserID:        group.CreatorUserID,
		TripName:             group.TripName,
		GroupName:            group.GroupName,
		MemberIDs:            append([]string(nil), group.UserIDs...),
		MinMembers:           p.MinMembers,
		MaxMembers:           p.MaxMembers,
		Status:               domain.StatusPendingConfirmation,
		ConfirmationDeadline: confirmationDeadline,
		Confirmations:        confirmations,
		Payment:              domain.NewPaymentInfo(total, p.PricePerPerson, p.Currency, s.policy.UpfrontPercent, upfrontDeadline, finalDeadline),
		TripStartDate:        p.TripStartDate,
		TripEndDate:          p.TripEndDate,
	}

	details := map[string]string{"confirmation_hours": fmt.Sprint(hours)}
	for k, v := range p.TripDetails {
		details[k] = v
	}
	trip.AppendAction(p.UserID, domain.ActionInitiateConfirmation, details, now)

	recipients := othersThan(trip.MemberIDs, p.UserID)
	trip.AppendNotification("confirmation.requested", recipients, now)

	return trip
}

// initiationNotice builds the confirmation-request fan-out entry.
func initiationNotice(trip *domain.ConfirmedTrip, now time.Time) domain.OutboxEntry {
	return domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
		Type:       "confirmation.requested",
		Recipients: othersThan(trip.MemberIDs, trip.CreatorUserID),
		Details: map[string]string{
			"trip_id":   trip.TripID,
			"trip_name": trip.TripName,
			"deadline":  trip.ConfirmationDeadline.Format(time.RFC3339),
		},
	}, now)
}

// Confirm records one member's binding confirmation. When the last required
// confirmation lands, the full-confirmation transition runs synchronously in
// the same database transaction: the trip becomes confirmed, activation is
// requested, and — when the trip costs money — the payment process opens.
func (s *ConfirmationService) Confirm(ctx context.Context, tripID, userID string) (domain.ConfirmedTrip, error) {
	var result domain.ConfirmedTrip

	for attempt := 0; attempt < casAttempts; attempt++ {
		trip, err := s.store.Trips().GetByTripID(ctx, tripID)
		if err != nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Confirm: %w", err)
		}
		now := s.now().UTC()

		if !trip.IsMember(userID) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: user %s is not a member of this trip", domain.ErrUnauthorized, userID)
		}
		if trip.Status != domain.StatusPendingConfirmation {
			if conf := trip.ConfirmationFor(userID); conf != nil && conf.Confirmed {
				return domain.ConfirmedTrip{}, fmt.Errorf("%w: participation already confirmed", domain.ErrConflict)
			}
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: trip is %s", domain.ErrConflict, trip.Status)
		}
		conf := trip.ConfirmationFor(userID)
		if conf.Confirmed {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: participation already confirmed", domain.ErrConflict)
		}
		if domain.DeadlineReached(now, trip.ConfirmationDeadline) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: confirmation deadline passed", domain.ErrDeadlineExpired)
		}

		at := now
		conf.Confirmed = true
		conf.ConfirmedAt = &at
		trip.AppendAction(userID, domain.ActionConfirmParticipation, nil, now)

		var (
			newTxs  []domain.PaymentTransaction
			entries []domain.OutboxEntry
		)
		if trip.AllMembersConfirmed() {
			newTxs, entries = fullConfirmation(&trip, userID, now)
		}

		err = s.store.WithinTx(ctx, func(st repo.Store) error {
			if err := st.Trips().Update(ctx, &trip); err != nil {
				return err
			}
			if len(newTxs) > 0 {
				if err := st.Transactions().CreateBatch(ctx, newTxs); err != nil {
					return err
				}
			}
			if len(entries) > 0 {
				if err := st.Outbox().Enqueue(ctx, entries...); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			result = trip
			return result, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Confirm: %w", err)
		}
		// Version CAS lost to a concurrent writer: re-read and retry.
	}

	return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Confirm: retries exhausted: %w", domain.ErrConflict)
}

// fullConfirmation applies the confirmed transition to the in-memory
// aggregate and returns the payment transactions and outbox entries that must
// commit with it. Runs only when every member has confirmed; the version CAS
// on the surrounding write guarantees it applies at most once.
func fullConfirmation(trip *domain.ConfirmedTrip, lastUserID string, now time.Time) ([]domain.PaymentTransaction, []domain.OutboxEntry) {
	at := now
	trip.Status = domain.StatusConfirmed
	trip.ConfirmedAt = &at
	trip.ConfirmedBy = lastUserID
	trip.AppendAction(lastUserID, domain.ActionFullConfirmation, nil, now)

	// Activation is best-effort: the outbox retries it, and a failure never
	// rolls back the confirmation. Zero-price trips advance straight to
	// trip_started once the activation call lands.
	advanceFrom := domain.Status("")
	if !trip.Payment.Required() {
		advanceFrom = domain.StatusConfirmed
	}
	entries := []domain.OutboxEntry{
		domain.NewOutboxEntry(domain.OutboxActivateTrip, activationPayload(trip, advanceFrom), now),
	}

	if !trip.Payment.Required() {
		return nil, entries
	}

	txs, more := openPaymentProcess(trip, now)
	return txs, append(entries, more...)
}

// openPaymentProcess moves the aggregate into payment_pending, creates the
// member payment records, and returns the upfront-phase transactions plus the
// payment-request notification.
func openPaymentProcess(trip *domain.ConfirmedTrip, now time.Time) ([]domain.PaymentTransaction, []domain.OutboxEntry) {
	trip.Status = domain.StatusPaymentPending
	trip.Payment.OpenMembers(trip.MemberIDs)
	trip.AppendAction(trip.CreatorUserID, domain.ActionOpenPaymentPhase,
		map[string]string{"phase": string(domain.PhaseUpfront)}, now)
	trip.AppendNotification("payment.requested", trip.MemberIDs, now)

	txs := domain.NewPhaseTransactions(trip, domain.PhaseUpfront)
	entries := []domain.OutboxEntry{
		domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
			Type:       "payment.requested",
			Recipients: trip.MemberIDs,
			Details: map[string]string{
				"trip_id":  trip.TripID,
				"phase":    string(domain.PhaseUpfront),
				"amount":   fmt.Sprint(trip.Payment.Upfront.Amount),
				"currency": trip.Payment.Currency,
				"deadline": trip.Payment.Upfront.Deadline.Format(time.RFC3339),
			},
		}, now),
	}
	return txs, entries
}

// activationPayload flattens the trip summary for the activation collaborator.
func activationPayload(trip *domain.ConfirmedTrip, advanceFrom domain.Status) domain.ActivationPayload {
	return domain.ActivationPayload{
		ConfirmedTripID: trip.ID,
		TripID:          trip.TripID,
		GroupID:         trip.GroupID,
		TripName:        trip.TripName,
		GroupName:       trip.GroupName,
		CreatorUserID:   trip.CreatorUserID,
		MemberIDs:       trip.MemberIDs,
		TripStartDate:   trip.TripStartDate,
		TripEndDate:     trip.TripEndDate,
		TotalAmount:     trip.Payment.TotalAmount,
		Currency:        trip.Payment.Currency,
		AdvanceFrom:     advanceFrom,
	}
}

// Cancel cancels the trip on the creator's request. Allowed only before
// payment completion; members who already paid get refund requests queued.
// Cancellation never blocks on refund completion.
func (s *ConfirmationService) Cancel(ctx context.Context, tripID, userID, reason string) (domain.ConfirmedTrip, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		trip, err := s.store.Trips().GetByTripID(ctx, tripID)
		if err != nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Cancel: %w", err)
		}
		now := s.now().UTC()

		if trip.CreatorUserID != userID {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: only the creator may cancel", domain.ErrUnauthorized)
		}
		if !trip.Status.CanCancel() {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: trip is %s", domain.ErrConflict, trip.Status)
		}

		err = s.store.WithinTx(ctx, func(st repo.Store) error {
			return cancelWithRefunds(ctx, st, &trip, userID, reason, now)
		})
		if err == nil {
			return trip, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Cancel: %w", err)
		}
	}

	return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Cancel: retries exhausted: %w", domain.ErrConflict)
}

// Status returns the member-scoped projection of an aggregate by its internal id.
func (s *ConfirmationService) Status(ctx context.Context, confirmedTripID uuid.UUID, userID string) (StatusView, error) {
	trip, err := s.store.Trips().GetByID(ctx, confirmedTripID)
	if err != nil {
		return StatusView{}, fmt.Errorf("service.ConfirmationService.Status: %w", err)
	}
	return s.statusView(trip, userID)
}

// StatusByTripID returns the projection looked up by the external trip id.
func (s *ConfirmationService) StatusByTripID(ctx context.Context, tripID, userID string) (StatusView, error) {
	trip, err := s.store.Trips().GetByTripID(ctx, tripID)
	if err != nil {
		return StatusView{}, fmt.Errorf("service.ConfirmationService.StatusByTripID: %w", err)
	}
	return s.statusView(trip, userID)
}

func (s *ConfirmationService) statusView(trip domain.ConfirmedTrip, userID string) (StatusView, error) {
	if !trip.IsMember(userID) {
		return StatusView{}, fmt.Errorf("%w: user %s is not a member of this trip", domain.ErrUnauthorized, userID)
	}
	return NewStatusView(trip), nil
}

// ListUserTrips returns the trips whose membership includes userID,
// optionally filtered by status, newest first.
func (s *ConfirmationService) ListUserTrips(ctx context.Context, userID string, status string, p domain.PaginationParams) ([]StatusView, int64, error) {
	st := domain.Status(strings.TrimSpace(status))
	if st != "" && !st.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}

	trips, total, err := s.store.Trips().ListByMember(ctx, userID, st, p)
	if err != nil {
		return nil, 0, fmt.Errorf("service.ConfirmationService.ListUserTrips: %w", err)
	}

	views := make([]StatusView, 0, len(trips))
	for _, t := range trips {
		views = append(views, NewStatusView(t))
	}
	return views, total, nil
}

// validateInitiate enforces request-level business rules.
func validateInitiate(p InitiateParams) error {
	switch {
	case strings.TrimSpace(p.GroupID) == "":
		return fmt.Errorf("%w: groupId is required", domain.ErrValidation)
	case strings.TrimSpace(p.TripID) == "":
		return fmt.Errorf("%w: tripId is required", domain.ErrValidation)
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("%w: userId is required", domain.ErrValidation)
	case p.MinMembers < 1:
		return fmt.Errorf("%w: minMembers must be at least 1", domain.ErrValidation)
	case p.MaxMembers > 0 && p.MaxMembers < p.MinMembers:
		return fmt.Errorf("%w: maxMembers must not be below minMembers", domain.ErrValidation)
	case p.TripStartDate.IsZero() || p.TripEndDate.IsZero():
		return fmt.Errorf("%w: tripStartDate and tripEndDate are required", domain.ErrValidation)
	case p.TripEndDate.Before(p.TripStartDate):
		return fmt.Errorf("%w: tripEndDate must not be before tripStartDate", domain.ErrValidation)
	case p.PricePerPerson < 0 || p.TotalAmount < 0:
		return fmt.Errorf("%w: amounts must not be negative", domain.ErrValidation)
	case p.PricePerPerson > 0 && len(p.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", domain.ErrValidation)
	}
	return nil
}

// othersThan returns members minus the excluded user.
func othersThan(members []string, excluded string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != excluded {
			out = append(out, m)
		}
	}
	return out
}
