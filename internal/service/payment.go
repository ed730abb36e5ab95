package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// PaymentService records gateway payment results against the aggregate's
// phase sub-records and drives the payment-side transitions: final-phase
// activation, payment completion, and the partial-payment decision workflow.
// The phase arithmetic itself is pure logic in the domain package.
type PaymentService struct {
	store  repo.Store
	policy Policy
	now    func() time.Time
}

// NewPaymentService constructs the payment workflow service.
func NewPaymentService(store repo.Store, policy Policy) *PaymentService {
	return &PaymentService{store: store, policy: policy, now: time.Now}
}

// WithClock overrides the service clock. Test hook.
func (s *PaymentService) WithClock(now func() time.Time) *PaymentService {
	s.now = now
	return s
}

// CompletePayment records a successful gateway result (orderID) for the
// member's currently active phase. Once every member's overall payment status
// is completed, the trip advances to payment_completed and activation is
// requested through the outbox.
//
// Replaying the call with the orderID that settled the phase is an idempotent
// success; any other payment against a settled phase is a conflict.
func (s *PaymentService) CompletePayment(ctx context.Context, tripID, userID, orderID string) (domain.ConfirmedTrip, error) {
	if orderID == "" {
		return domain.ConfirmedTrip{}, fmt.Errorf("%w: orderId is required", domain.ErrValidation)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		trip, err := s.store.Trips().GetByTripID(ctx, tripID)
		if err != nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.CompletePayment: %w", err)
		}
		now := s.now().UTC()

		if !trip.IsMember(userID) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: user %s is not a member of this trip", domain.ErrUnauthorized, userID)
		}
		if !trip.Payment.Required() {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: trip has no payment step", domain.ErrConflict)
		}

		mp := trip.Payment.MemberPaymentFor(userID)
		if trip.Status != domain.StatusPaymentPending {
			// Idempotent replay: the transition already happened and this
			// orderID is the one that settled a phase for this member.
			if mp != nil && (mp.Upfront.Reference == orderID || mp.Final.Reference == orderID) {
				return trip, nil
			}
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: no pending payment, trip is %s", domain.ErrConflict, trip.Status)
		}
		if mp == nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: payment process not opened for this member", domain.ErrConflict)
		}

		phase, ok := trip.Payment.ActivePhaseName()
		if !ok {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: no payment phase is active", domain.ErrConflict)
		}
		pp := mp.PhasePaymentFor(phase)
		if pp.Paid {
			if pp.Reference == orderID {
				return trip, nil
			}
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: no pending payment for the %s phase", domain.ErrConflict, phase)
		}

		at := now
		pp.Paid = true
		pp.Reference = orderID
		pp.PaidAt = &at
		mp.Recompute()
		trip.AppendAction(userID, domain.ActionCompletePayment,
			map[string]string{"phase": string(phase), "order_id": orderID}, now)

		newTxs, entries, err := s.settleAndAdvance(ctx, &trip, userID, phase, orderID, now)
		if err != nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.CompletePayment: %w", err)
		}

		err = s.store.WithinTx(ctx, func(st repo.Store) error {
			if err := st.Trips().Update(ctx, &trip); err != nil {
				return err
			}
			if err := completeMemberTransaction(ctx, st, &trip, userID, phase, orderID); err != nil {
				return err
			}
			if len(newTxs) > 0 {
				if err := st.Transactions().CreateBatch(ctx, newTxs); err != nil {
					return err
				}
			}
			if len(entries) > 0 {
				return st.Outbox().Enqueue(ctx, entries...)
			}
			return nil
		})
		if err == nil {
			return trip, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.CompletePayment: %w", err)
		}
	}

	return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.CompletePayment: retries exhausted: %w", domain.ErrConflict)
}

// settleAndAdvance applies the group-level consequences of one member's phase
// payment: closing the upfront phase and opening the final one when everyone
// has paid upfront, and completing payment when everyone has settled both.
func (s *PaymentService) settleAndAdvance(ctx context.Context, trip *domain.ConfirmedTrip, userID string, phase domain.Phase, orderID string, now time.Time) ([]domain.PaymentTransaction, []domain.OutboxEntry, error) {
	var (
		newTxs  []domain.PaymentTransaction
		entries []domain.OutboxEntry
	)

	if phase == domain.PhaseUpfront && trip.Payment.AllPaid(domain.PhaseUpfront) {
		trip.Payment.Upfront.Status = domain.PhaseCompleted
		if !trip.Payment.AllMembersCompleted() {
			trip.Payment.Final.Status = domain.PhaseActive
			trip.AppendAction(userID, domain.ActionOpenPaymentPhase,
				map[string]string{"phase": string(domain.PhaseFinal)}, now)
			trip.AppendNotification("payment.requested", trip.MemberIDs, now)
			newTxs = domain.NewPhaseTransactions(trip, domain.PhaseFinal)
			entries = append(entries, domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
				Type:       "payment.requested",
				Recipients: trip.MemberIDs,
				Details: map[string]string{
					"trip_id":  trip.TripID,
					"phase":    string(domain.PhaseFinal),
					"amount":   fmt.Sprint(trip.Payment.Final.Amount),
					"currency": trip.Payment.Currency,
					"deadline": trip.Payment.Final.Deadline.Format(time.RFC3339),
				},
			}, now))
		}
	}

	if trip.Payment.AllMembersCompleted() {
		trip.Payment.Upfront.Status = domain.PhaseCompleted
		trip.Payment.Final.Status = domain.PhaseCompleted
		trip.Status = domain.StatusPaymentCompleted
		trip.AppendAction(userID, domain.ActionCompletePayment,
			map[string]string{"scope": "group", "order_id": orderID}, now)
		trip.AppendNotification("payment.completed", trip.MemberIDs, now)
		entries = append(entries,
			domain.NewOutboxEntry(domain.OutboxActivateTrip,
				activationPayload(trip, domain.StatusPaymentCompleted), now),
			domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
				Type:       "payment.completed",
				Recipients: trip.MemberIDs,
				Details:    map[string]string{"trip_id": trip.TripID},
			}, now),
		)
	}

	return newTxs, entries, nil
}

// completeMemberTransaction marks the member's open transaction for the phase
// as completed with the gateway reference.
func completeMemberTransaction(ctx context.Context, st repo.Store, trip *domain.ConfirmedTrip, userID string, phase domain.Phase, orderID string) error {
	txs, err := st.Transactions().ListByTrip(ctx, trip.ID)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		if tx.UserID != userID || tx.Phase != phase {
			continue
		}
		if tx.Status != domain.TxPending && tx.Status != domain.TxProcessing {
			continue
		}
		tx.Status = domain.TxCompleted
		tx.GatewayOrderID = orderID
		return st.Transactions().Update(ctx, tx)
	}
	// No open transaction row — the payment is still recorded on the
	// aggregate, which is the source of truth for phase state.
	return nil
}

// SubmitDecision records a member's vote during an open partial-payment
// decision window. A cancel vote resolves the window immediately; a
// unanimous continue extends the lapsed phase deadline.
func (s *PaymentService) SubmitDecision(ctx context.Context, tripID, userID string, decision domain.Decision) (domain.ConfirmedTrip, error) {
	if decision != domain.DecisionContinue && decision != domain.DecisionCancel {
		return domain.ConfirmedTrip{}, fmt.Errorf("%w: decision must be continue or cancel", domain.ErrValidation)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		trip, err := s.store.Trips().GetByTripID(ctx, tripID)
		if err != nil {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.SubmitDecision: %w", err)
		}
		now := s.now().UTC()

		if !trip.IsMember(userID) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: user %s is not a member of this trip", domain.ErrUnauthorized, userID)
		}
		if trip.Decision == nil || !trip.Decision.Open() || trip.Status != domain.StatusPaymentPending {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: no open decision period", domain.ErrConflict)
		}
		if !trip.Decision.Record(userID, decision, now) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: decision already submitted", domain.ErrConflict)
		}
		trip.AppendAction(userID, domain.ActionSubmitDecision,
			map[string]string{"decision": string(decision)}, now)

		outcome, resolved := trip.Decision.Outcome(now)

		err = s.store.WithinTx(ctx, func(st repo.Store) error {
			if !resolved {
				return st.Trips().Update(ctx, &trip)
			}
			return resolveDecision(ctx, st, &trip, outcome, userID, s.policy, now)
		})
		if err == nil {
			return trip, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.SubmitDecision: %w", err)
		}
	}

	return domain.ConfirmedTrip{}, fmt.Errorf("service.PaymentService.SubmitDecision: retries exhausted: %w", domain.ErrConflict)
}

// resolveDecision closes a decision window with the given outcome. Cancel
// cancels the trip with refunds; continue extends the lapsed phase deadline
// and keeps collecting. Shared by the vote path and the sweeper.
func resolveDecision(ctx context.Context, st repo.Store, trip *domain.ConfirmedTrip, outcome domain.Decision, byUserID string, policy Policy, now time.Time) error {
	trip.Decision.Resolve(outcome, now)
	trip.AppendAction(byUserID, domain.ActionResolveDecision,
		map[string]string{"outcome": string(outcome), "phase": string(trip.Decision.Phase)}, now)

	if outcome == domain.DecisionCancel {
		return cancelWithRefunds(ctx, st, trip, byUserID,
			fmt.Sprintf("decision period resolved to cancel for the %s phase", trip.Decision.Phase), now)
	}

	// Continue: give the group more time on the phase that lapsed.
	phase := trip.Payment.PhaseFor(trip.Decision.Phase)
	phase.Deadline = now.Add(time.Duration(policy.ExtensionHours) * time.Hour)
	phase.Status = domain.PhaseActive
	trip.AppendNotification("payment.deadline_extended", trip.MemberIDs, now)

	if err := st.Trips().Update(ctx, trip); err != nil {
		return err
	}
	return st.Outbox().Enqueue(ctx, domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
		Type:       "payment.deadline_extended",
		Recipients: trip.MemberIDs,
		Details: map[string]string{
			"trip_id":  trip.TripID,
			"phase":    string(trip.Decision.Phase),
			"deadline": phase.Deadline.Format(time.RFC3339),
		},
	}, now))
}
