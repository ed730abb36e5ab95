package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// sweepUserID identifies deadline-driven transitions in the audit trail.
const sweepUserID = "system"

var sweeperTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "confirmation_sweeper_transitions_total",
	Help: "Forced state transitions applied by the deadline sweeper.",
}, []string{"transition"})

// Sweeper is the recurring background process that enforces deadlines nobody
// queries: confirmation expiry, payment-deadline lapses (opening decision
// windows), decision expiry, and trip completion. It runs concurrently with
// interactive API calls and uses the same version compare-and-set writes, so
// a race with an in-flight request simply loses the CAS and is retried on the
// next tick.
type Sweeper struct {
	store    repo.Store
	policy   Policy
	interval time.Duration
	batch    int
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper constructs a Sweeper ticking at interval.
func NewSweeper(store repo.Store, policy Policy, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		policy:   policy,
		interval: interval,
		batch:    50,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the sweeper clock. Test hook.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("deadline sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("deadline sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("sweep applied transitions", "count", n)
			}
		}
	}
}

// Sweep processes one batch of due trips and returns how many transitions it
// applied. Exported so tests can drive the sweeper without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()

	trips, err := s.store.Trips().ListDue(ctx, now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("service.Sweeper.Sweep: %w", err)
	}

	applied := 0
	for i := range trips {
		if err := s.sweepTrip(ctx, &trips[i], now); err != nil {
			// A lost CAS means an interactive call handled the trip first;
			// anything else is logged and retried on the next tick.
			s.log.Warn("sweep transition skipped",
				"confirmed_trip_id", trips[i].ID, "status", trips[i].Status, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// sweepTrip applies the single forced transition the trip's state calls for.
func (s *Sweeper) sweepTrip(ctx context.Context, trip *domain.ConfirmedTrip, now time.Time) error {
	switch trip.Status {
	case domain.StatusPendingConfirmation:
		if !domain.DeadlineReached(now, trip.ConfirmationDeadline) {
			return nil
		}
		return s.expireConfirmation(ctx, trip, now)

	case domain.StatusPaymentPending:
		if trip.Decision != nil && trip.Decision.Open() {
			outcome, resolved := trip.Decision.Outcome(now)
			if !resolved {
				return nil
			}
			sweeperTransitions.WithLabelValues("decision_resolved").Inc()
			return s.store.WithinTx(ctx, func(st repo.Store) error {
				return resolveDecision(ctx, st, trip, outcome, sweepUserID, s.policy, now)
			})
		}
		return s.handleLapsedPhase(ctx, trip, now)

	case domain.StatusTripStarted:
		if !domain.DeadlineReached(now, trip.TripEndDate) {
			return nil
		}
		trip.Status = domain.StatusCompleted
		trip.AppendAction(sweepUserID, domain.ActionTripCompleted, nil, now)
		sweeperTransitions.WithLabelValues("trip_completed").Inc()
		return s.store.Trips().Update(ctx, trip)
	}
	return nil
}

// expireConfirmation cancels a trip whose confirmation deadline elapsed
// before every member confirmed.
func (s *Sweeper) expireConfirmation(ctx context.Context, trip *domain.ConfirmedTrip, now time.Time) error {
	trip.AppendAction(sweepUserID, domain.ActionDeadlineExpired,
		map[string]string{"deadline": "confirmation"}, now)
	sweeperTransitions.WithLabelValues("confirmation_expired").Inc()
	return s.store.WithinTx(ctx, func(st repo.Store) error {
		return cancelWithRefunds(ctx, st, trip, sweepUserID, "confirmation deadline expired", now)
	})
}

// handleLapsedPhase reacts to an active payment phase whose deadline has
// passed: cancel outright when nobody paid, open a decision window when the
// group is split.
func (s *Sweeper) handleLapsedPhase(ctx context.Context, trip *domain.ConfirmedTrip, now time.Time) error {
	phase, ok := trip.Payment.ActivePhaseName()
	if !ok {
		return nil
	}
	p := trip.Payment.PhaseFor(phase)
	if !domain.DeadlineReached(now, p.Deadline) {
		return nil
	}

	paid := trip.Payment.PaidCount(phase)
	total := len(trip.Payment.Members)

	switch {
	case paid == 0:
		trip.AppendAction(sweepUserID, domain.ActionDeadlineExpired,
			map[string]string{"deadline": "payment", "phase": string(phase)}, now)
		sweeperTransitions.WithLabelValues("payment_expired").Inc()
		return s.store.WithinTx(ctx, func(st repo.Store) error {
			return cancelWithRefunds(ctx, st, trip, sweepUserID,
				fmt.Sprintf("%s payment deadline expired with no payments", phase), now)
		})

	case paid < total:
		p.Status = domain.PhaseExpired
		trip.Decision = domain.NewDecisionPeriod(phase, trip.MemberIDs, now,
			now.Add(time.Duration(s.policy.DecisionHours)*time.Hour))
		trip.AppendAction(sweepUserID, domain.ActionOpenDecisionPeriod,
			map[string]string{"phase": string(phase), "paid": fmt.Sprint(paid), "members": fmt.Sprint(total)}, now)
		trip.AppendNotification("decision.requested", trip.MemberIDs, now)
		sweeperTransitions.WithLabelValues("decision_opened").Inc()

		return s.store.WithinTx(ctx, func(st repo.Store) error {
			if err := st.Trips().Update(ctx, trip); err != nil {
				return err
			}
			return st.Outbox().Enqueue(ctx, domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
				Type:       "decision.requested",
				Recipients: trip.MemberIDs,
				Details: map[string]string{
					"trip_id":  trip.TripID,
					"phase":    string(phase),
					"deadline": trip.Decision.Deadline.Format(time.RFC3339),
				},
			}, now))
		})
	}

	// Everyone paid the lapsed phase; the interactive path already advanced
	// or will advance the aggregate. Nothing to force.
	return nil
}
