package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// Collaborator interfaces the dispatcher depends on. Defined here, in the
// consumer package; the production implementations live in internal/client.
type (
	// ActivationSender creates the downstream active-trip record.
	ActivationSender interface {
		Activate(ctx context.Context, p domain.ActivationPayload) error
	}
	// NotificationSender delivers a notification request.
	NotificationSender interface {
		Send(ctx context.Context, p domain.NotifyPayload) error
	}
	// RefundSender asks the payment gateway to reverse a transaction.
	RefundSender interface {
		Refund(ctx context.Context, p domain.RefundPayload) error
	}
)

// Dispatcher drains the outbox: it delivers recorded side effects to the
// external collaborators with exponential backoff, applies the
// advance-on-success status transition for activation entries, and parks
// notification entries that keep failing. Together with the transactional
// enqueue this gives at-least-once delivery — a crash between a state change
// and the collaborator call can no longer lose the effect.
type Dispatcher struct {
	store       repo.Store
	activation  ActivationSender
	notify      NotificationSender
	gateway     RefundSender
	interval    time.Duration
	batch       int
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

// NewDispatcher constructs a Dispatcher ticking at interval.
func NewDispatcher(store repo.Store, activation ActivationSender, notify NotificationSender, gateway RefundSender, interval time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		activation:  activation,
		notify:      notify,
		gateway:     gateway,
		interval:    interval,
		batch:       50,
		maxAttempts: 8,
		log:         log,
		now:         time.Now,
	}
}

// WithClock overrides the dispatcher clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started", "interval", d.interval.String())
	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil {
				d.log.Error("outbox dispatch failed", "error", err)
			}
		}
	}
}

// DispatchDue delivers one batch of due entries and returns how many were
// sent. Exported so tests can drive the dispatcher without the ticker.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.now().UTC()

	entries, err := d.store.Outbox().ListDue(ctx, now, d.batch)
	if err != nil {
		return 0, fmt.Errorf("service.Dispatcher.DispatchDue: %w", err)
	}

	sent := 0
	for i := range entries {
		e := &entries[i]
		if err := d.deliver(ctx, e); err != nil {
			d.fail(ctx, e, err, now)
			continue
		}
		if err := d.store.Outbox().MarkSent(ctx, e.ID, d.now().UTC()); err != nil {
			d.log.Error("outbox mark sent failed", "id", e.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// deliver dispatches one entry, retrying transient collaborator failures a
// few times in-process before handing the entry back to the schedule.
func (d *Dispatcher) deliver(ctx context.Context, e *domain.OutboxEntry) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	switch e.Kind {
	case domain.OutboxActivateTrip:
		var p domain.ActivationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode activation payload: %w", err)
		}
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(d.activation.Activate(ctx, p))
		})
		if err != nil {
			return err
		}
		return d.advanceAfterActivation(ctx, p)

	case domain.OutboxNotify:
		var p domain.NotifyPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode notify payload: %w", err)
		}
		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(d.notify.Send(ctx, p))
		})

	case domain.OutboxRefund:
		var p domain.RefundPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode refund payload: %w", err)
		}
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(d.gateway.Refund(ctx, p))
		})
		if err != nil {
			return err
		}
		return d.completeRefund(ctx, p)

	default:
		return fmt.Errorf("unknown outbox kind %q", e.Kind)
	}
}

// advanceAfterActivation applies the advance-on-success transition carried by
// an activation entry, e.g. payment_completed -> trip_started. Uses the same
// version CAS as every other transition; losing the race to a concurrent
// writer only delays the advance until the entry is retried.
func (d *Dispatcher) advanceAfterActivation(ctx context.Context, p domain.ActivationPayload) error {
	if p.AdvanceFrom == "" {
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		trip, err := d.store.Trips().GetByID(ctx, p.ConfirmedTripID)
		if err != nil {
			return err
		}
		if trip.Status != p.AdvanceFrom {
			// Already advanced (duplicate dispatch) or cancelled meanwhile.
			return nil
		}
		now := d.now().UTC()
		trip.Status = domain.StatusTripStarted
		trip.AppendAction(sweepUserID, domain.ActionTripStarted, nil, now)
		trip.AppendNotification("trip.started", trip.MemberIDs, now)

		err = d.store.WithinTx(ctx, func(st repo.Store) error {
			if err := st.Trips().Update(ctx, &trip); err != nil {
				return err
			}
			return st.Outbox().Enqueue(ctx, domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
				Type:       "trip.started",
				Recipients: trip.MemberIDs,
				Details:    map[string]string{"trip_id": trip.TripID},
			}, now))
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("advance after activation: retries exhausted: %w", domain.ErrConflict)
}

// completeRefund closes the loop on a refunded transaction.
func (d *Dispatcher) completeRefund(ctx context.Context, p domain.RefundPayload) error {
	tx, err := d.store.Transactions().GetByID(ctx, p.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status == domain.TxRefunded {
		return nil
	}
	now := d.now().UTC()
	tx.Status = domain.TxRefunded
	if tx.Refund != nil {
		tx.Refund.CompletedAt = &now
	}
	return d.store.Transactions().Update(ctx, &tx)
}

// fail reschedules a failed entry with capped exponential backoff. Only
// notification entries park as failed once the attempt budget is spent:
// activation entries carry status transitions and refund entries carry money,
// so both stay pending and keep retrying until the collaborator recovers.
func (d *Dispatcher) fail(ctx context.Context, e *domain.OutboxEntry, cause error, now time.Time) {
	attempts := e.Attempts + 1
	terminal := attempts >= d.maxAttempts && e.Kind == domain.OutboxNotify

	delay := time.Minute << uint(min(e.Attempts, 6)) // 1m, 2m, ... capped at 64m
	next := now.Add(delay)

	if err := d.store.Outbox().MarkFailed(ctx, e.ID, cause.Error(), next, terminal); err != nil {
		d.log.Error("outbox mark failed errored", "id", e.ID, "error", err)
		return
	}
	if terminal {
		d.log.Error("outbox entry parked after repeated failures",
			"id", e.ID, "kind", e.Kind, "attempts", attempts, "error", cause)
	} else {
		d.log.Warn("outbox dispatch failed, rescheduled",
			"id", e.ID, "kind", e.Kind, "attempts", attempts, "next_attempt", next, "error", cause)
	}
}
