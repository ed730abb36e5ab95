package service

import (
	"context"
	"time"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// cancelWithRefunds applies the cancelled transition to the aggregate and
// queues refunds for every member who already paid. It mutates trip, updates
// the affected payment transactions, and writes the outbox entries — all
// against st, so callers run it inside Store.WithinTx. Used by interactive
// cancellation, decision-period resolution, and the deadline sweeper, which
// keeps all three on the same compare-and-set discipline.
func cancelWithRefunds(ctx context.Context, st repo.Store, trip *domain.ConfirmedTrip, cancelledBy, reason string, now time.Time) error {
	trip.Status = domain.StatusCancelled
	trip.Cancellation = &domain.CancellationInfo{
		CancelledBy: cancelledBy,
		Reason:      reason,
		CancelledAt: now,
	}
	trip.AppendAction(cancelledBy, domain.ActionCancelConfirmation, map[string]string{"reason": reason}, now)
	trip.AppendNotification("trip.cancelled", trip.MemberIDs, now)

	entries := []domain.OutboxEntry{
		domain.NewOutboxEntry(domain.OutboxNotify, domain.NotifyPayload{
			Type:       "trip.cancelled",
			Recipients: trip.MemberIDs,
			Details:    map[string]string{"trip_id": trip.TripID, "reason": reason},
		}, now),
	}

	// Refund bookkeeping: mark the paid phase sub-records refunded on the
	// aggregate, and queue one refund request per completed transaction.
	// The gateway call itself is asynchronous; cancellation never waits on it.
	refunding := false
	for i := range trip.Payment.Members {
		m := &trip.Payment.Members[i]
		if m.TotalPaid == 0 {
			continue
		}
		refunding = true
		if m.Upfront.Paid {
			m.Upfront.Refunded = true
		}
		if m.Final.Paid {
			m.Final.Refunded = true
		}
		m.Recompute()
	}

	txs, err := st.Transactions().ListByTrip(ctx, trip.ID)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		switch {
		case refunding && tx.Status == domain.TxCompleted && tx.Refund == nil:
			tx.Refund = &domain.RefundInfo{
				Amount:      tx.Amount,
				Reason:      reason,
				RequestedAt: now,
			}
			entries = append(entries, domain.NewOutboxEntry(domain.OutboxRefund, domain.RefundPayload{
				TransactionID:   tx.ID,
				ConfirmedTripID: trip.ID,
				UserID:          tx.UserID,
				Amount:          tx.Amount,
				Currency:        tx.Currency,
				Reason:          reason,
			}, now))
		case tx.Status == domain.TxPending || tx.Status == domain.TxProcessing:
			// Outstanding collection attempts are void once the trip cancels.
			tx.Status = domain.TxCancelled
		default:
			continue
		}
		if err := st.Transactions().Update(ctx, tx); err != nil {
			return err
		}
	}

	if err := st.Trips().Update(ctx, trip); err != nil {
		return err
	}
	return st.Outbox().Enqueue(ctx, entries...)
}
