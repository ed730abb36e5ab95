package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tripcrew/confirmation/internal/domain"
)

// OutboxRepo defines persistence operations for the side-effect outbox.
// Entries are written inside the same transaction as the state change that
// caused them and consumed by the dispatcher loop.
type OutboxRepo interface {
	// Enqueue inserts pending entries.
	Enqueue(ctx context.Context, entries ...domain.OutboxEntry) error

	// ListDue returns up to limit pending entries whose next attempt is due
	// at now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)

	// MarkSent records a successful dispatch.
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkFailed records a failed attempt. When terminal is false the entry
	// stays pending and becomes due again at nextAttempt; when true it is
	// parked as failed and needs operator attention.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, terminal bool) error
}

// pgOutboxRepo is the Postgres implementation of OutboxRepo.
type pgOutboxRepo struct {
	db db
}

// NewOutboxRepo constructs an OutboxRepo backed by the provided db.
func NewOutboxRepo(db db) OutboxRepo {
	return &pgOutboxRepo{db: db}
}

// Enqueue inserts the given entries.
func (r *pgOutboxRepo) Enqueue(ctx context.Context, entries ...domain.OutboxEntry) error {
	const q = `
		INSERT INTO outbox (id, kind, payload, status, attempts, next_attempt_at)
		VALUES (@id, @kind, @payload, @status, @attempts, @next_attempt_at)`

	for i := range entries {
		e := &entries[i]
		_, err := r.db.Exec(ctx, q, pgx.NamedArgs{
			"id":              e.ID,
			"kind":            string(e.Kind),
			"payload":         []byte(e.Payload),
			"status":          string(e.Status),
			"attempts":        e.Attempts,
			"next_attempt_at": e.NextAttemptAt,
		})
		if err != nil {
			return fmt.Errorf("repo.OutboxRepo.Enqueue: %w", err)
		}
	}
	return nil
}

// ListDue returns pending entries ready for dispatch.
func (r *pgOutboxRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	const q = `
		SELECT id, kind, payload, status, attempts, next_attempt_at, last_error, created_at, sent_at
		FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= @now
		ORDER BY next_attempt_at ASC
		LIMIT @limit`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"now": now, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("repo.OutboxRepo.ListDue: %w", err)
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.OutboxRepo.ListDue: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.OutboxRepo.ListDue: rows: %w", err)
	}

	return entries, nil
}

// MarkSent records a successful dispatch.
func (r *pgOutboxRepo) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	const q = `
		UPDATE outbox
		SET status = 'sent', sent_at = @now, attempts = attempts + 1, last_error = ''
		WHERE id = @id`

	tag, err := r.db.Exec(ctx, q, pgx.NamedArgs{"id": id, "now": now})
	if err != nil {
		return fmt.Errorf("repo.OutboxRepo.MarkSent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.OutboxRepo.MarkSent: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed attempt, rescheduling or parking the entry.
func (r *pgOutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, terminal bool) error {
	const q = `
		UPDATE outbox
		SET status          = @status,
		    attempts        = attempts + 1,
		    last_error      = @last_error,
		    next_attempt_at = @next_attempt_at
		WHERE id = @id`

	status := domain.OutboxPending
	if terminal {
		status = domain.OutboxFailed
	}

	tag, err := r.db.Exec(ctx, q, pgx.NamedArgs{
		"id":              id,
		"status":          string(status),
		"last_error":      lastError,
		"next_attempt_at": nextAttempt,
	})
	if err != nil {
		return fmt.Errorf("repo.OutboxRepo.MarkFailed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.OutboxRepo.MarkFailed: %w", domain.ErrNotFound)
	}
	return nil
}

func scanOutboxEntry(s scanner) (domain.OutboxEntry, error) {
	var (
		e      domain.OutboxEntry
		id     pgtype.UUID
		kind   string
		status string
		sentAt pgtype.Timestamptz
	)

	err := s.Scan(&id, &kind, &e.Payload, &status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &sentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxEntry{}, domain.ErrNotFound
		}
		return domain.OutboxEntry{}, err
	}

	e.ID = uuid.UUID(id.Bytes)
	e.Kind = domain.OutboxKind(kind)
	e.Status = domain.OutboxStatus(status)
	if sentAt.Valid {
		at := sentAt.Time
		e.SentAt = &at
	}

	return e, nil
}
