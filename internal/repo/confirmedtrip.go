package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tripcrew/confirmation/internal/domain"
)

// ConfirmedTripRepo defines the persistence operations for the ConfirmedTrip
// aggregate. The service layer depends on this interface, not the concrete
// Postgres implementation, which allows the service to be unit-tested with an
// in-memory fake.
type ConfirmedTripRepo interface {
	// Create inserts a new aggregate. Returns domain.ErrConflict if an
	// aggregate already exists for the same external trip id.
	Create(ctx context.Context, trip *domain.ConfirmedTrip) error

	// GetByID retrieves an aggregate by its internal UUID primary key.
	// Returns domain.ErrNotFound if no aggregate with that ID exists.
	GetByID(ctx context.Context, id uuid.UUID) (domain.ConfirmedTrip, error)

	// GetByTripID retrieves an aggregate by the external trip identifier.
	GetByTripID(ctx context.Context, tripID string) (domain.ConfirmedTrip, error)

	// Update writes the aggregate back with optimistic concurrency: the write
	// only applies when the stored version equals trip.Version, and bumps the
	// version by one (reflected on trip). Returns domain.ErrConflict when a
	// concurrent writer got there first; callers re-read and retry.
	Update(ctx context.Context, trip *domain.ConfirmedTrip) error

	// ListByMember returns the aggregates whose membership includes userID,
	// optionally filtered by status, newest first, with the total row count
	// for pagination.
	ListByMember(ctx context.Context, userID string, status domain.Status, p domain.PaginationParams) ([]domain.ConfirmedTrip, int64, error)

	// ListDue returns up to limit aggregates whose sweep deadline has passed
	// at now, oldest deadline first. Used only by the deadline sweeper.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ConfirmedTrip, error)
}

// pgConfirmedTripRepo is the Postgres implementation of ConfirmedTripRepo.
type pgConfirmedTripRepo struct {
	db db
}

// NewConfirmedTripRepo constructs a ConfirmedTripRepo backed by the provided
// db connection. In production pass *pgxpool.Pool; in tests pass a pgx.Tx
// for rollback isolation.
func NewConfirmedTripRepo(db db) ConfirmedTripRepo {
	return &pgConfirmedTripRepo{db: db}
}

const confirmedTripColumns = `
	id, group_id, trip_id, creator_user_id, trip_name, group_name,
	status, min_members, max_members,
	member_ids, confirmations, payment, decision, cancellation,
	actions, notifications,
	trip_start_date, trip_end_date, confirmation_deadline,
	confirmed_at, confirmed_by, version, created_at, updated_at`

// Create inserts a new aggregate row.
func (r *pgConfirmedTripRepo) Create(ctx context.Context, trip *domain.ConfirmedTrip) error {
	const q = `
		INSERT INTO confirmed_trips (
			id, group_id, trip_id, creator_user_id, trip_name, group_name,
			status, min_members, max_members,
			member_ids, confirmations, payment, decision, cancellation,
			actions, notifications,
			trip_start_date, trip_end_date, confirmation_deadline,
			confirmed_at, confirmed_by, sweep_deadline, version
		) VALUES (
			@id, @group_id, @trip_id, @creator_user_id, @trip_name, @group_name,
			@status, @min_members, @max_members,
			@member_ids, @confirmations, @payment, @decision, @cancellation,
			@actions, @notifications,
			@trip_start_date, @trip_end_date, @confirmation_deadline,
			@confirmed_at, @confirmed_by, @sweep_deadline, @version
		)
		RETURNING created_at, updated_at`

	trip.Version = 1
	args, err := tripArgs(trip)
	if err != nil {
		return fmt.Errorf("repo.ConfirmedTripRepo.Create: %w", err)
	}

	row := r.db.QueryRow(ctx, q, args)
	if err := row.Scan(&trip.CreatedAt, &trip.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation on trip_id: confirmation already initiated.
			return fmt.Errorf("repo.ConfirmedTripRepo.Create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("repo.ConfirmedTripRepo.Create: %w", err)
	}
	return nil
}

// GetByID retrieves an aggregate by primary key.
func (r *pgConfirmedTripRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.ConfirmedTrip, error) {
	q := `SELECT ` + confirmedTripColumns + ` FROM confirmed_trips WHERE id = @id`

	row := r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": id})
	trip, err := scanConfirmedTrip(row)
	if err != nil {
		return domain.ConfirmedTrip{}, fmt.Errorf("repo.ConfirmedTripRepo.GetByID: %w", err)
	}
	return trip, nil
}

// GetByTripID retrieves an aggregate by the external trip identifier.
func (r *pgConfirmedTripRepo) GetByTripID(ctx context.Context, tripID string) (domain.ConfirmedTrip, error) {
	q := `SELECT ` + confirmedTripColumns + ` FROM confirmed_trips WHERE trip_id = @trip_id`

	row := r.db.QueryRow(ctx, q, pgx.NamedArgs{"trip_id": tripID})
	trip, err := scanConfirmedTrip(row)
	if err != nil {
		return domain.ConfirmedTrip{}, fmt.Errorf("repo.ConfirmedTripRepo.GetByTripID: %w", err)
	}
	return trip, nil
}

// Update writes the aggregate with a version compare-and-set.
func (r *pgConfirmedTripRepo) Update(ctx context.Context, trip *domain.ConfirmedTrip) error {
	const q = `
		UPDATE confirmed_trips
		SET status                = @status,
		    member_ids            = @member_ids,
		    confirmations         = @confirmations,
		    payment               = @payment,
		    decision              = @decision,
		    cancellation          = @cancellation,
		    actions               = @actions,
		    notifications         = @notifications,
		    confirmation_deadline = @confirmation_deadline,
		    confirmed_at          = @confirmed_at,
		    confirmed_by          = @confirmed_by,
		    sweep_deadline        = @sweep_deadline,
		    version               = version + 1,
		    updated_at            = now()
		WHERE id = @id AND version = @version`

	args, err := tripArgs(trip)
	if err != nil {
		return fmt.Errorf("repo.ConfirmedTripRepo.Update: %w", err)
	}

	tag, err := r.db.Exec(ctx, q, args)
	if err != nil {
		return fmt.Errorf("repo.ConfirmedTripRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone (never happens — aggregates are not deleted)
		// or a concurrent writer bumped the version first.
		return fmt.Errorf("repo.ConfirmedTripRepo.Update: stale version %d: %w", trip.Version, domain.ErrConflict)
	}
	trip.Version++
	return nil
}

// ListByMember returns aggregates containing userID in their membership set.
func (r *pgConfirmedTripRepo) ListByMember(ctx context.Context, userID string, status domain.Status, p domain.PaginationParams) ([]domain.ConfirmedTrip, int64, error) {
	q := `SELECT ` + confirmedTripColumns + `, count(*) OVER () AS total
		FROM confirmed_trips
		WHERE member_ids @> to_jsonb(@user_id::text)
		  AND (@status = '' OR status = @status)
		ORDER BY created_at DESC
		LIMIT @limit OFFSET @offset`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{
		"user_id": userID,
		"status":  string(status),
		"limit":   p.Limit,
		"offset":  p.Offset(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("repo.ConfirmedTripRepo.ListByMember: %w", err)
	}
	defer rows.Close()

	var (
		trips []domain.ConfirmedTrip
		total int64
	)
	for rows.Next() {
		trip, n, err := scanConfirmedTripWithTotal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repo.ConfirmedTripRepo.ListByMember: scan: %w", err)
		}
		trips = append(trips, trip)
		total = n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("repo.ConfirmedTripRepo.ListByMember: rows: %w", err)
	}

	return trips, total, nil
}

// ListDue returns aggregates whose sweep deadline has elapsed.
func (r *pgConfirmedTripRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ConfirmedTrip, error) {
	q := `SELECT ` + confirmedTripColumns + `
		FROM confirmed_trips
		WHERE sweep_deadline IS NOT NULL AND sweep_deadline <= @now
		ORDER BY sweep_deadline ASC
		LIMIT @limit`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"now": now, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("repo.ConfirmedTripRepo.ListDue: %w", err)
	}
	defer rows.Close()

	var trips []domain.ConfirmedTrip
	for rows.Next() {
		trip, err := scanConfirmedTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.ConfirmedTripRepo.ListDue: scan: %w", err)
		}
		trips = append(trips, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.ConfirmedTripRepo.ListDue: rows: %w", err)
	}

	return trips, nil
}

// tripArgs flattens the aggregate into named SQL args, marshaling the jsonb
// sub-documents. The sweep deadline is recomputed on every write so it can
// never drift from the state it is derived from.
func tripArgs(trip *domain.ConfirmedTrip) (pgx.NamedArgs, error) {
	memberIDs, err := json.Marshal(trip.MemberIDs)
	if err != nil {
		return nil, err
	}
	confirmations, err := json.Marshal(trip.Confirmations)
	if err != nil {
		return nil, err
	}
	payment, err := json.Marshal(trip.Payment)
	if err != nil {
		return nil, err
	}
	actions, err := json.Marshal(trip.Actions)
	if err != nil {
		return nil, err
	}
	notifications, err := json.Marshal(trip.Notifications)
	if err != nil {
		return nil, err
	}

	var decision, cancellation []byte
	if trip.Decision != nil {
		if decision, err = json.Marshal(trip.Decision); err != nil {
			return nil, err
		}
	}
	if trip.Cancellation != nil {
		if cancellation, err = json.Marshal(trip.Cancellation); err != nil {
			return nil, err
		}
	}

	return pgx.NamedArgs{
		"id":                    trip.ID,
		"group_id":              trip.GroupID,
		"trip_id":               trip.TripID,
		"creator_user_id":       trip.CreatorUserID,
		"trip_name":             trip.TripName,
		"group_name":            trip.GroupName,
		"status":                string(trip.Status),
		"min_members":           trip.MinMembers,
		"max_members":           trip.MaxMembers,
		"member_ids":            memberIDs,
		"confirmations":         confirmations,
		"payment":               payment,
		"decision":              decision,
		"cancellation":          cancellation,
		"actions":               actions,
		"notifications":         notifications,
		"trip_start_date":       trip.TripStartDate,
		"trip_end_date":         trip.TripEndDate,
		"confirmation_deadline": trip.ConfirmationDeadline,
		"confirmed_at":          trip.ConfirmedAt,
		"confirmed_by":          trip.ConfirmedBy,
		"sweep_deadline":        trip.NextSweepDeadline(),
		"version":               trip.Version,
	}, nil
}

// scanConfirmedTrip maps a database row into a domain.ConfirmedTrip,
// unmarshaling the jsonb sub-documents.
func scanConfirmedTrip(s scanner) (domain.ConfirmedTrip, error) {
	var total int64
	return scanTripInto(s, false, &total)
}

// scanConfirmedTripWithTotal also scans the trailing window-count column.
func scanConfirmedTripWithTotal(s scanner) (domain.ConfirmedTrip, int64, error) {
	var total int64
	trip, err := scanTripInto(s, true, &total)
	return trip, total, err
}

func scanTripInto(s scanner, withTotal bool, total *int64) (domain.ConfirmedTrip, error) {
	var (
		t             domain.ConfirmedTrip
		id            pgtype.UUID
		status        string
		memberIDs     []byte
		confirmations []byte
		payment       []byte
		decision      []byte
		cancellation  []byte
		actions       []byte
		notifications []byte
		confirmedAt   pgtype.Timestamptz
	)

	dest := []any{
		&id, &t.GroupID, &t.TripID, &t.CreatorUserID, &t.TripName, &t.GroupName,
		&status, &t.MinMembers, &t.MaxMembers,
		&memberIDs, &confirmations, &payment, &decision, &cancellation,
		&actions, &notifications,
		&t.TripStartDate, &t.TripEndDate, &t.ConfirmationDeadline,
		&confirmedAt, &t.ConfirmedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	}
	if withTotal {
		dest = append(dest, total)
	}

	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConfirmedTrip{}, domain.ErrNotFound
		}
		return domain.ConfirmedTrip{}, err
	}

	t.ID = uuid.UUID(id.Bytes)
	t.Status = domain.Status(status)
	if confirmedAt.Valid {
		at := confirmedAt.Time
		t.ConfirmedAt = &at
	}

	for _, m := range []struct {
		raw []byte
		dst any
	}{
		{memberIDs, &t.MemberIDs},
		{confirmations, &t.Confirmations},
		{payment, &t.Payment},
		{actions, &t.Actions},
		{notifications, &t.Notifications},
	} {
		if err := json.Unmarshal(m.raw, m.dst); err != nil {
			return domain.ConfirmedTrip{}, err
		}
	}
	if len(decision) > 0 {
		if err := json.Unmarshal(decision, &t.Decision); err != nil {
			return domain.ConfirmedTrip{}, err
		}
	}
	if len(cancellation) > 0 {
		if err := json.Unmarshal(cancellation, &t.Cancellation); err != nil {
			return domain.ConfirmedTrip{}, err
		}
	}

	return t, nil
}
