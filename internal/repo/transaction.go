package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tripcrew/confirmation/internal/domain"
)

// TransactionRepo defines persistence operations for PaymentTransaction
// records. Rows are append-mostly: only status, gateway reference, and refund
// bookkeeping change after insert.
type TransactionRepo interface {
	// CreateBatch inserts a set of pending transactions, typically one per
	// member when a payment phase opens.
	CreateBatch(ctx context.Context, txs []domain.PaymentTransaction) error

	// GetByID retrieves a transaction by primary key.
	// Returns domain.ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error)

	// ListByTrip returns all transactions for an aggregate, oldest first.
	ListByTrip(ctx context.Context, confirmedTripID uuid.UUID) ([]domain.PaymentTransaction, error)

	// Update overwrites the mutable fields (status, gateway order id, refund).
	// Returns domain.ErrNotFound if the transaction does not exist.
	Update(ctx context.Context, tx *domain.PaymentTransaction) error
}

// pgTransactionRepo is the Postgres implementation of TransactionRepo.
type pgTransactionRepo struct {
	db db
}

// NewTransactionRepo constructs a TransactionRepo backed by the provided db.
func NewTransactionRepo(db db) TransactionRepo {
	return &pgTransactionRepo{db: db}
}

const transactionColumns = `
	id, confirmed_trip_id, trip_id, user_id, phase, amount, currency,
	gateway_order_id, status, expires_at, refund, created_at, updated_at`

// CreateBatch inserts the given transactions in one round trip per row.
// Callers run this inside Store.WithinTx alongside the aggregate update.
func (r *pgTransactionRepo) CreateBatch(ctx context.Context, txs []domain.PaymentTransaction) error {
	const q = `
		INSERT INTO payment_transactions (
			id, confirmed_trip_id, trip_id, user_id, phase, amount, currency,
			gateway_order_id, status, expires_at, refund
		) VALUES (
			@id, @confirmed_trip_id, @trip_id, @user_id, @phase, @amount, @currency,
			@gateway_order_id, @status, @expires_at, @refund
		)`

	for i := range txs {
		args, err := transactionArgs(&txs[i])
		if err != nil {
			return fmt.Errorf("repo.TransactionRepo.CreateBatch: %w", err)
		}
		if _, err := r.db.Exec(ctx, q, args); err != nil {
			return fmt.Errorf("repo.TransactionRepo.CreateBatch: %w", err)
		}
	}
	return nil
}

// GetByID retrieves a transaction by primary key.
func (r *pgTransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = @id`

	row := r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": id})
	tx, err := scanTransaction(row)
	if err != nil {
		return domain.PaymentTransaction{}, fmt.Errorf("repo.TransactionRepo.GetByID: %w", err)
	}
	return tx, nil
}

// ListByTrip returns all transactions for an aggregate.
func (r *pgTransactionRepo) ListByTrip(ctx context.Context, confirmedTripID uuid.UUID) ([]domain.PaymentTransaction, error) {
	q := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE confirmed_trip_id = @confirmed_trip_id
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"confirmed_trip_id": confirmedTripID})
	if err != nil {
		return nil, fmt.Errorf("repo.TransactionRepo.ListByTrip: %w", err)
	}
	defer rows.Close()

	var txs []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.TransactionRepo.ListByTrip: scan: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.TransactionRepo.ListByTrip: rows: %w", err)
	}

	return txs, nil
}

// Update overwrites the mutable fields of a transaction.
func (r *pgTransactionRepo) Update(ctx context.Context, tx *domain.PaymentTransaction) error {
	const q = `
		UPDATE payment_transactions
		SET status           = @status,
		    gateway_order_id = @gateway_order_id,
		    refund           = @refund,
		    updated_at       = now()
		WHERE id = @id`

	args, err := transactionArgs(tx)
	if err != nil {
		return fmt.Errorf("repo.TransactionRepo.Update: %w", err)
	}

	tag, err := r.db.Exec(ctx, q, args)
	if err != nil {
		return fmt.Errorf("repo.TransactionRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.TransactionRepo.Update: %w", domain.ErrNotFound)
	}
	return nil
}

func transactionArgs(tx *domain.PaymentTransaction) (pgx.NamedArgs, error) {
	var refund []byte
	if tx.Refund != nil {
		var err error
		if refund, err = json.Marshal(tx.Refund); err != nil {
			return nil, err
		}
	}

	return pgx.NamedArgs{
		"id":                tx.ID,
		"confirmed_trip_id": tx.ConfirmedTripID,
		"trip_id":           tx.TripID,
		"user_id":           tx.UserID,
		"phase":             string(tx.Phase),
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"gateway_order_id":  tx.GatewayOrderID,
		"status":            string(tx.Status),
		"expires_at":        tx.ExpiresAt,
		"refund":            refund,
	}, nil
}

func scanTransaction(s scanner) (domain.PaymentTransaction, error) {
	var (
		tx        domain.PaymentTransaction
		id        pgtype.UUID
		tripID    pgtype.UUID
		phase     string
		status    string
		expiresAt pgtype.Timestamptz
		refund    []byte
	)

	err := s.Scan(&id, &tripID, &tx.TripID, &tx.UserID, &phase, &tx.Amount, &tx.Currency,
		&tx.GatewayOrderID, &status, &expiresAt, &refund, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentTransaction{}, domain.ErrNotFound
		}
		return domain.PaymentTransaction{}, err
	}

	tx.ID = uuid.UUID(id.Bytes)
	tx.ConfirmedTripID = uuid.UUID(tripID.Bytes)
	tx.Phase = domain.Phase(phase)
	tx.Status = domain.TransactionStatus(status)
	if expiresAt.Valid {
		at := expiresAt.Time
		tx.ExpiresAt = &at
	}
	if len(refund) > 0 {
		if err := json.Unmarshal(refund, &tx.Refund); err != nil {
			return domain.PaymentTransaction{}, err
		}
	}

	return tx, nil
}
