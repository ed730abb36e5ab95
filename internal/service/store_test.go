package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/repo"
)

// memStore is an in-memory repo.Store with the same optimistic-concurrency
// behavior as the Postgres implementation: Update fails with
// domain.ErrConflict on a stale version and bumps the version on success.
// WithinTx runs the function directly — the services under test never rely on
// rollback, only on the error bubbling up.
type memStore struct {
	mu        sync.Mutex
	trips     map[uuid.UUID]domain.ConfirmedTrip
	tripOrder []uuid.UUID
	txs       map[uuid.UUID]domain.PaymentTransaction
	txOrder   []uuid.UUID
	outbox    map[uuid.UUID]domain.OutboxEntry
	outOrder  []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		trips:  make(map[uuid.UUID]domain.ConfirmedTrip),
		txs:    make(map[uuid.UUID]domain.PaymentTransaction),
		outbox: make(map[uuid.UUID]domain.OutboxEntry),
	}
}

// compile-time check: memStore must satisfy repo.Store.
var _ repo.Store = (*memStore)(nil)

func (s *memStore) Trips() repo.ConfirmedTripRepo      { return (*memTrips)(s) }
func (s *memStore) Transactions() repo.TransactionRepo { return (*memTxs)(s) }
func (s *memStore) Outbox() repo.OutboxRepo            { return (*memOutbox)(s) }

func (s *memStore) WithinTx(_ context.Context, fn func(repo.Store) error) error {
	return fn(s)
}

// cloneTrip deep-copies an aggregate through JSON, mimicking the isolation a
// real database row gives: mutations on the returned value never leak into
// the store until Update is called.
func cloneTrip(t domain.ConfirmedTrip) domain.ConfirmedTrip {
	raw, _ := json.Marshal(t)
	var out domain.ConfirmedTrip
	_ = json.Unmarshal(raw, &out)
	return out
}

func cloneTx(t domain.PaymentTransaction) domain.PaymentTransaction {
	raw, _ := json.Marshal(t)
	var out domain.PaymentTransaction
	_ = json.Unmarshal(raw, &out)
	return out
}

// seedTrip puts an aggregate into the store at version 1, bypassing Create's
// duplicate check. Test setup helper.
func (s *memStore) seedTrip(t domain.ConfirmedTrip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	s.trips[t.ID] = cloneTrip(t)
	s.tripOrder = append(s.tripOrder, t.ID)
}

func (s *memStore) seedTxs(txs ...domain.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.txs[tx.ID] = cloneTx(tx)
		s.txOrder = append(s.txOrder, tx.ID)
	}
}

// mustTrip returns the stored copy of an aggregate.
func (s *memStore) mustTrip(id uuid.UUID) domain.ConfirmedTrip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTrip(s.trips[id])
}

// tripTxs returns the stored transactions for an aggregate, insertion order.
func (s *memStore) tripTxs(id uuid.UUID) []domain.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, txID := range s.txOrder {
		if tx := s.txs[txID]; tx.ConfirmedTripID == id {
			out = append(out, cloneTx(tx))
		}
	}
	return out
}

// entriesOfKind returns the stored outbox entries of one kind, insertion order.
func (s *memStore) entriesOfKind(kind domain.OutboxKind) []domain.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEntry
	for _, id := range s.outOrder {
		if e := s.outbox[id]; e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ---- ConfirmedTripRepo ------------------------------------------------------

type memTrips memStore

func (m *memTrips) Create(_ context.Context, trip *domain.ConfirmedTrip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.trips {
		if existing.TripID == trip.TripID {
			return fmt.Errorf("memTrips.Create: %w", domain.ErrConflict)
		}
	}
	trip.Version = 1
	trip.CreatedAt = time.Now().UTC()
	trip.UpdatedAt = trip.CreatedAt
	m.trips[trip.ID] = cloneTrip(*trip)
	m.tripOrder = append(m.tripOrder, trip.ID)
	return nil
}

func (m *memTrips) GetByID(_ context.Context, id uuid.UUID) (domain.ConfirmedTrip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return domain.ConfirmedTrip{}, fmt.Errorf("memTrips.GetByID: %w", domain.ErrNotFound)
	}
	return cloneTrip(t), nil
}

func (m *memTrips) GetByTripID(_ context.Context, tripID string) (domain.ConfirmedTrip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trips {
		if t.TripID == tripID {
			return cloneTrip(t), nil
		}
	}
	return domain.ConfirmedTrip{}, fmt.Errorf("memTrips.GetByTripID: %w", domain.ErrNotFound)
}

func (m *memTrips) Update(_ context.Context, trip *domain.ConfirmedTrip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.trips[trip.ID]
	if !ok {
		return fmt.Errorf("memTrips.Update: %w", domain.ErrNotFound)
	}
	if stored.Version != trip.Version {
		return fmt.Errorf("memTrips.Update: stale version %d: %w", trip.Version, domain.ErrConflict)
	}
	trip.Version++
	trip.UpdatedAt = time.Now().UTC()
	m.trips[trip.ID] = cloneTrip(*trip)
	return nil
}

func (m *memTrips) ListByMember(_ context.Context, userID string, status domain.Status, p domain.PaginationParams) ([]domain.ConfirmedTrip, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.ConfirmedTrip
	// Newest first: walk insertion order backwards.
	for i := len(m.tripOrder) - 1; i >= 0; i-- {
		t := m.trips[m.tripOrder[i]]
		if !t.IsMember(userID) {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		all = append(all, cloneTrip(t))
	}
	total := int64(len(all))
	lo := p.Offset()
	if lo > len(all) {
		lo = len(all)
	}
	hi := lo + p.Limit
	if hi > len(all) {
		hi = len(all)
	}
	return all[lo:hi], total, nil
}

func (m *memTrips) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ConfirmedTrip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.ConfirmedTrip
	for _, id := range m.tripOrder {
		t := m.trips[id]
		d := t.NextSweepDeadline()
		if d == nil || now.Before(*d) {
			continue
		}
		due = append(due, cloneTrip(t))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextSweepDeadline().Before(*due[j].NextSweepDeadline())
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---- TransactionRepo --------------------------------------------------------

type memTxs memStore

func (m *memTxs) CreateBatch(_ context.Context, txs []domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		m.txs[tx.ID] = cloneTx(tx)
		m.txOrder = append(m.txOrder, tx.ID)
	}
	return nil
}

func (m *memTxs) GetByID(_ context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return domain.PaymentTransaction{}, fmt.Errorf("memTxs.GetByID: %w", domain.ErrNotFound)
	}
	return cloneTx(tx), nil
}

func (m *memTxs) ListByTrip(_ context.Context, confirmedTripID uuid.UUID) ([]domain.PaymentTransaction, error) {
	return (*memStore)(m).tripTxs(confirmedTripID), nil
}

func (m *memTxs) Update(_ context.Context, tx *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return fmt.Errorf("memTxs.Update: %w", domain.ErrNotFound)
	}
	m.txs[tx.ID] = cloneTx(*tx)
	return nil
}

// ---- OutboxRepo -------------------------------------------------------------

type memOutbox memStore

func (m *memOutbox) Enqueue(_ context.Context, entries ...domain.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.outbox[e.ID] = e
		m.outOrder = append(m.outOrder, e.ID)
	}
	return nil
}

func (m *memOutbox) ListDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.OutboxEntry
	for _, id := range m.outOrder {
		e := m.outbox[id]
		if e.Status != domain.OutboxPending || e.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memOutbox) MarkSent(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return fmt.Errorf("memOutbox.MarkSent: %w", domain.ErrNotFound)
	}
	e.Status = domain.OutboxSent
	e.Attempts++
	e.SentAt = &now
	m.outbox[id] = e
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return fmt.Errorf("memOutbox.MarkFailed: %w", domain.ErrNotFound)
	}
	e.Attempts++
	e.LastError = lastError
	e.NextAttemptAt = nextAttempt
	if terminal {
		e.Status = domain.OutboxFailed
	}
	m.outbox[id] = e
	return nil
}
