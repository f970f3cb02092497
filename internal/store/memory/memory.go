// Package memory provides an in-memory Store implementation.
//
// A single mutex serializes transactions, which trivially satisfies the
// serializable-isolation contract of store.Store. Writes made inside a
// transaction are staged and applied only when the callback succeeds, so a
// failing transaction observes the same all-or-nothing behavior as postgres.
//
// Used by the engine's tests and by creditctl's dry-run mode. Not durable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/store"
)

// Store is a mutex-serialized in-memory datastore.
type Store struct {
	mu           sync.Mutex
	balances     map[string]store.Balance
	reservations map[string]store.Reservation
	settlements  map[string]store.Settlement // keyed by reservation id
	audit        []store.AuditEntry
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		balances:     make(map[string]store.Balance),
		reservations: make(map[string]store.Reservation),
		settlements:  make(map[string]store.Settlement),
	}
}

// SeedBalance seeds a balance row directly. Test and seeding helper; the
// engine itself only mutates balances through transactions.
func (s *Store) SeedBalance(userID string, amount decimal.Decimal, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = store.Balance{
		UserID:    userID,
		Amount:    store.Normalize(amount),
		Tier:      tier,
		UpdatedAt: time.Now().UTC(),
	}
}

type memTx struct {
	s *Store

	// staged writes, applied on commit
	balances     map[string]decimal.Decimal
	reservations []store.Reservation
	statusFlips  []statusFlip
	settlements  []store.Settlement
	audit        []store.AuditEntry
}

type statusFlip struct {
	id          string
	status      store.ReservationStatus
	settledAt   time.Time
	errorReason string
}

// WithinTx runs fn under the store lock, staging writes and applying them
// only if fn succeeds.
func (s *Store) WithinTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, balances: make(map[string]decimal.Decimal)}
	if err := fn(tx); err != nil {
		return err
	}

	now := time.Now().UTC()
	for userID, amount := range tx.balances {
		b := s.balances[userID]
		b.UserID = userID
		b.Amount = amount
		b.UpdatedAt = now
		s.balances[userID] = b
	}
	for _, r := range tx.reservations {
		s.reservations[r.ID] = r
	}
	for _, f := range tx.statusFlips {
		r := s.reservations[f.id]
		r.Status = f.status
		settledAt := f.settledAt
		r.SettledAt = &settledAt
		r.ErrorReason = f.errorReason
		s.reservations[f.id] = r
	}
	for _, st := range tx.settlements {
		s.settlements[st.ReservationID] = st
	}
	s.audit = append(s.audit, tx.audit...)
	return nil
}

func (tx *memTx) BalanceForUpdate(_ context.Context, userID string) (*store.Balance, error) {
	if staged, ok := tx.balances[userID]; ok {
		b := tx.s.balances[userID]
		b.UserID = userID
		b.Amount = staged
		return &b, nil
	}
	b, ok := tx.s.balances[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (tx *memTx) SetBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	tx.balances[userID] = store.Normalize(amount)
	return nil
}

func (tx *memTx) AppendAudit(_ context.Context, e store.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tx.audit = append(tx.audit, e)
	return nil
}

func (tx *memTx) InsertReservation(_ context.Context, r store.Reservation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tx.reservations = append(tx.reservations, r)
	return nil
}

func (tx *memTx) ReservationForUpdate(_ context.Context, id string) (*store.Reservation, error) {
	for i := range tx.reservations {
		if tx.reservations[i].ID == id {
			r := tx.reservations[i]
			return &r, nil
		}
	}
	r, ok := tx.s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, f := range tx.statusFlips {
		if f.id == id {
			r.Status = f.status
			settledAt := f.settledAt
			r.SettledAt = &settledAt
			r.ErrorReason = f.errorReason
		}
	}
	return &r, nil
}

func (tx *memTx) UpdateReservationStatus(_ context.Context, id string, status store.ReservationStatus, settledAt time.Time, errorReason string) error {
	if _, ok := tx.s.reservations[id]; !ok {
		found := false
		for i := range tx.reservations {
			if tx.reservations[i].ID == id {
				found = true
				break
			}
		}
		if !found {
			return store.ErrNotFound
		}
	}
	tx.statusFlips = append(tx.statusFlips, statusFlip{
		id: id, status: status, settledAt: settledAt, errorReason: errorReason,
	})
	return nil
}

func (tx *memTx) InsertSettlement(_ context.Context, s store.Settlement) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	tx.settlements = append(tx.settlements, s)
	return nil
}

func (tx *memTx) SettlementByReservation(_ context.Context, reservationID string) (*store.Settlement, error) {
	for i := range tx.settlements {
		if tx.settlements[i].ReservationID == reservationID {
			s := tx.settlements[i]
			return &s, nil
		}
	}
	s, ok := tx.s.settlements[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (s *Store) GetBalance(_ context.Context, userID string) (*store.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ActiveReservations(_ context.Context, userID string) ([]store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Reservation
	for _, r := range s.reservations {
		if r.UserID == userID && r.Status == store.StatusActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpiredReservations(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []store.Reservation
	for _, r := range s.reservations {
		if r.Status == store.StatusActive && r.ExpiresAt.Before(cutoff) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	ids := make([]string, 0, len(expired))
	for _, r := range expired {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) SettlementByReservation(_ context.Context, reservationID string) (*store.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) AuditTrail(_ context.Context, userID string, limit int) ([]store.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].UserID != userID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UserIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
