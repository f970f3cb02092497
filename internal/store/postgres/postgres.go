// Package postgres implements store.Store on PostgreSQL.
//
// PostgreSQL is the durable source of truth for balances, reservations,
// settlements and the audit log. Every WithinTx call runs at serializable
// isolation; balance and reservation rows are additionally locked with
// SELECT ... FOR UPDATE so that per-user (and per-reservation) mutations are
// strictly ordered even under true parallelism.
//
// Serialization failures (SQLSTATE 40001) and deadlocks (40P01) are retried
// with backoff inside WithinTx; the callback must therefore be safe to run
// more than once, which holds for the engine because every callback re-reads
// state under locks before writing.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/store"
)

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	// Writes are short transactions; modest pool with recycling to survive
	// firewall idle timeouts.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection pool. Used by the seeder and tests
// that manage the pool themselves.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

const txRetries = 3

// WithinTx runs fn inside a serializable transaction, retrying on
// serialization failures.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var lastErr error
	backoff := 10 * time.Millisecond

	for attempt := 0; attempt <= txRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) BalanceForUpdate(ctx context.Context, userID string) (*store.Balance, error) {
	var b store.Balance
	var amount string
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, amount, tier, updated_at
		FROM balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&b.UserID, &amount, &b.Tier, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("balance select failed: %w", err)
	}
	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("balance amount parse failed: %w", err)
	}
	return &b, nil
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, amount, tier, updated_at)
		VALUES ($1, $2, 'free', NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
	`, userID, store.Normalize(amount).String())
	if err != nil {
		return fmt.Errorf("balance upsert failed: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	meta, err := marshalMeta(e.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, user_id, operation, amount,
			balance_before, balance_after,
			reason, related_entity, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, e.ID, e.UserID, e.Operation, e.Amount.String(),
		e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.Reason, e.RelatedEntity, meta)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r store.Reservation) error {
	meta, err := marshalMeta(r.Context)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO reservations (
			id, user_id, amount, status, type, context,
			expires_at, error_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, '', NOW())
	`, r.ID, r.UserID, r.Amount.String(), string(r.Status), r.Type, meta, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("reservation insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ReservationForUpdate(ctx context.Context, id string) (*store.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount, status, type, context,
		       expires_at, settled_at, error_reason, created_at
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanReservation(row)
}

func (t *pgTx) UpdateReservationStatus(ctx context.Context, id string, status store.ReservationStatus, settledAt time.Time, errorReason string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2, settled_at = $3, error_reason = $4
		WHERE id = $1
	`, id, string(status), settledAt, errorReason)
	if err != nil {
		return fmt.Errorf("reservation update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reservation update rows failed: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertSettlement(ctx context.Context, s store.Settlement) error {
	meta, err := marshalMeta(s.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, reservation_id, user_id,
			reserved, used, refunded,
			balance_before, balance_after,
			settlement_type, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, s.ID, s.ReservationID, s.UserID,
		s.Reserved.String(), s.Used.String(), s.Refunded.String(),
		s.BalanceBefore.String(), s.BalanceAfter.String(),
		string(s.Type), meta)
	if err != nil {
		return fmt.Errorf("settlement insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) SettlementByReservation(ctx context.Context, reservationID string) (*store.Settlement, error) {
	row := t.tx.QueryRowContext(ctx, settlementSelect+` WHERE reservation_id = $1`, reservationID)
	return scanSettlement(row)
}

func (s *Store) GetBalance(ctx context.Context, userID string) (*store.Balance, error) {
	var b store.Balance
	var amount string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, amount, tier, updated_at
		FROM balances
		WHERE user_id = $1
	`, userID).Scan(&b.UserID, &amount, &b.Tier, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("balance select failed: %w", err)
	}
	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("balance amount parse failed: %w", err)
	}
	return &b, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*store.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, status, type, context,
		       expires_at, settled_at, error_reason, created_at
		FROM reservations
		WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (s *Store) ActiveReservations(ctx context.Context, userID string) ([]store.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, status, type, context,
		       expires_at, settled_at, error_reason, created_at
		FROM reservations
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("reservations query failed: %w", err)
	}
	defer rows.Close()

	var out []store.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM reservations
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("expired reservations query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expired reservation scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SettlementByReservation(ctx context.Context, reservationID string) (*store.Settlement, error) {
	row := s.db.QueryRowContext(ctx, settlementSelect+` WHERE reservation_id = $1`, reservationID)
	return scanSettlement(row)
}

func (s *Store) AuditTrail(ctx context.Context, userID string, limit int) ([]store.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, operation, amount,
		       balance_before, balance_after,
		       reason, related_entity, metadata, created_at
		FROM audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var amount, before, after string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Operation, &amount,
			&before, &after, &e.Reason, &e.RelatedEntity, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("audit amount parse failed: %w", err)
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, fmt.Errorf("audit balance parse failed: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("audit balance parse failed: %w", err)
		}
		if err := unmarshalMeta(meta, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UserIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM balances ORDER BY user_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("user ids query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("user id scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const settlementSelect = `
	SELECT id, reservation_id, user_id,
	       reserved, used, refunded,
	       balance_before, balance_after,
	       settlement_type, metadata, created_at
	FROM settlements`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*store.Reservation, error) {
	var r store.Reservation
	var amount, status string
	var meta []byte
	var settledAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &amount, &status, &r.Type, &meta,
		&r.ExpiresAt, &settledAt, &r.ErrorReason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reservation scan failed: %w", err)
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("reservation amount parse failed: %w", err)
	}
	r.Status = store.ReservationStatus(status)
	if settledAt.Valid {
		t := settledAt.Time
		r.SettledAt = &t
	}
	if err := unmarshalMeta(meta, &r.Context); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSettlement(row rowScanner) (*store.Settlement, error) {
	var s store.Settlement
	var reserved, used, refunded, before, after, stype string
	var meta []byte
	err := row.Scan(&s.ID, &s.ReservationID, &s.UserID,
		&reserved, &used, &refunded, &before, &after, &stype, &meta, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settlement scan failed: %w", err)
	}
	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&s.Reserved, reserved}, {&s.Used, used}, {&s.Refunded, refunded},
		{&s.BalanceBefore, before}, {&s.BalanceAfter, after},
	} {
		if *p.dst, err = decimal.NewFromString(p.src); err != nil {
			return nil, fmt.Errorf("settlement amount parse failed: %w", err)
		}
	}
	s.Type = store.SettlementType(stype)
	if err := unmarshalMeta(meta, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("metadata marshal failed: %w", err)
	}
	return b, nil
}

func unmarshalMeta(b []byte, dst *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("metadata unmarshal failed: %w", err)
	}
	return nil
}
