// Package store defines the persistence boundary for the credit engine.
//
// The engine never touches a balance row directly. All mutations flow through
// a Tx obtained from Store.WithinTx, which guarantees that the group of writes
// performed inside the callback (balance update, audit row, reservation or
// settlement row) is applied all-or-nothing. Two implementations exist:
//
// 1. postgres - durable source of truth, serializable transactions with
// row-level locks (SELECT ... FOR UPDATE)
// 2. memory - mutex-serialized staging store for tests and dry runs
//
// Per-user ordering: BalanceForUpdate takes a row lock on the user's balance,
// so two concurrent transactions touching the same user are strictly
// serialized by the implementation. The same holds for ReservationForUpdate
// on a single reservation id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a balance, reservation or settlement row does
// not exist.
var ErrNotFound = errors.New("store: not found")

// Places is the fixed-point precision used for all credit amounts.
// Internal ledger math never rounds below this; drift across thousands of
// small deductions is the failure mode this prevents.
const Places = 4

// Normalize rounds an amount to the ledger's fixed-point precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusActive    ReservationStatus = "active"
	StatusSettled   ReservationStatus = "settled"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ReservationStatus) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusExpired
}

// SettlementType records how a reservation was closed.
type SettlementType string

const (
	SettlementExact        SettlementType = "exact"
	SettlementEstimated    SettlementType = "estimated"
	SettlementRefundOnly   SettlementType = "refund-only"
	SettlementForcedExpiry SettlementType = "forced-expiry"
)

// Balance is the authoritative per-user credit balance.
type Balance struct {
	UserID    string
	Amount    decimal.Decimal
	Tier      string
	UpdatedAt time.Time
}

// Reservation is a provisional hold of credits against a balance. Rows are
// never deleted; terminal rows remain as audit records.
type Reservation struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal
	Status      ReservationStatus
	Type        string
	Context     map[string]string
	ExpiresAt   time.Time
	SettledAt   *time.Time
	ErrorReason string
	CreatedAt   time.Time
}

// Settlement is the immutable record of how a reservation was closed.
// Exactly one settlement row exists per closed reservation.
type Settlement struct {
	ID            string
	ReservationID string
	UserID        string
	Reserved      decimal.Decimal
	Used          decimal.Decimal
	Refunded      decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Type          SettlementType
	Metadata      map[string]string
	CreatedAt     time.Time
}

// AuditEntry is an append-only record of one balance mutation. The audit log
// is the sole source of truth for reconstructing balance history.
type AuditEntry struct {
	ID            string
	UserID        string
	Operation     string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
	RelatedEntity string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Tx exposes the row-locked primitives available inside a transaction.
// Implementations guarantee that all writes performed through a single Tx are
// applied atomically when the WithinTx callback returns nil, and discarded
// entirely when it returns an error.
type Tx interface {
	// BalanceForUpdate loads a balance row under an exclusive lock.
	// Returns ErrNotFound if the user has no balance row yet.
	BalanceForUpdate(ctx context.Context, userID string) (*Balance, error)

	// SetBalance writes the new balance amount, creating the row if absent.
	SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// AppendAudit appends one audit log row.
	AppendAudit(ctx context.Context, e AuditEntry) error

	// InsertReservation persists a new reservation row.
	InsertReservation(ctx context.Context, r Reservation) error

	// ReservationForUpdate loads a reservation row under an exclusive lock.
	ReservationForUpdate(ctx context.Context, id string) (*Reservation, error)

	// UpdateReservationStatus flips a reservation into a terminal state.
	UpdateReservationStatus(ctx context.Context, id string, status ReservationStatus, settledAt time.Time, errorReason string) error

	// InsertSettlement persists a settlement row.
	InsertSettlement(ctx context.Context, s Settlement) error

	// SettlementByReservation returns the settlement for a reservation, or
	// ErrNotFound if the reservation has not been closed.
	SettlementByReservation(ctx context.Context, reservationID string) (*Settlement, error)
}

// Store is the datastore used by the credit engine.
type Store interface {
	// WithinTx runs fn inside a serializable transaction. If fn returns an
	// error the transaction is rolled back and the error is returned.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// GetBalance reads a balance without locking.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// GetReservation reads a reservation without locking.
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// ActiveReservations lists a user's active reservations, newest first.
	ActiveReservations(ctx context.Context, userID string) ([]Reservation, error)

	// ExpiredReservations returns ids of active reservations whose expiry
	// passed before cutoff, oldest first, capped at limit.
	ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// SettlementByReservation reads the settlement for a reservation.
	SettlementByReservation(ctx context.Context, reservationID string) (*Settlement, error)

	// AuditTrail lists a user's audit entries, newest first, capped at limit.
	AuditTrail(ctx context.Context, userID string, limit int) ([]AuditEntry, error)

	// UserIDs returns up to limit known user ids, for cache verification
	// and operational tooling.
	UserIDs(ctx context.Context, limit int) ([]string, error)

	// Ping verifies connectivity to the backing datastore.
	Ping(ctx context.Context) error

	// Close releases datastore resources.
	Close() error
}
