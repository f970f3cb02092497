// Package reservation implements the credit reservation state machine.
//
// A reservation is created active, with its amount already debited from the
// balance, and leaves the active state exactly once:
//
//	active -> settled    (success path, reconciled against actual usage)
//	active -> cancelled  (explicit abort, full refund)
//	active -> expired    (forced by the sweeper, full refund)
//
// No transition leaves a terminal state. The reserved amount is debited
// exactly once at creation and reconciled exactly once at the terminal
// transition; both halves of every transition (balance mutation and
// reservation/settlement write) run inside one store transaction, so a crash
// can never be observed as a double charge. Re-running a settle whose
// settlement row already exists returns that row unchanged.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/metrics"
	"github.com/scottdaly/creditmeter/internal/store"
)

var (
	// ErrReservationNotFound is returned when the reservation id is unknown.
	ErrReservationNotFound = errors.New("reservation: not found")

	// ErrReservationNotActive is returned when settling or cancelling a
	// reservation that is already terminal.
	ErrReservationNotActive = errors.New("reservation: not active")
)

// Config carries reservation policy knobs.
type Config struct {
	// DefaultTTL bounds how long a reservation may stay active before the
	// sweeper force-expires it. Should exceed the slowest plausible
	// provider response time plus margin.
	DefaultTTL time.Duration
}

// Manager creates, settles and cancels reservations against the ledger.
// All methods are safe for concurrent use; per-reservation transitions are
// serialized by the store's row locks.
type Manager struct {
	store   store.Store
	ledger  *ledger.Ledger
	ttl     time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// New creates a Manager.
func New(st store.Store, l *ledger.Ledger, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{
		store:   st,
		ledger:  l,
		ttl:     ttl,
		log:     logger.With().Str("component", "reservation_manager").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReserveRequest describes a new hold against a user's balance.
type ReserveRequest struct {
	UserID  string
	Amount  decimal.Decimal
	Type    string
	Context map[string]string

	// TTL overrides the manager default when positive.
	TTL time.Duration
}

// UsageMetadata describes the actual usage a reservation settles against.
type UsageMetadata struct {
	InputTokens    int
	OutputTokens   int
	Exact          bool
	Model          string
	Provider       string
	ProcessingTime time.Duration
	Extra          map[string]string
}

// Reserve atomically debits the estimated amount and creates an active
// reservation. Fails with *ledger.InsufficientCreditsError (and performs no
// mutation) when the balance cannot cover the amount.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*store.Reservation, error) {
	start := time.Now()
	amount := store.Normalize(req.Amount)
	if amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	resType := req.Type
	if resType == "" {
		resType = "streaming"
	}

	r := store.Reservation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Amount:    amount,
		Status:    store.StatusActive,
		Type:      resType,
		Context:   req.Context,
		ExpiresAt: m.now().Add(ttl),
	}

	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := m.ledger.DebitIn(ctx, tx, ledger.MutationRequest{
			UserID:        req.UserID,
			Amount:        amount,
			Reason:        "credit_reservation",
			RelatedEntity: r.ID,
			Metadata:      req.Context,
		}); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	m.ledger.InvalidateCache(ctx, req.UserID)
	amt, _ := amount.Float64()
	m.metrics.ReservationCreated(amt)
	m.metrics.Operation("reserve", time.Since(start))

	m.log.Info().
		Str("reservation_id", r.ID).
		Str("user_id", req.UserID).
		Str("amount", amount.String()).
		Str("type", resType).
		Time("expires_at", r.ExpiresAt).
		Msg("reservation created")
	return &r, nil
}

// Settle reconciles an active reservation against actual usage. Over-reserved
// credits are refunded; under-reserved usage is collected best-effort, with
// any uncollectable shortfall recorded in the settlement metadata for later
// compensation rather than blocking a call that already happened.
//
// Settle is idempotent per reservation id: if a settlement row already
// exists it is returned unchanged, and a reservation left active by an
// interrupted earlier attempt is flipped to terminal as part of the replay.
func (m *Manager) Settle(ctx context.Context, reservationID string, actualAmount decimal.Decimal, usage UsageMetadata) (*store.Settlement, error) {
	start := time.Now()
	actual := store.Normalize(actualAmount)
	if actual.Sign() < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	var out *store.Settlement
	var shortfall decimal.Decimal
	var replay bool

	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		out = nil
		shortfall = decimal.Zero
		replay = false

		if existing, err := tx.SettlementByReservation(ctx, reservationID); err == nil {
			return m.replaySettlement(ctx, tx, reservationID, existing, &out, &replay)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		res, err := tx.ReservationForUpdate(ctx, reservationID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if res.Status != store.StatusActive {
			return fmt.Errorf("%w: status %s", ErrReservationNotActive, res.Status)
		}

		delta := actual.Sub(res.Amount)
		refunded := decimal.Zero
		var before, after decimal.Decimal

		switch {
		case delta.Sign() > 0:
			mres, sf, err := m.ledger.DebitAvailableIn(ctx, tx, ledger.MutationRequest{
				UserID:        res.UserID,
				Amount:        delta,
				Reason:        "settlement_underreserve",
				RelatedEntity: reservationID,
			})
			if err != nil {
				return err
			}
			before, after = mres.BalanceBefore, mres.BalanceAfter
			shortfall = sf
		case delta.Sign() < 0:
			refunded = delta.Neg()
			mres, err := m.ledger.CreditIn(ctx, tx, ledger.MutationRequest{
				UserID:        res.UserID,
				Amount:        refunded,
				Reason:        "settlement_refund",
				RelatedEntity: reservationID,
			})
			if err != nil {
				return err
			}
			before, after = mres.BalanceBefore, mres.BalanceAfter
		default:
			b, err := tx.BalanceForUpdate(ctx, res.UserID)
			if errors.Is(err, store.ErrNotFound) {
				before, after = decimal.Zero, decimal.Zero
			} else if err != nil {
				return err
			} else {
				before, after = b.Amount, b.Amount
			}
		}

		stype := store.SettlementEstimated
		if usage.Exact {
			stype = store.SettlementExact
		}

		now := m.now()
		s := store.Settlement{
			ID:            uuid.New().String(),
			ReservationID: reservationID,
			UserID:        res.UserID,
			Reserved:      res.Amount,
			Used:          actual,
			Refunded:      refunded,
			BalanceBefore: before,
			BalanceAfter:  after,
			Type:          stype,
			Metadata:      m.settlementMetadata(usage, shortfall),
			CreatedAt:     now,
		}
		if err := tx.InsertSettlement(ctx, s); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, store.StatusSettled, now, ""); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !replay {
		m.ledger.InvalidateCache(ctx, out.UserID)
		refundedF, _ := out.Refunded.Float64()
		shortfallF, _ := shortfall.Float64()
		m.metrics.ReservationSettled(refundedF, shortfallF)

		ev := m.log.Info().
			Str("reservation_id", reservationID).
			Str("user_id", out.UserID).
			Str("reserved", out.Reserved.String()).
			Str("used", out.Used.String()).
			Str("refunded", out.Refunded.String()).
			Str("settlement_type", string(out.Type))
		if shortfall.Sign() > 0 {
			ev = ev.Str("shortfall", shortfall.String())
		}
		ev.Msg("reservation settled")
	}
	m.metrics.Operation("settle", time.Since(start))
	return out, nil
}

// replaySettlement handles a settle call for a reservation that already has
// a settlement row. The row is authoritative; a reservation still marked
// active (interrupted earlier attempt) is flipped to the terminal state the
// settlement implies.
func (m *Manager) replaySettlement(ctx context.Context, tx store.Tx, reservationID string, existing *store.Settlement, out **store.Settlement, replay *bool) error {
	res, err := tx.ReservationForUpdate(ctx, reservationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && res.Status == store.StatusActive {
		status := store.StatusSettled
		switch existing.Type {
		case store.SettlementRefundOnly:
			status = store.StatusCancelled
		case store.SettlementForcedExpiry:
			status = store.StatusExpired
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, status, existing.CreatedAt, ""); err != nil {
			return err
		}
		m.log.Warn().
			Str("reservation_id", reservationID).
			Str("settlement_type", string(existing.Type)).
			Msg("reservation status recovered from existing settlement")
	}
	*out = existing
	*replay = true
	return nil
}

// Cancel fully refunds an active reservation. Cancelling a terminal
// reservation is a no-op that returns the existing settlement, so retries
// and races with the sweeper are harmless.
func (m *Manager) Cancel(ctx context.Context, reservationID, reason string) (*store.Settlement, error) {
	s, already, err := m.close(ctx, reservationID, reason, store.StatusCancelled, store.SettlementRefundOnly)
	if err != nil {
		return nil, err
	}
	if !already {
		refunded, _ := s.Refunded.Float64()
		m.metrics.ReservationCancelled(refunded)
	}
	return s, nil
}

// expire force-closes a reservation past its expiry. Same path as Cancel,
// but terminal state and settlement type mark the sweeper's involvement.
func (m *Manager) expire(ctx context.Context, reservationID string) (*store.Settlement, error) {
	s, already, err := m.close(ctx, reservationID, "expired", store.StatusExpired, store.SettlementForcedExpiry)
	if err != nil {
		return nil, err
	}
	if !already {
		refunded, _ := s.Refunded.Float64()
		m.metrics.ReservationExpired(refunded)
	}
	return s, nil
}

func (m *Manager) close(ctx context.Context, reservationID, reason string, status store.ReservationStatus, stype store.SettlementType) (*store.Settlement, bool, error) {
	start := time.Now()
	var out *store.Settlement
	var alreadyTerminal bool

	err := m.store.WithinTx(ctx, func(tx store.Tx) error {
		out = nil
		alreadyTerminal = false

		res, err := tx.ReservationForUpdate(ctx, reservationID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if res.Status.Terminal() {
			alreadyTerminal = true
			existing, err := tx.SettlementByReservation(ctx, reservationID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			out = existing
			return nil
		}

		mres, err := m.ledger.CreditIn(ctx, tx, ledger.MutationRequest{
			UserID:        res.UserID,
			Amount:        res.Amount,
			Reason:        "reservation_" + string(status),
			RelatedEntity: reservationID,
			Metadata:      map[string]string{"reason": reason},
		})
		if err != nil {
			return err
		}

		now := m.now()
		s := store.Settlement{
			ID:            uuid.New().String(),
			ReservationID: reservationID,
			UserID:        res.UserID,
			Reserved:      res.Amount,
			Used:          decimal.Zero,
			Refunded:      res.Amount,
			BalanceBefore: mres.BalanceBefore,
			BalanceAfter:  mres.BalanceAfter,
			Type:          stype,
			Metadata:      map[string]string{"reason": reason},
			CreatedAt:     now,
		}
		if err := tx.InsertSettlement(ctx, s); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, status, now, reason); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !alreadyTerminal {
		m.ledger.InvalidateCache(ctx, out.UserID)
		m.log.Info().
			Str("reservation_id", reservationID).
			Str("user_id", out.UserID).
			Str("refunded", out.Refunded.String()).
			Str("status", string(status)).
			Str("reason", reason).
			Msg("reservation closed")
	}
	m.metrics.Operation("cancel", time.Since(start))
	return out, alreadyTerminal, nil
}

// ItemError is a per-reservation failure collected during a sweep batch.
type ItemError struct {
	ReservationID string
	Err           error
}

// CleanupResult summarizes one CleanupExpired batch.
type CleanupResult struct {
	Scanned  int
	Expired  int
	Refunded decimal.Decimal
	Errors   []ItemError
}

// CleanupExpired force-expires up to batchSize reservations whose expiry has
// passed. Individual failures are collected and do not abort the batch; the
// next sweep retries them.
func (m *Manager) CleanupExpired(ctx context.Context, batchSize int) (*CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	ids, err := m.store.ExpiredReservations(ctx, m.now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("expired reservation scan failed: %w", err)
	}

	result := &CleanupResult{Scanned: len(ids), Refunded: decimal.Zero}
	for _, id := range ids {
		s, err := m.expire(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("reservation_id", id).Msg("forced expiry failed")
			result.Errors = append(result.Errors, ItemError{ReservationID: id, Err: err})
			continue
		}
		if s != nil {
			result.Expired++
			result.Refunded = result.Refunded.Add(s.Refunded)
		}
	}
	return result, nil
}

// Get returns a reservation by id.
func (m *Manager) Get(ctx context.Context, reservationID string) (*store.Reservation, error) {
	r, err := m.store.GetReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

// Active lists a user's active reservations.
func (m *Manager) Active(ctx context.Context, userID string) ([]store.Reservation, error) {
	return m.store.ActiveReservations(ctx, userID)
}

// Settlement returns the settlement for a reservation, if it was closed.
func (m *Manager) Settlement(ctx context.Context, reservationID string) (*store.Settlement, error) {
	s, err := m.store.SettlementByReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return s, err
}

// DefaultTTL returns the configured reservation TTL.
func (m *Manager) DefaultTTL() time.Duration { return m.ttl }

func (m *Manager) settlementMetadata(usage UsageMetadata, shortfall decimal.Decimal) map[string]string {
	md := make(map[string]string, len(usage.Extra)+6)
	for k, v := range usage.Extra {
		md[k] = v
	}
	if usage.Model != "" {
		md["model"] = usage.Model
	}
	if usage.Provider != "" {
		md["provider"] = usage.Provider
	}
	md["input_tokens"] = strconv.Itoa(usage.InputTokens)
	md["output_tokens"] = strconv.Itoa(usage.OutputTokens)
	if usage.Exact {
		md["token_source"] = "provider"
	} else {
		md["token_source"] = "estimated"
	}
	if usage.ProcessingTime > 0 {
		md["processing_ms"] = strconv.FormatInt(usage.ProcessingTime.Milliseconds(), 10)
	}
	if shortfall.Sign() > 0 {
		md["shortfall"] = shortfall.String()
	}
	return md
}
