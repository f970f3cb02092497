// Package ledger owns the authoritative per-user credit balance.
//
// Every credit that moves through the system flows through this package.
// The balance row is the only truly shared mutable resource in the engine,
// and no other component may read-modify-write it outside the primitives
// here. Each mutation runs inside a single serializable transaction that:
//
// 1. re-reads the current balance under a row lock
// 2. validates the post-condition (debits fail below the credit floor)
// 3. writes the new balance
// 4. appends exactly one audit log row
//
// all-or-nothing. The ledger does not deduplicate calls; callers must
// guarantee each logical operation invokes it exactly once, which the
// reservation state machine does by construction.
//
// Two datastore roles mirror each other:
//
// PostgreSQL is DURABLE and authoritative. Redis is FAST but volatile and
// serves only as a read cache for GetBalance. If they disagree, the cache is
// repaired from the store; a stale cache is tolerated because it never
// participates in a mutation decision.
//
// Debit and Credit open their own transaction. DebitIn/CreditIn join a
// caller-owned transaction so the reservation manager can pair a balance
// mutation with its own reservation/settlement writes atomically while the
// balance math itself still lives here.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/scottdaly/creditmeter/internal/metrics"
	"github.com/scottdaly/creditmeter/internal/store"
)

// Config carries ledger policy knobs.
type Config struct {
	// CreditFloor is the lowest balance a non-forced debit may leave
	// behind. Slightly negative to tolerate rounding and settlement edge
	// cases.
	CreditFloor decimal.Decimal
}

// Ledger performs atomic balance mutations with audit logging.
// All methods are safe for concurrent use.
type Ledger struct {
	store   store.Store
	cache   *Cache
	floor   decimal.Decimal
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Ledger over the given store. cache may be nil to disable the
// read cache; m may be nil to disable instrumentation.
func New(st store.Store, cache *Cache, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   st,
		cache:   cache,
		floor:   store.Normalize(cfg.CreditFloor),
		log:     logger.With().Str("component", "ledger").Logger(),
		metrics: m,
	}
}

// MutationRequest describes one balance mutation.
type MutationRequest struct {
	UserID        string
	Amount        decimal.Decimal
	Reason        string
	RelatedEntity string
	Metadata      map[string]string

	// Force skips the credit-floor check. Only the settlement shortfall
	// path sets this, and only after clamping the amount to what the
	// balance can bear.
	Force bool
}

// MutationResult reports the balance around a mutation.
type MutationResult struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// BalanceInfo is the read-only balance view.
type BalanceInfo struct {
	UserID  string
	Balance decimal.Decimal
	Tier    string
}

// CeilCredits rounds an amount up to the next whole credit. Charged amounts
// presented to a billing ledger always round up while internal math stays at
// full precision; never under-bill, may slightly over-bill.
func CeilCredits(d decimal.Decimal) decimal.Decimal {
	return d.Ceil()
}

// Debit removes credits from a balance in its own transaction.
// Fails with *InsufficientCreditsError if the result would fall below the
// credit floor, unless req.Force is set.
func (l *Ledger) Debit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	var res *MutationResult
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = l.DebitIn(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.InvalidateCache(ctx, req.UserID)
	return res, nil
}

// Credit adds credits to a balance in its own transaction, creating the
// balance row if the user has none yet.
func (l *Ledger) Credit(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	var res *MutationResult
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = l.CreditIn(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.InvalidateCache(ctx, req.UserID)
	return res, nil
}

// DebitIn performs a debit inside a caller-owned transaction.
func (l *Ledger) DebitIn(ctx context.Context, tx store.Tx, req MutationRequest) (*MutationResult, error) {
	amount := store.Normalize(req.Amount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	before, err := l.balanceForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	after := before.Sub(amount)
	if !req.Force && after.LessThan(l.floor) {
		l.metrics.InsufficientCredits()
		l.log.Debug().
			Str("user_id", req.UserID).
			Str("balance", before.String()).
			Str("required", amount.String()).
			Str("reason", req.Reason).
			Msg("debit rejected")
		return nil, &InsufficientCreditsError{UserID: req.UserID, Balance: before, Required: amount}
	}

	if err := l.apply(ctx, tx, "debit", req, amount, before, after); err != nil {
		return nil, err
	}
	return &MutationResult{BalanceBefore: before, BalanceAfter: after}, nil
}

// CreditIn performs a credit inside a caller-owned transaction.
func (l *Ledger) CreditIn(ctx context.Context, tx store.Tx, req MutationRequest) (*MutationResult, error) {
	amount := store.Normalize(req.Amount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	before, err := l.balanceForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	after := before.Add(amount)
	if err := l.apply(ctx, tx, "credit", req, amount, before, after); err != nil {
		return nil, err
	}
	return &MutationResult{BalanceBefore: before, BalanceAfter: after}, nil
}

// DebitAvailableIn debits as much of req.Amount as the balance can bear
// without breaching the credit floor, and returns the shortfall that could
// not be collected. An AI call that already happened cannot be blocked
// retroactively; the shortfall is the caller's to record for compensation.
func (l *Ledger) DebitAvailableIn(ctx context.Context, tx store.Tx, req MutationRequest) (*MutationResult, decimal.Decimal, error) {
	amount := store.Normalize(req.Amount)
	if amount.Sign() <= 0 {
		return nil, decimal.Zero, ErrInvalidAmount
	}

	before, err := l.balanceForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	available := before.Sub(l.floor)
	if available.Sign() < 0 {
		available = decimal.Zero
	}

	collectable := amount
	shortfall := decimal.Zero
	if amount.GreaterThan(available) {
		collectable = available
		shortfall = amount.Sub(available)
	}

	if collectable.Sign() == 0 {
		return &MutationResult{BalanceBefore: before, BalanceAfter: before}, shortfall, nil
	}

	after := before.Sub(collectable)
	if err := l.apply(ctx, tx, "debit", req, collectable, before, after); err != nil {
		return nil, decimal.Zero, err
	}
	return &MutationResult{BalanceBefore: before, BalanceAfter: after}, shortfall, nil
}

func (l *Ledger) balanceForUpdate(ctx context.Context, tx store.Tx, userID string) (decimal.Decimal, error) {
	b, err := tx.BalanceForUpdate(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		// No balance row yet; reads as zero. The first credit creates it.
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, op string, req MutationRequest, amount, before, after decimal.Decimal) error {
	if err := tx.SetBalance(ctx, req.UserID, after); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, store.AuditEntry{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Operation:     op,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        req.Reason,
		RelatedEntity: req.RelatedEntity,
		Metadata:      req.Metadata,
	}); err != nil {
		return err
	}

	l.log.Debug().
		Str("user_id", req.UserID).
		Str("operation", op).
		Str("amount", amount.String()).
		Str("balance_after", after.String()).
		Str("reason", req.Reason).
		Msg("balance mutated")
	return nil
}

// GetBalance returns the current balance without side effects. The cache is
// consulted first; misses fall through to the store and repopulate it.
// A user with no balance row reads as zero.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*BalanceInfo, error) {
	if cached, ok := l.cache.Get(ctx, userID); ok {
		return &BalanceInfo{UserID: userID, Balance: cached.Amount, Tier: cached.Tier}, nil
	}

	b, err := l.store.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &BalanceInfo{UserID: userID, Balance: decimal.Zero, Tier: "free"}, nil
	}
	if err != nil {
		return nil, err
	}

	l.cache.Set(ctx, userID, b.Amount, b.Tier)
	return &BalanceInfo{UserID: userID, Balance: b.Amount, Tier: b.Tier}, nil
}

// AuditTrail lists recent balance mutations for a user, newest first.
func (l *Ledger) AuditTrail(ctx context.Context, userID string, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.AuditTrail(ctx, userID, limit)
}

// InvalidateCache drops the cached balance for a user. Called after any
// committed mutation, including those the reservation manager performs
// through DebitIn/CreditIn.
func (l *Ledger) InvalidateCache(ctx context.Context, userID string) {
	l.cache.Invalidate(ctx, userID)
}

// VerifyCache samples up to sample users and repairs cache entries that
// disagree with the store. Returns the number of repairs performed. The
// cache can only ever be stale, never authoritative, so a mismatch is an
// inconsistency to fix, not a correctness incident.
func (l *Ledger) VerifyCache(ctx context.Context, sample int) (int, error) {
	if l.cache == nil {
		return 0, nil
	}
	ids, err := l.store.UserIDs(ctx, sample)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, userID := range ids {
		cached, ok := l.cache.Get(ctx, userID)
		if !ok {
			continue
		}
		b, err := l.store.GetBalance(ctx, userID)
		if err != nil {
			continue
		}
		if !cached.Amount.Equal(b.Amount) {
			l.log.Warn().
				Str("user_id", userID).
				Str("cached", cached.Amount.String()).
				Str("stored", b.Amount.String()).
				Msg("balance cache mismatch repaired")
			l.cache.Set(ctx, userID, b.Amount, b.Tier)
			repaired++
		}
	}

	l.metrics.CacheRepairs(repaired)
	return repaired, nil
}

// Floor returns the configured credit floor.
func (l *Ledger) Floor() decimal.Decimal { return l.floor }

// WarmCache preloads balances for up to limit users. Called once at startup
// so the first reads after boot do not all miss.
func (l *Ledger) WarmCache(ctx context.Context, limit int) error {
	if l.cache == nil {
		return nil
	}
	start := time.Now()
	ids, err := l.store.UserIDs(ctx, limit)
	if err != nil {
		return err
	}
	for _, userID := range ids {
		b, err := l.store.GetBalance(ctx, userID)
		if err != nil {
			continue
		}
		l.cache.Set(ctx, userID, b.Amount, b.Tier)
	}
	l.log.Info().
		Int("users", len(ids)).
		Dur("duration", time.Since(start)).
		Msg("balance cache warmed")
	return nil
}
