package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottdaly/creditmeter/internal/ledger"
	"github.com/scottdaly/creditmeter/internal/store"
	"github.com/scottdaly/creditmeter/internal/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	l := ledger.New(st, nil, ledger.Config{CreditFloor: decimal.NewFromFloat(-1.0)}, zerolog.Nop(), nil)
	m := New(st, l, Config{DefaultTTL: 15 * time.Minute}, zerolog.Nop(), nil)
	return m, st
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func balance(t *testing.T, st *memory.Store, userID string) decimal.Decimal {
	t.Helper()
	b, err := st.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Amount
}

func TestReserve(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{
		UserID: "user_1",
		Amount: dec("5"),
		Type:   "streaming",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, store.StatusActive, res.Status)
	assert.True(t, res.Amount.Equal(dec("5")))
	assert.False(t, res.ExpiresAt.IsZero())

	// Reserved amount is debited upfront.
	assert.True(t, balance(t, st, "user_1").Equal(dec("45")))
}

func TestReserve_InsufficientCreditsIsAtomic(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("46.5"), "free")
	ctx := context.Background()

	_, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("100")})
	require.Error(t, err)
	assert.True(t, ledger.IsInsufficientCredits(err))

	// No partial state: balance unchanged, no reservation row.
	assert.True(t, balance(t, st, "user_1").Equal(dec("46.5")))
	active, err := m.Active(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReserve_InvalidAmount(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Reserve(context.Background(), ReserveRequest{UserID: "user_1", Amount: dec("0")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestSettle_RefundsOverReservation(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)
	require.True(t, balance(t, st, "user_1").Equal(dec("45")))

	s, err := m.Settle(ctx, res.ID, dec("3.5"), UsageMetadata{
		InputTokens:  1200,
		OutputTokens: 800,
		Exact:        true,
		Model:        "gpt-4o",
	})
	require.NoError(t, err)

	assert.True(t, s.Reserved.Equal(dec("5")))
	assert.True(t, s.Used.Equal(dec("3.5")))
	assert.True(t, s.Refunded.Equal(dec("1.5")))
	assert.Equal(t, store.SettlementExact, s.Type)
	assert.Equal(t, "provider", s.Metadata["token_source"])
	assert.Equal(t, "1200", s.Metadata["input_tokens"])

	assert.True(t, balance(t, st, "user_1").Equal(dec("46.5")))

	r, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, r.Status)
	require.NotNil(t, r.SettledAt)
}

func TestSettle_CollectsUnderReservation(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	// Actual usage exceeded the hold; the extra 2 is collected.
	s, err := m.Settle(ctx, res.ID, dec("7"), UsageMetadata{OutputTokens: 900})
	require.NoError(t, err)

	assert.True(t, s.Used.Equal(dec("7")))
	assert.True(t, s.Refunded.IsZero())
	assert.Equal(t, store.SettlementEstimated, s.Type)
	assert.Empty(t, s.Metadata["shortfall"])
	assert.True(t, balance(t, st, "user_1").Equal(dec("43")))
}

func TestSettle_ShortfallAllowedAndFlagged(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("5"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)
	require.True(t, balance(t, st, "user_1").IsZero())

	// Usage came in at 10 against a 5 hold. Only 1 more credit is
	// collectable before the -1 floor; the remaining 4 is flagged.
	s, err := m.Settle(ctx, res.ID, dec("10"), UsageMetadata{})
	require.NoError(t, err)

	assert.True(t, s.Used.Equal(dec("10")))
	assert.Equal(t, "4", s.Metadata["shortfall"])
	assert.True(t, balance(t, st, "user_1").Equal(dec("-1")))

	r, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, r.Status)
}

func TestSettle_ExactAmount(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	s, err := m.Settle(ctx, res.ID, dec("5"), UsageMetadata{})
	require.NoError(t, err)
	assert.True(t, s.Refunded.IsZero())
	assert.True(t, balance(t, st, "user_1").Equal(dec("45")))
}

func TestSettle_ZeroUsageRefundsEverything(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	s, err := m.Settle(ctx, res.ID, decimal.Zero, UsageMetadata{})
	require.NoError(t, err)
	assert.True(t, s.Refunded.Equal(dec("5")))
	assert.True(t, balance(t, st, "user_1").Equal(dec("50")))
}

func TestSettle_IdempotentReplay(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	first, err := m.Settle(ctx, res.ID, dec("3.5"), UsageMetadata{})
	require.NoError(t, err)

	// Replaying, even with different numbers, returns the original row
	// and moves no credits.
	second, err := m.Settle(ctx, res.ID, dec("99"), UsageMetadata{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Used.Equal(dec("3.5")))
	assert.True(t, balance(t, st, "user_1").Equal(dec("46.5")))
}

func TestSettle_UnknownReservation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Settle(context.Background(), "no-such-id", dec("1"), UsageMetadata{})
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestSettle_NegativeAmount(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Settle(context.Background(), "any", dec("-1"), UsageMetadata{})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestCancel(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	s, err := m.Cancel(ctx, res.ID, "client_disconnect")
	require.NoError(t, err)
	assert.True(t, s.Refunded.Equal(dec("5")))
	assert.True(t, s.Used.IsZero())
	assert.Equal(t, store.SettlementRefundOnly, s.Type)
	assert.True(t, balance(t, st, "user_1").Equal(dec("50")))

	r, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, r.Status)
	assert.Equal(t, "client_disconnect", r.ErrorReason)
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	first, err := m.Cancel(ctx, res.ID, "first")
	require.NoError(t, err)

	// Second cancel refunds nothing and returns the existing settlement.
	second, err := m.Cancel(ctx, res.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, balance(t, st, "user_1").Equal(dec("50")))
}

func TestCancel_AfterSettleReturnsSettlement(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	settled, err := m.Settle(ctx, res.ID, dec("3.5"), UsageMetadata{})
	require.NoError(t, err)

	s, err := m.Cancel(ctx, res.ID, "late cancel")
	require.NoError(t, err)
	assert.Equal(t, settled.ID, s.ID)
	assert.True(t, balance(t, st, "user_1").Equal(dec("46.5")))
}

func TestSettle_AfterCancelReturnsNotActive(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	_, err = m.Cancel(ctx, res.ID, "gone")
	require.NoError(t, err)

	// The cancel produced a refund-only settlement; settle replays it
	// rather than charging again.
	s, err := m.Settle(ctx, res.ID, dec("3"), UsageMetadata{})
	require.NoError(t, err)
	assert.Equal(t, store.SettlementRefundOnly, s.Type)
	assert.True(t, balance(t, st, "user_1").Equal(dec("50")))
}

func TestCleanupExpired(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{
		UserID: "user_1",
		Amount: dec("8"),
		TTL:    time.Second,
	})
	require.NoError(t, err)
	require.True(t, balance(t, st, "user_1").Equal(dec("42")))

	// Advance the manager clock past the expiry.
	m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Second) }

	result, err := m.CleanupExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Expired)
	assert.True(t, result.Refunded.Equal(dec("8")))
	assert.Empty(t, result.Errors)

	assert.True(t, balance(t, st, "user_1").Equal(dec("50")))

	r, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, r.Status)

	s, err := m.Settlement(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SettlementForcedExpiry, s.Type)
	assert.True(t, s.Refunded.Equal(dec("8")))
}

func TestCleanupExpired_LeavesUnexpiredAlone(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	_, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)

	result, err := m.CleanupExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.True(t, balance(t, st, "user_1").Equal(dec("45")))
}

func TestCleanupExpired_RaceWithSettleIsHarmless(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5"), TTL: time.Second})
	require.NoError(t, err)

	// Settlement lands first; the sweep then finds a terminal reservation
	// and must not refund on top of it.
	_, err = m.Settle(ctx, res.ID, dec("3.5"), UsageMetadata{})
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Second) }
	result, err := m.CleanupExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.True(t, balance(t, st, "user_1").Equal(dec("46.5")))
}

func TestActive(t *testing.T) {
	m, st := newTestManager(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	r1, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("5")})
	require.NoError(t, err)
	r2, err := m.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: dec("3")})
	require.NoError(t, err)

	_, err = m.Settle(ctx, r1.ID, dec("5"), UsageMetadata{})
	require.NoError(t, err)

	active, err := m.Active(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, r2.ID, active[0].ID)
}

func TestReserve_ParallelExactlyAffordableSubset(t *testing.T) {
	st := memory.New()
	l := ledger.New(st, nil, ledger.Config{CreditFloor: decimal.Zero}, zerolog.Nop(), nil)
	m := New(st, l, Config{DefaultTTL: 15 * time.Minute}, zerolog.Nop(), nil)
	st.SeedBalance("user_1", dec("10"), "free")
	ctx := context.Background()

	// 20 one-credit reservations against a balance of 10: exactly 10 must
	// succeed and the rest must fail with insufficient credits.
	const attempts = 20
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(ctx, ReserveRequest{
				UserID: "user_1",
				Amount: dec("1"),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var ice *ledger.InsufficientCreditsError
		require.ErrorAs(t, err, &ice)
	}
	assert.Equal(t, 10, succeeded)
	assert.True(t, balance(t, st, "user_1").IsZero())

	active, err := m.Active(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, active, 10)
}
