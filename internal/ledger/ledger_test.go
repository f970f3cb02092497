package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottdaly/creditmeter/internal/store"
	"github.com/scottdaly/creditmeter/internal/store/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	l := New(st, nil, Config{CreditFloor: decimal.NewFromFloat(-1.0)}, zerolog.Nop(), nil)
	return l, st
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDebit(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	res, err := l.Debit(ctx, MutationRequest{
		UserID: "user_1",
		Amount: dec("5"),
		Reason: "credit_reservation",
	})
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.Equal(dec("50")), "before = %s", res.BalanceBefore)
	assert.True(t, res.BalanceAfter.Equal(dec("45")), "after = %s", res.BalanceAfter)

	b, err := st.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("45")))
}

func TestDebit_InsufficientCredits(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("46.5"), "free")
	ctx := context.Background()

	_, err := l.Debit(ctx, MutationRequest{
		UserID: "user_1",
		Amount: dec("100"),
		Reason: "credit_reservation",
	})
	require.Error(t, err)
	assert.True(t, IsInsufficientCredits(err))

	var ice *InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, "user_1", ice.UserID)
	assert.True(t, ice.Balance.Equal(dec("46.5")))
	assert.True(t, ice.Required.Equal(dec("100")))

	// Failed debit leaves the balance untouched.
	b, err := st.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("46.5")))
}

func TestDebit_CreditFloor(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("3"), "free")
	ctx := context.Background()

	// Floor is -1.0, so debiting 4 (landing exactly on the floor) is allowed.
	res, err := l.Debit(ctx, MutationRequest{UserID: "user_1", Amount: dec("4"), Reason: "test"})
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec("-1")))

	// One more step below the floor is not.
	_, err = l.Debit(ctx, MutationRequest{UserID: "user_1", Amount: dec("0.0001"), Reason: "test"})
	assert.True(t, IsInsufficientCredits(err))
}

func TestDebit_InvalidAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5"} {
		_, err := l.Debit(ctx, MutationRequest{UserID: "user_1", Amount: dec(amount), Reason: "test"})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %s", amount)
	}
}

func TestCredit_CreatesBalanceRow(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	// No row seeded; user reads as zero and the first credit creates it.
	res, err := l.Credit(ctx, MutationRequest{UserID: "new_user", Amount: dec("10"), Reason: "signup_grant"})
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.IsZero())
	assert.True(t, res.BalanceAfter.Equal(dec("10")))

	b, err := st.GetBalance(ctx, "new_user")
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("10")))
}

func TestDebitAvailableIn_Shortfall(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("2"), "free")
	ctx := context.Background()

	var res *MutationResult
	var shortfall decimal.Decimal
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		res, shortfall, err = l.DebitAvailableIn(ctx, tx, MutationRequest{
			UserID: "user_1",
			Amount: dec("5"),
			Reason: "settlement_underreserve",
		})
		return err
	})
	require.NoError(t, err)

	// Floor -1.0: 3.0 is collectable, 2.0 is shortfall.
	assert.True(t, res.BalanceAfter.Equal(dec("-1")), "after = %s", res.BalanceAfter)
	assert.True(t, shortfall.Equal(dec("2")), "shortfall = %s", shortfall)
}

func TestDebitAvailableIn_NoShortfall(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	var shortfall decimal.Decimal
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		_, shortfall, err = l.DebitAvailableIn(ctx, tx, MutationRequest{
			UserID: "user_1",
			Amount: dec("5"),
			Reason: "settlement_underreserve",
		})
		return err
	})
	require.NoError(t, err)
	assert.True(t, shortfall.IsZero())
}

func TestDebitAvailableIn_NothingCollectable(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("-1"), "free")
	ctx := context.Background()

	var res *MutationResult
	var shortfall decimal.Decimal
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		res, shortfall, err = l.DebitAvailableIn(ctx, tx, MutationRequest{
			UserID: "user_1",
			Amount: dec("3"),
			Reason: "settlement_underreserve",
		})
		return err
	})
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.Equal(res.BalanceAfter))
	assert.True(t, shortfall.Equal(dec("3")))
}

func TestAuditTrail(t *testing.T) {
	l, st := newTestLedger(t)
	st.SeedBalance("user_1", dec("50"), "free")
	ctx := context.Background()

	_, err := l.Debit(ctx, MutationRequest{
		UserID:        "user_1",
		Amount:        dec("5"),
		Reason:        "credit_reservation",
		RelatedEntity: "res_abc",
	})
	require.NoError(t, err)
	_, err = l.Credit(ctx, MutationRequest{
		UserID:        "user_1",
		Amount:        dec("1.5"),
		Reason:        "settlement_refund",
		RelatedEntity: "res_abc",
	})
	require.NoError(t, err)

	entries, err := l.AuditTrail(ctx, "user_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "credit", entries[0].Operation)
	assert.True(t, entries[0].Amount.Equal(dec("1.5")))
	assert.True(t, entries[0].BalanceBefore.Equal(dec("45")))
	assert.True(t, entries[0].BalanceAfter.Equal(dec("46.5")))
	assert.Equal(t, "res_abc", entries[0].RelatedEntity)

	assert.Equal(t, "debit", entries[1].Operation)
	assert.True(t, entries[1].Amount.Equal(dec("5")))
	assert.NotEmpty(t, entries[1].ID)
}

func TestGetBalance_MissingUserReadsZero(t *testing.T) {
	l, _ := newTestLedger(t)

	info, err := l.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, info.Balance.IsZero())
	assert.Equal(t, "free", info.Tier)
}

func TestConcurrentDebits_ExactlyAffordableSubset(t *testing.T) {
	_, st := newTestLedger(t)
	l2 := New(st, nil, Config{}, zerolog.Nop(), nil) // floor 0
	st.SeedBalance("user_1", dec("10"), "free")
	ctx := context.Background()

	// 20 concurrent debits of 1 credit against a balance of 10: exactly
	// 10 must succeed, the rest fail, and the final balance is 0.
	const n = 20
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l2.Debit(ctx, MutationRequest{
				UserID: "user_1",
				Amount: dec("1"),
				Reason: "concurrent_test",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, IsInsufficientCredits(err))
		}
	}
	assert.Equal(t, 10, succeeded)

	b, err := st.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero(), "final balance = %s", b.Amount)
}

func TestCeilCredits(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3.5", "4"},
		{"3.0001", "4"},
		{"3", "3"},
		{"0", "0"},
		{"0.0001", "1"},
	}
	for _, tc := range cases {
		got := CeilCredits(dec(tc.in))
		assert.True(t, got.Equal(dec(tc.want)), "ceil(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestNormalizeRounding(t *testing.T) {
	// Internal precision is four decimal places, half-up.
	assert.Equal(t, "1.2346", store.Normalize(dec("1.23456")).String())
	assert.Equal(t, "1.2345", store.Normalize(dec("1.2345")).String())
}
