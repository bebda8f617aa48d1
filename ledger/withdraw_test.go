package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/models/withdrawals"
	"github.com/zhigulin22/collectx/money"
	"github.com/zhigulin22/collectx/settings"
	"github.com/zhigulin22/collectx/testutil/userstestutil"
)

const withdrawAddress = "EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF"

func TestCreateWithdrawRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("debits the full amount and opens a pending request", func(t *testing.T) {
		// defaults: fee 1 USDT, min 5, max 10000
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(50))

		request, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		require.NoError(t, err)

		assert.Equal(t, withdrawals.StatusPending, request.Status)
		assert.True(t, request.Amount.Equal(decimal.NewFromInt(10)))
		assert.True(t, request.Fee.Equal(decimal.NewFromInt(1)))
		assert.True(t, request.NetAmount.Equal(decimal.NewFromInt(9)))
		assert.Equal(t, withdrawAddress, request.ToAddress)
		require.NotNil(t, request.TransactionID)

		wallet, err := testLedger.Balance(user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(40)))
	})

	t.Run("notifies the user about the new pending request", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(20))

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		require.NoError(t, err)

		testNotifier.waitFor(t, func(n notification) bool {
			return n.event == "withdraw:"+string(withdrawals.StatusPending) &&
				n.userID == user.ID
		})
	})

	t.Run("normalizes raw addresses", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(20))

		raw := "0:ca6e321c7cce9ecedf0a8ca2492ec8592494aa5fb5ce0387dff96ef6af982a3e"
		request, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), raw)
		require.NoError(t, err)
		assert.Equal(t, withdrawAddress, request.ToAddress)
	})

	t.Run("rejects invalid addresses", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(20))

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), "not-an-address")
		assert.ErrorIs(t, err, apperr.ErrInvalidAddress)
	})

	t.Run("enforces minimum and maximum", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(50000))

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(4), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrAmountBelowMinimum)

		_, err = testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10001), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrAmountAboveMaximum)
	})

	t.Run("rejects an amount the fee would swallow", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(50))

		// raise the fee to the minimum so amount == fee is reachable
		require.NoError(t, testSettings.Set(settings.KeyWithdrawFee, "5"))
		defer func() {
			require.NoError(t, testSettings.Set(settings.KeyWithdrawFee, "1"))
		}()

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(5), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrFeeExceedsAmount)
	})

	t.Run("caps the number of active requests", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(1000))

		for i := 0; i < 3; i++ {
			_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
				decimal.NewFromInt(10), withdrawAddress)
			require.NoError(t, err)
		}

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrTooManyActiveWithdrawals)

		// finishing one frees a slot
		requests, err := testLedger.ListWithdrawRequests(user.ID, 10, 0)
		require.NoError(t, err)
		hash := "completed-tx"
		_, err = testLedger.UpdateWithdrawStatus(ctx, "admin", requests[0].ID,
			withdrawals.StatusCompleted, &hash, nil)
		require.NoError(t, err)

		_, err = testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		assert.NoError(t, err)
	})

	t.Run("rejects insufficient balance", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(5))

		_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrInsufficientUsdt)
	})

	t.Run("rejects a blocked user", func(t *testing.T) {
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(50))
		_, err := testLedger.BlockUser("admin", user.ID, "test")
		require.NoError(t, err)

		_, err = testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		assert.ErrorIs(t, err, apperr.ErrUserBlocked)
	})
}

func TestUpdateWithdrawStatus(t *testing.T) {
	ctx := context.Background()

	createRequest := func(t *testing.T) (int, withdrawals.WithdrawRequest) {
		t.Helper()
		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
			decimal.NewFromInt(50))
		request, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
			decimal.NewFromInt(10), withdrawAddress)
		require.NoError(t, err)
		return user.ID, request
	}

	t.Run("completing records the tx hash and keeps the debit", func(t *testing.T) {
		userID, request := createRequest(t)

		hash := "onchain-hash-1"
		updated, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCompleted, &hash, nil)
		require.NoError(t, err)

		assert.Equal(t, withdrawals.StatusCompleted, updated.Status)
		require.NotNil(t, updated.TxHash)
		assert.Equal(t, hash, *updated.TxHash)

		wallet, err := testLedger.Balance(userID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(40)))
	})

	t.Run("completing requires a tx hash", func(t *testing.T) {
		_, request := createRequest(t)

		_, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCompleted, nil, nil)
		assert.Error(t, err)
	})

	t.Run("cancelling refunds the full amount", func(t *testing.T) {
		userID, request := createRequest(t)

		updated, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCancelled, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, withdrawals.StatusCancelled, updated.Status)

		wallet, err := testLedger.Balance(userID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(50)),
			"balance %s", wallet.BalanceUsdt)
	})

	t.Run("failing after processing refunds once", func(t *testing.T) {
		userID, request := createRequest(t)

		_, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusProcessing, nil, nil)
		require.NoError(t, err)

		reason := "chain rejected"
		_, err = testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusFailed, nil, &reason)
		require.NoError(t, err)

		wallet, err := testLedger.Balance(userID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(50)))
	})

	t.Run("a terminal request never refunds again", func(t *testing.T) {
		userID, request := createRequest(t)

		_, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCancelled, nil, nil)
		require.NoError(t, err)

		// cancelling again, failing, or completing are all rejected
		_, err = testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCancelled, nil, nil)
		assert.Error(t, err)

		reason := "late failure"
		_, err = testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusFailed, nil, &reason)
		assert.Error(t, err)

		wallet, err := testLedger.Balance(userID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(50)),
			"refund must have happened exactly once, balance %s", wallet.BalanceUsdt)
	})

	t.Run("completed requests cannot fail afterwards", func(t *testing.T) {
		userID, request := createRequest(t)

		hash := "onchain-hash-2"
		_, err := testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusCompleted, &hash, nil)
		require.NoError(t, err)

		reason := "spurious webhook"
		_, err = testLedger.UpdateWithdrawStatus(ctx, "admin", request.ID,
			withdrawals.StatusFailed, nil, &reason)
		assert.Error(t, err)

		wallet, err := testLedger.Balance(userID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(40)),
			"no refund for a completed withdrawal, balance %s", wallet.BalanceUsdt)
	})

	t.Run("unknown requests map to not found", func(t *testing.T) {
		_, err := testLedger.UpdateWithdrawStatus(ctx, "admin", 99999999,
			withdrawals.StatusCancelled, nil, nil)
		assert.ErrorIs(t, err, apperr.ErrWithdrawRequestNotFound)
	})
}

// TestConcurrentWithdrawals drives two overlapping withdrawals that
// together exceed the balance. Exactly one must win.
func TestConcurrentWithdrawals(t *testing.T) {
	ctx := context.Background()

	user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.USDT,
		decimal.NewFromInt(15))

	withdraw := func() error {
		for {
			_, err := testLedger.CreateWithdrawRequest(ctx, user.ID,
				decimal.NewFromInt(10), withdrawAddress)
			if errors.Is(err, apperr.ErrSerializationConflict) {
				continue
			}
			return err
		}
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = withdraw()
		}(i)
	}
	wg.Wait()

	var successes, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperr.ErrInsufficientUsdt):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one withdrawal may win")
	assert.Equal(t, 1, insufficient)

	wallet, err := testLedger.Balance(user.ID)
	require.NoError(t, err)
	assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(5)),
		"balance %s", wallet.BalanceUsdt)
}
