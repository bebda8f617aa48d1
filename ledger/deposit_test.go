package ledger_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhigulin22/collectx/ledger"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/money"
	"github.com/zhigulin22/collectx/testutil/userstestutil"
)

func TestProcessDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("credits the user the memo names", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		result, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash:      gofakeit.UUID(),
			Amount:      decimal.RequireFromString("12.5"),
			Memo:        strconv.FormatInt(user.TelegramID, 10),
			FromAddress: "EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF",
		})
		require.NoError(t, err)

		assert.Equal(t, ledger.DepositCredited, result.Outcome)
		assert.Equal(t, user.ID, result.UserID)
		assert.Equal(t, transactions.Deposit, result.Entry.Type)

		wallet, err := testLedger.Balance(user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.RequireFromString("12.5")))
	})

	t.Run("memo can be a username", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		result, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.NewFromInt(5),
			Memo:   "@" + *user.Username,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositCredited, result.Outcome)
		assert.Equal(t, user.ID, result.UserID)
	})

	t.Run("replaying the same notification is a duplicate no-op", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		notification := ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.NewFromInt(7),
			Memo:   strconv.FormatInt(user.TelegramID, 10),
		}

		first, err := testLedger.ProcessDeposit(ctx, notification)
		require.NoError(t, err)
		require.Equal(t, ledger.DepositCredited, first.Outcome)

		second, err := testLedger.ProcessDeposit(ctx, notification)
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositDuplicate, second.Outcome)

		// credited exactly once
		wallet, err := testLedger.Balance(user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.Equal(decimal.NewFromInt(7)),
			"balance %s", wallet.BalanceUsdt)
	})

	t.Run("unmatched memo is set aside, not an error", func(t *testing.T) {
		result, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.NewFromInt(3),
			Memo:   "nobody_at_all_" + gofakeit.Username(),
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositUnmatched, result.Outcome)
		assert.NotEmpty(t, result.Reason)
	})

	t.Run("blocked users cannot receive deposits", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)
		_, err := testLedger.BlockUser("admin", user.ID, "test")
		require.NoError(t, err)

		result, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.NewFromInt(3),
			Memo:   strconv.FormatInt(user.TelegramID, 10),
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositRejected, result.Outcome)

		wallet, err := testLedger.Balance(user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceUsdt.IsZero())
	})

	t.Run("non-positive amounts are rejected", func(t *testing.T) {
		result, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.Zero,
			Memo:   "whatever",
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.DepositRejected, result.Outcome)
	})

	t.Run("missing tx hash is a hard error", func(t *testing.T) {
		_, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			Amount: decimal.NewFromInt(1),
			Memo:   "whatever",
		})
		assert.Error(t, err)
	})

	t.Run("credited deposits notify the user", func(t *testing.T) {
		user := userstestutil.CreateUserOrFail(t, testDB)

		_, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
			TxHash: gofakeit.UUID(),
			Amount: decimal.NewFromInt(2),
			Memo:   strconv.FormatInt(user.TelegramID, 10),
		})
		require.NoError(t, err)

		testNotifier.waitFor(t, func(n notification) bool {
			return n.event == "deposit" && n.userID == user.ID
		})
	})
}

func TestDepositHistoryShowsUp(t *testing.T) {
	ctx := context.Background()
	user := userstestutil.CreateUserOrFail(t, testDB)

	hash := gofakeit.UUID()
	_, err := testLedger.ProcessDeposit(ctx, ledger.DepositNotification{
		TxHash: hash,
		Amount: decimal.NewFromInt(20),
		Memo:   strconv.FormatInt(user.TelegramID, 10),
	})
	require.NoError(t, err)

	history, total, err := testLedger.History(user.ID, transactions.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, history, 1)
	assert.Equal(t, transactions.Deposit, history[0].Type)
	require.NotNil(t, history[0].ExternalTxHash)
	assert.Equal(t, hash, *history[0].ExternalTxHash)
	assert.True(t, history[0].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, money.USDT, history[0].Currency)
}
