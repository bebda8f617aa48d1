package ledger_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/money"
	"github.com/zhigulin22/collectx/testutil/userstestutil"
)

func TestPreviewAndConfirmSend(t *testing.T) {
	ctx := context.Background()

	t.Run("quotes the fee and moves the money on confirm", func(t *testing.T) {
		// defaults: fee 0.5 X, min 1 X
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		preview, err := testLedger.PreviewSend(sender.ID,
			strconv.FormatInt(recipient.TelegramID, 10), decimal.NewFromInt(10))
		require.NoError(t, err)

		assert.True(t, preview.Fee.Equal(decimal.RequireFromString("0.5")))
		assert.True(t, preview.TotalDebit.Equal(decimal.RequireFromString("10.5")))
		assert.NotEmpty(t, preview.Token)

		result, err := testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		require.NoError(t, err)

		assert.True(t, result.SenderWallet.BalanceX.Equal(decimal.RequireFromString("89.5")),
			"sender balance %s", result.SenderWallet.BalanceX)

		recipientWallet, err := testLedger.Balance(recipient.ID)
		require.NoError(t, err)
		assert.True(t, recipientWallet.BalanceX.Equal(decimal.NewFromInt(10)))
	})

	t.Run("records both ledger entries with counterparties", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(50))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		preview, err := testLedger.PreviewSend(sender.ID, *recipient.Username,
			decimal.NewFromInt(5))
		require.NoError(t, err)

		result, err := testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		require.NoError(t, err)

		assert.Equal(t, transactions.Send, result.SenderEntry.Type)
		assert.True(t, result.SenderEntry.Amount.Equal(decimal.RequireFromString("-5.5")))
		require.NotNil(t, result.SenderEntry.RelatedUserID)
		assert.Equal(t, recipient.ID, *result.SenderEntry.RelatedUserID)

		assert.Equal(t, transactions.Receive, result.RecipientEntry.Type)
		assert.True(t, result.RecipientEntry.Amount.Equal(decimal.NewFromInt(5)))
		require.NotNil(t, result.RecipientEntry.RelatedUserID)
		assert.Equal(t, sender.ID, *result.RecipientEntry.RelatedUserID)
	})

	t.Run("a token cannot be confirmed twice", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		preview, err := testLedger.PreviewSend(sender.ID, "@"+*recipient.Username,
			decimal.NewFromInt(2))
		require.NoError(t, err)

		_, err = testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		require.NoError(t, err)

		_, err = testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		assert.ErrorIs(t, err, apperr.ErrInvalidSendToken)

		// the balance only moved once
		wallet, err := testLedger.Balance(recipient.ID)
		require.NoError(t, err)
		assert.True(t, wallet.BalanceX.Equal(decimal.NewFromInt(2)))
	})

	t.Run("a token is bound to the sender", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		other := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		preview, err := testLedger.PreviewSend(sender.ID, *recipient.Username,
			decimal.NewFromInt(2))
		require.NoError(t, err)

		_, err = testLedger.ConfirmSend(ctx, other.ID, preview.Token)
		assert.ErrorIs(t, err, apperr.ErrInvalidSendToken)
	})

	t.Run("garbage tokens are rejected", func(t *testing.T) {
		sender := userstestutil.CreateUserOrFail(t, testDB)
		_, err := testLedger.ConfirmSend(ctx, sender.ID, "not.a.token")
		assert.ErrorIs(t, err, apperr.ErrInvalidSendToken)
	})

	t.Run("failed transfer does not consume the token", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(11))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		preview, err := testLedger.PreviewSend(sender.ID, *recipient.Username,
			decimal.NewFromInt(10))
		require.NoError(t, err)

		// drain the sender below the quoted total before confirming
		_, err = testLedger.Send(context.Background(), sender.ID, *recipient.Username,
			decimal.NewFromInt(5))
		require.NoError(t, err)

		_, err = testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		assert.ErrorIs(t, err, apperr.ErrInsufficientX)

		// token is still usable once the failure cause is gone
		userstestutil.FundUserOrFail(t, testDB, sender.ID, money.X, decimal.NewFromInt(20))
		_, err = testLedger.ConfirmSend(ctx, sender.ID, preview.Token)
		assert.NoError(t, err)
	})
}

func TestPreviewSendValidation(t *testing.T) {
	t.Run("rejects self transfers", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))

		_, err := testLedger.PreviewSend(sender.ID, *sender.Username, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, apperr.ErrSelfTransfer)
	})

	t.Run("rejects unknown recipients", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))

		_, err := testLedger.PreviewSend(sender.ID, "nobody_here_xyz", decimal.NewFromInt(5))
		assert.ErrorIs(t, err, apperr.ErrUserNotFound)
	})

	t.Run("rejects amounts below the minimum", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		_, err := testLedger.PreviewSend(sender.ID, *recipient.Username,
			decimal.RequireFromString("0.5"))
		assert.ErrorIs(t, err, apperr.ErrAmountBelowMinimum)
	})

	t.Run("rejects a balance that cannot cover amount plus fee", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(10))
		recipient := userstestutil.CreateUserOrFail(t, testDB)

		// exactly 10 X cannot cover 10 + 0.5 fee
		_, err := testLedger.PreviewSend(sender.ID, *recipient.Username, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrInsufficientX)
	})

	t.Run("rejects blocked counterparties", func(t *testing.T) {
		sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
			decimal.NewFromInt(100))
		recipient := userstestutil.CreateUserOrFail(t, testDB)
		_, err := testLedger.BlockUser("admin", recipient.ID, "test")
		require.NoError(t, err)

		_, err = testLedger.PreviewSend(sender.ID, *recipient.Username, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, apperr.ErrUserBlocked)
	})
}

func TestSendNotifiesRecipient(t *testing.T) {
	ctx := context.Background()

	sender := userstestutil.CreateUserWithBalanceOrFail(t, testDB, money.X,
		decimal.NewFromInt(100))
	recipient := userstestutil.CreateUserOrFail(t, testDB)

	_, err := testLedger.Send(ctx, sender.ID, *recipient.Username, decimal.NewFromInt(3))
	require.NoError(t, err)

	testNotifier.waitFor(t, func(n notification) bool {
		return n.event == "transfer" && n.userID == recipient.ID
	})
}
