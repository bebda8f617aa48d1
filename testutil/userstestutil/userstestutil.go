package userstestutil

import (
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/money"
)

// CreateUserOrFail creates a user with a random telegram id and username.
// The wallet is created alongside, with zero balances.
func CreateUserOrFail(t *testing.T, d *db.DB) users.User {
	username := gofakeit.Username()
	firstName := gofakeit.FirstName()
	u, err := users.Create(d, users.CreateUserArgs{
		TelegramID: int64(gofakeit.Number(1_000_000, 2_000_000_000)),
		Username:   &username,
		FirstName:  &firstName,
	})
	require.NoError(t, err)
	return u
}

// CreateUserWithBalanceOrFail creates a user and credits the given
// balance through the ledger, so the wallet reconciles
func CreateUserWithBalanceOrFail(t *testing.T, d *db.DB, currency money.Currency,
	balance decimal.Decimal) users.User {

	u := CreateUserOrFail(t, d)
	FundUserOrFail(t, d, u.ID, currency, balance)
	return u
}

// FundUserOrFail credits a balance directly, recording the matching
// deposit entry
func FundUserOrFail(t *testing.T, d *db.DB, userID int, currency money.Currency,
	amount decimal.Decimal) {

	tx := d.MustBegin()
	wallet, err := wallets.GetWithLock(tx, userID)
	require.NoError(t, err)

	update := wallets.BalanceUpdate{}
	var newBalance decimal.Decimal
	if currency == money.USDT {
		newBalance = wallet.BalanceUsdt.Add(amount)
		update.Usdt = &newBalance
	} else {
		newBalance = wallet.BalanceX.Add(amount)
		update.X = &newBalance
	}
	_, err = wallets.UpdateBalances(tx, wallet.ID, update)
	require.NoError(t, err)

	hash := gofakeit.UUID()
	_, err = transactions.Insert(tx, transactions.Transaction{
		WalletID:       wallet.ID,
		Type:           transactions.Deposit,
		Currency:       currency,
		Amount:         amount,
		BalanceAfter:   newBalance,
		ExternalTxHash: &hash,
	})
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
}
