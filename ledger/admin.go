package ledger

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/audit"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/money"
)

// AdjustBalance applies a signed admin correction to one balance. The
// adjustment goes through the ledger like any other change: a positive
// delta is recorded as a deposit entry, a negative one as a withdraw
// entry, and the resulting balance may never go negative. Every
// adjustment lands in the audit log with its reason.
func (l *Ledger) AdjustBalance(ctx context.Context, actor string, userID int,
	currency money.Currency, delta decimal.Decimal, reason string) (wallets.Wallet, error) {

	if !currency.Valid() {
		return wallets.Wallet{}, apperr.New(apperr.KindBadRequest, "ERR_INVALID_CURRENCY",
			"unknown currency %q", currency)
	}
	if delta.IsZero() {
		return wallets.Wallet{}, apperr.ErrInvalidAmount
	}
	if reason == "" {
		return wallets.Wallet{}, apperr.New(apperr.KindBadRequest, "ERR_MISSING_REASON",
			"balance adjustments require a reason")
	}

	var updated wallets.Wallet
	err := db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		wallet, err := wallets.GetWithLock(tx, userID)
		if err != nil {
			return err
		}

		balance := wallet.BalanceUsdt
		if currency == money.X {
			balance = wallet.BalanceX
		}
		newBalance := balance.Add(delta)
		if newBalance.IsNegative() {
			return money.InsufficientBalanceError(currency)
		}

		update := wallets.BalanceUpdate{}
		if currency == money.USDT {
			update.Usdt = &newBalance
		} else {
			update.X = &newBalance
		}
		updated, err = wallets.UpdateBalances(tx, wallet.ID, update)
		if err != nil {
			return err
		}

		entryType := transactions.Deposit
		if delta.IsNegative() {
			entryType = transactions.Withdraw
		}
		description := "admin adjustment: " + reason
		_, err = transactions.Insert(tx, transactions.Transaction{
			WalletID:     wallet.ID,
			Type:         entryType,
			Currency:     currency,
			Amount:       delta,
			BalanceAfter: newBalance,
			Description:  &description,
		})
		return err
	})
	if err != nil {
		return wallets.Wallet{}, err
	}

	log.WithFields(logrus.Fields{
		"userId":   userID,
		"currency": currency,
		"delta":    delta,
		"actor":    actor,
	}).Info("Adjusted balance")

	audit.Record(l.db, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionBalanceAdjust,
		TargetType: stringPtr("user"),
		TargetID:   intPtrString(userID),
		Details: audit.MarshalDetails(map[string]interface{}{
			"currency": currency,
			"delta":    delta,
			"reason":   reason,
		}),
	})

	return updated, nil
}

// BlockUser stops a user from moving money in any direction. Operations
// already past their block check and inside a financial transaction are
// unaffected, everything after fails fast.
func (l *Ledger) BlockUser(actor string, userID int, reason string) (users.User, error) {
	user, err := users.SetBlocked(l.db, userID, true)
	if err != nil {
		return users.User{}, err
	}

	log.WithFields(logrus.Fields{
		"userId": userID,
		"actor":  actor,
	}).Info("Blocked user")

	audit.Record(l.db, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionUserBlock,
		TargetType: stringPtr("user"),
		TargetID:   intPtrString(userID),
		Details: audit.MarshalDetails(map[string]interface{}{
			"reason": reason,
		}),
	})

	return user, nil
}

// UnblockUser lifts a block
func (l *Ledger) UnblockUser(actor string, userID int) (users.User, error) {
	user, err := users.SetBlocked(l.db, userID, false)
	if err != nil {
		return users.User{}, err
	}

	log.WithFields(logrus.Fields{
		"userId": userID,
		"actor":  actor,
	}).Info("Unblocked user")

	audit.Record(l.db, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionUserUnblock,
		TargetType: stringPtr("user"),
		TargetID:   intPtrString(userID),
	})

	return user, nil
}
