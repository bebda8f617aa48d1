package ledger

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/money"
)

// Discrepancy is one wallet balance that does not equal the sum of its
// ledger entries
type Discrepancy struct {
	UserID   int
	Currency money.Currency
	// Balance is what the wallet row says
	Balance decimal.Decimal
	// LedgerSum is what the ledger entries add up to
	LedgerSum decimal.Decimal
}

// Reconcile walks every wallet and verifies each balance equals the sum
// of that wallet's ledger entries in the same currency. A non-empty
// result means a past bug or manual database edit, never a normal state.
func (l *Ledger) Reconcile() ([]Discrepancy, error) {
	type walletRow struct {
		UserID      int             `db:"user_id"`
		BalanceUsdt decimal.Decimal `db:"balance_usdt"`
		BalanceX    decimal.Decimal `db:"balance_x"`
	}
	var rows []walletRow
	err := l.db.Select(&rows,
		"SELECT user_id, balance_usdt, balance_x FROM wallets ORDER BY user_id")
	if err != nil {
		return nil, errors.Wrap(err, "could not list wallets")
	}

	var discrepancies []Discrepancy
	for _, row := range rows {
		for _, check := range []struct {
			currency money.Currency
			balance  decimal.Decimal
		}{
			{money.USDT, row.BalanceUsdt},
			{money.X, row.BalanceX},
		} {
			sum, err := transactions.SumForUser(l.db, row.UserID, check.currency)
			if err != nil {
				return nil, err
			}
			if !sum.Equal(check.balance) {
				discrepancies = append(discrepancies, Discrepancy{
					UserID:    row.UserID,
					Currency:  check.currency,
					Balance:   check.balance,
					LedgerSum: sum,
				})
			}
		}
	}

	if len(discrepancies) > 0 {
		log.WithFields(logrus.Fields{
			"wallets":       len(rows),
			"discrepancies": len(discrepancies),
		}).Error("Reconciliation found discrepancies")
	} else {
		log.WithField("wallets", len(rows)).Info("Reconciliation clean")
	}

	return discrepancies, nil
}
