package ledger

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/money"
)

// DepositNotification is one incoming blockchain transfer as reported by
// the chain watcher webhook. Memo carries the user reference the sender
// attached, a telegram id or a username.
type DepositNotification struct {
	TxHash      string
	Amount      decimal.Decimal
	Memo        string
	FromAddress string
}

// DepositOutcome classifies what happened to a deposit notification
type DepositOutcome string

// The deposit outcomes. Only Credited moved money, the rest describe why
// the notification was set aside. None of them is a webhook failure: the
// sender gets an acknowledgement either way so it does not redeliver.
const (
	// DepositCredited means the wallet was credited
	DepositCredited DepositOutcome = "credited"
	// DepositDuplicate means this tx hash was already processed
	DepositDuplicate DepositOutcome = "duplicate"
	// DepositUnmatched means the memo resolved to no user
	DepositUnmatched DepositOutcome = "unmatched"
	// DepositRejected means the matched account cannot receive funds
	DepositRejected DepositOutcome = "rejected"
)

// DepositResult is the outcome of processing one notification
type DepositResult struct {
	Outcome DepositOutcome
	// Reason is set for non-credited outcomes
	Reason string
	// UserID and Entry are set when the outcome is Credited
	UserID int
	Entry  transactions.Transaction
}

// ProcessDeposit credits an incoming blockchain transfer to the user the
// memo names. Processing is idempotent on the tx hash: replaying the same
// notification is a no-op reported as a duplicate. Failures to match or
// credit are outcomes, not errors, so the webhook can acknowledge and a
// human can review the set-aside notifications.
func (l *Ledger) ProcessDeposit(ctx context.Context, dep DepositNotification) (DepositResult, error) {
	if dep.TxHash == "" {
		return DepositResult{}, errors.New("deposit notification without tx hash")
	}
	if !dep.Amount.IsPositive() {
		return DepositResult{
			Outcome: DepositRejected,
			Reason:  "non-positive amount",
		}, nil
	}

	// fast path, the unique index below remains the authoritative check
	seen, err := transactions.ExistsWithExternalHash(l.db, dep.TxHash)
	if err != nil {
		return DepositResult{}, err
	}
	if seen {
		return DepositResult{
			Outcome: DepositDuplicate,
			Reason:  "tx hash already processed",
		}, nil
	}

	user, err := users.Resolve(l.db, strings.TrimSpace(dep.Memo))
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return DepositResult{
				Outcome: DepositUnmatched,
				Reason:  "memo matches no user",
			}, nil
		}
		return DepositResult{}, err
	}
	if user.Blocked {
		return DepositResult{
			Outcome: DepositRejected,
			Reason:  "account is blocked",
		}, nil
	}

	var entry transactions.Transaction
	err = db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		wallet, err := wallets.GetWithLock(tx, user.ID)
		if err != nil {
			return err
		}
		newUsdt := wallet.BalanceUsdt.Add(dep.Amount)
		if _, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
			Usdt: &newUsdt,
		}); err != nil {
			return err
		}

		description := "deposit from " + dep.FromAddress
		entry, err = transactions.Insert(tx, transactions.Transaction{
			WalletID:       wallet.ID,
			Type:           transactions.Deposit,
			Currency:       money.USDT,
			Amount:         dep.Amount,
			BalanceAfter:   newUsdt,
			Description:    &description,
			ExternalTxHash: &dep.TxHash,
		})
		return err
	})
	if err != nil {
		// two replays raced past the fast path, the unique index caught it
		if errors.Is(err, apperr.ErrAlreadyProcessed) {
			return DepositResult{
				Outcome: DepositDuplicate,
				Reason:  "tx hash already processed",
			}, nil
		}
		return DepositResult{}, err
	}

	log.WithFields(logrus.Fields{
		"userId": user.ID,
		"amount": dep.Amount,
		"txHash": dep.TxHash,
	}).Info("Credited deposit")

	l.notify("deposit credited", func() error {
		return l.notifier.DepositCredited(user.ID, dep.Amount, dep.TxHash)
	})

	return DepositResult{
		Outcome: DepositCredited,
		UserID:  user.ID,
		Entry:   entry,
	}, nil
}
