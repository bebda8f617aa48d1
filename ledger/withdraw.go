package ledger

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/audit"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/models/withdrawals"
	"github.com/zhigulin22/collectx/money"
	"github.com/zhigulin22/collectx/ton"
)

// CreateWithdrawRequest debits the full amount from the user's USDT
// balance and opens a PENDING withdraw request for the net amount. The
// fee stays debited whatever happens next, a later refund returns the
// full amount.
func (l *Ledger) CreateWithdrawRequest(ctx context.Context, userID int,
	amount decimal.Decimal, toAddress string) (withdrawals.WithdrawRequest, error) {

	if !amount.IsPositive() {
		return withdrawals.WithdrawRequest{}, apperr.ErrInvalidAmount
	}

	address, err := ton.Parse(toAddress)
	if err != nil {
		return withdrawals.WithdrawRequest{}, apperr.ErrInvalidAddress
	}

	conf, err := l.settings.Withdraw()
	if err != nil {
		return withdrawals.WithdrawRequest{}, err
	}
	if amount.LessThan(conf.MinAmount) {
		return withdrawals.WithdrawRequest{}, apperr.ErrAmountBelowMinimum
	}
	if amount.GreaterThan(conf.MaxAmount) {
		return withdrawals.WithdrawRequest{}, apperr.ErrAmountAboveMaximum
	}
	netAmount := amount.Sub(conf.Fee)
	if !netAmount.IsPositive() {
		return withdrawals.WithdrawRequest{}, apperr.ErrFeeExceedsAmount
	}

	if err := users.CheckNotBlocked(l.db, userID); err != nil {
		return withdrawals.WithdrawRequest{}, err
	}

	var request withdrawals.WithdrawRequest
	err = db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		// counting inside the serializable tx closes the race where the
		// same user fires several requests at once
		active, err := withdrawals.CountActive(tx, userID)
		if err != nil {
			return err
		}
		if active >= conf.MaxActiveRequests {
			return apperr.ErrTooManyActiveWithdrawals
		}

		wallet, err := wallets.GetWithLock(tx, userID)
		if err != nil {
			return err
		}
		newUsdt, err := money.Deduct(wallet.BalanceUsdt, amount, money.USDT)
		if err != nil {
			return err
		}
		if _, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
			Usdt: &newUsdt,
		}); err != nil {
			return err
		}

		description := "withdrawal to " + address.Friendly()
		entry, err := transactions.Insert(tx, transactions.Transaction{
			WalletID:     wallet.ID,
			Type:         transactions.Withdraw,
			Currency:     money.USDT,
			Amount:       amount.Neg(),
			BalanceAfter: newUsdt,
			Fee:          &conf.Fee,
			Description:  &description,
		})
		if err != nil {
			return err
		}

		request, err = withdrawals.Insert(tx, withdrawals.WithdrawRequest{
			UserID:        userID,
			Amount:        amount,
			Fee:           conf.Fee,
			NetAmount:     netAmount,
			ToAddress:     address.Friendly(),
			Status:        withdrawals.StatusPending,
			TransactionID: &entry.ID,
		})
		return err
	})
	if err != nil {
		return withdrawals.WithdrawRequest{}, err
	}

	log.WithFields(logrus.Fields{
		"userId":    userID,
		"requestId": request.ID,
		"amount":    amount,
		"net":       netAmount,
	}).Info("Created withdraw request")

	l.notify("withdraw created", func() error {
		return l.notifier.WithdrawStatusChanged(
			userID, request.ID, string(withdrawals.StatusPending))
	})

	return request, nil
}

// UpdateWithdrawStatus drives a withdraw request through its lifecycle.
// Moving into FAILED or CANCELLED refunds the full amount exactly once:
// the prior status is re-read under lock, and only a still refundable
// request triggers the refund leg.
func (l *Ledger) UpdateWithdrawStatus(ctx context.Context, actor string, requestID int,
	status withdrawals.Status, txHash, failReason *string) (withdrawals.WithdrawRequest, error) {

	if !status.Valid() {
		return withdrawals.WithdrawRequest{}, apperr.New(apperr.KindBadRequest,
			"ERR_INVALID_WITHDRAW_STATUS", "unknown withdraw status %q", status)
	}
	if status == withdrawals.StatusCompleted && (txHash == nil || *txHash == "") {
		return withdrawals.WithdrawRequest{}, apperr.New(apperr.KindBadRequest,
			"ERR_MISSING_TX_HASH", "completing a withdrawal requires the blockchain tx hash")
	}

	var updated withdrawals.WithdrawRequest
	var refunded bool
	err := db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		refunded = false

		request, err := withdrawals.GetWithLock(tx, requestID)
		if err != nil {
			return err
		}
		if err := validateStatusTransition(request.Status, status); err != nil {
			return err
		}

		if statusNeedsRefund(status) {
			if !request.Status.Refundable() {
				return apperr.ErrWithdrawNotRefundable
			}
			if err := refundWithdrawal(tx, request); err != nil {
				return err
			}
			refunded = true
		}

		updated, err = withdrawals.UpdateStatus(tx, requestID, status, txHash, failReason)
		return err
	})
	if err != nil {
		return withdrawals.WithdrawRequest{}, err
	}

	log.WithFields(logrus.Fields{
		"requestId": requestID,
		"status":    status,
		"refunded":  refunded,
		"actor":     actor,
	}).Info("Updated withdraw request")

	action := audit.ActionWithdrawApprove
	if statusNeedsRefund(status) {
		action = audit.ActionWithdrawReject
	}
	audit.Record(l.db, audit.Entry{
		Actor:      actor,
		Action:     action,
		TargetType: stringPtr("withdraw_request"),
		TargetID:   intPtrString(requestID),
		Details: audit.MarshalDetails(map[string]interface{}{
			"status":   status,
			"refunded": refunded,
		}),
	})

	l.notify("withdraw status changed", func() error {
		return l.notifier.WithdrawStatusChanged(updated.UserID, requestID, string(status))
	})

	return updated, nil
}

// statusNeedsRefund reports whether entering the status returns the
// debited funds
func statusNeedsRefund(status withdrawals.Status) bool {
	return status == withdrawals.StatusFailed || status == withdrawals.StatusCancelled
}

// validateStatusTransition enforces the request lifecycle: terminal
// states never change again, and PROCESSING cannot fall back to PENDING
func validateStatusTransition(from, to withdrawals.Status) error {
	if from == to {
		return apperr.ErrAlreadyProcessed
	}
	if !from.Refundable() {
		// COMPLETED, FAILED and CANCELLED are terminal
		return apperr.New(apperr.KindConflict, "ERR_WITHDRAW_TERMINAL",
			"withdraw request is already %s", from)
	}
	if to == withdrawals.StatusPending {
		return apperr.New(apperr.KindBadRequest, "ERR_INVALID_WITHDRAW_STATUS",
			"cannot move a withdraw request back to %s", to)
	}
	return nil
}

// refundWithdrawal credits the full debited amount back and appends the
// matching ledger entry. Caller must hold the request lock and have
// verified the request is refundable.
func refundWithdrawal(tx *sqlx.Tx, request withdrawals.WithdrawRequest) error {
	wallet, err := wallets.GetWithLock(tx, request.UserID)
	if err != nil {
		return err
	}
	newUsdt := wallet.BalanceUsdt.Add(request.Amount)
	if _, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
		Usdt: &newUsdt,
	}); err != nil {
		return err
	}

	description := "withdrawal refund"
	_, err = transactions.Insert(tx, transactions.Transaction{
		WalletID:     wallet.ID,
		Type:         transactions.Deposit,
		Currency:     money.USDT,
		Amount:       request.Amount,
		BalanceAfter: newUsdt,
		Description:  &description,
	})
	return err
}

// ListWithdrawRequests returns a page of the user's withdraw requests,
// newest first
func (l *Ledger) ListWithdrawRequests(userID, limit, offset int) (
	[]withdrawals.WithdrawRequest, error) {
	return withdrawals.GetForUser(l.db, userID, limit, offset)
}

func stringPtr(s string) *string {
	return &s
}

func intPtrString(i int) *string {
	s := strconv.Itoa(i)
	return &s
}
