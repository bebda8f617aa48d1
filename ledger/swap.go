package ledger

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/money"
	"github.com/zhigulin22/collectx/settings"
)

// SwapDirection says which currency the user gives up
type SwapDirection string

// The two swap directions
const (
	SwapUsdtToX SwapDirection = "usdt_to_x"
	SwapXToUsdt SwapDirection = "x_to_usdt"
)

// Valid reports whether the direction is a known one
func (d SwapDirection) Valid() bool {
	return d == SwapUsdtToX || d == SwapXToUsdt
}

// SwapResult describes a completed swap
type SwapResult struct {
	// Debited is the full amount taken from the source currency
	Debited decimal.Decimal
	// Fee is the platform fee, always expressed in USDT
	Fee decimal.Decimal
	// Credited is the amount added to the target currency
	Credited decimal.Decimal

	FromCurrency money.Currency
	ToCurrency   money.Currency

	// Rate is the X-per-USDT rate the swap was quoted at
	Rate decimal.Decimal

	DebitEntry  transactions.Transaction
	CreditEntry transactions.Transaction

	Wallet wallets.Wallet
}

// Swap converts between the user's USDT and X balances at the current
// rate. The fee is always charged on the USDT side: when swapping USDT
// to X the fee comes off the given amount before conversion, when
// swapping X to USDT it comes off the USDT proceeds.
func (l *Ledger) Swap(ctx context.Context, userID int, direction SwapDirection,
	amount decimal.Decimal) (SwapResult, error) {

	if !direction.Valid() {
		return SwapResult{}, apperr.New(apperr.KindBadRequest, "ERR_INVALID_SWAP_DIRECTION",
			"unknown swap direction %q", direction)
	}
	if !amount.IsPositive() {
		return SwapResult{}, apperr.ErrInvalidAmount
	}

	conf, err := l.settings.Swap()
	if err != nil {
		return SwapResult{}, err
	}
	if !conf.RateXPerUsdt.IsPositive() {
		return SwapResult{}, apperr.New(apperr.KindInternal, "ERR_RATE_NOT_CONFIGURED",
			"swap rate is not configured")
	}

	// the minimum is configured in USDT terms, scale it for X-side swaps
	minAmount := conf.MinSwapUsdt
	if direction == SwapXToUsdt {
		minAmount = conf.MinSwapUsdt.Mul(conf.RateXPerUsdt)
	}
	if amount.LessThan(minAmount) {
		return SwapResult{}, apperr.ErrAmountBelowMinimum
	}

	if err := users.CheckNotBlocked(l.db, userID); err != nil {
		return SwapResult{}, err
	}

	var result SwapResult
	err = db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		wallet, err := wallets.GetWithLock(tx, userID)
		if err != nil {
			return err
		}

		switch direction {
		case SwapUsdtToX:
			result, err = swapUsdtToX(tx, wallet, amount, conf)
		case SwapXToUsdt:
			result, err = swapXToUsdt(tx, wallet, amount, conf)
		}
		return err
	})
	if err != nil {
		return SwapResult{}, err
	}

	log.WithFields(logrus.Fields{
		"userId":    userID,
		"direction": direction,
		"debited":   result.Debited,
		"credited":  result.Credited,
		"fee":       result.Fee,
	}).Info("Executed swap")

	return result, nil
}

func swapUsdtToX(tx *sqlx.Tx, wallet wallets.Wallet, amount decimal.Decimal,
	conf settings.SwapConfig) (SwapResult, error) {

	newUsdt, err := money.Deduct(wallet.BalanceUsdt, amount, money.USDT)
	if err != nil {
		return SwapResult{}, err
	}

	fee := money.PercentFee(amount, conf.FeePercent)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return SwapResult{}, apperr.ErrFeeExceedsAmount
	}
	credited := net.Mul(conf.RateXPerUsdt)
	newX := wallet.BalanceX.Add(credited)

	updated, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
		Usdt: &newUsdt,
		X:    &newX,
	})
	if err != nil {
		return SwapResult{}, err
	}

	debit, credit, err := insertSwapEntries(tx, wallet.ID, swapEntries{
		fromCurrency: money.USDT,
		toCurrency:   money.X,
		debited:      amount,
		credited:     credited,
		fee:          fee,
		balanceFrom:  newUsdt,
		balanceTo:    newX,
	})
	if err != nil {
		return SwapResult{}, err
	}

	return SwapResult{
		Debited:      amount,
		Fee:          fee,
		Credited:     credited,
		FromCurrency: money.USDT,
		ToCurrency:   money.X,
		Rate:         conf.RateXPerUsdt,
		DebitEntry:   debit,
		CreditEntry:  credit,
		Wallet:       updated,
	}, nil
}

func swapXToUsdt(tx *sqlx.Tx, wallet wallets.Wallet, amount decimal.Decimal,
	conf settings.SwapConfig) (SwapResult, error) {

	newX, err := money.Deduct(wallet.BalanceX, amount, money.X)
	if err != nil {
		return SwapResult{}, err
	}

	gross := amount.Div(conf.RateXPerUsdt)
	fee := money.PercentFee(gross, conf.FeePercent)
	credited := gross.Sub(fee)
	if !credited.IsPositive() {
		return SwapResult{}, apperr.ErrFeeExceedsAmount
	}
	newUsdt := wallet.BalanceUsdt.Add(credited)

	updated, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
		Usdt: &newUsdt,
		X:    &newX,
	})
	if err != nil {
		return SwapResult{}, err
	}

	debit, credit, err := insertSwapEntries(tx, wallet.ID, swapEntries{
		fromCurrency: money.X,
		toCurrency:   money.USDT,
		debited:      amount,
		credited:     credited,
		fee:          fee,
		balanceFrom:  newX,
		balanceTo:    newUsdt,
	})
	if err != nil {
		return SwapResult{}, err
	}

	return SwapResult{
		Debited:      amount,
		Fee:          fee,
		Credited:     credited,
		FromCurrency: money.X,
		ToCurrency:   money.USDT,
		Rate:         conf.RateXPerUsdt,
		DebitEntry:   debit,
		CreditEntry:  credit,
		Wallet:       updated,
	}, nil
}

type swapEntries struct {
	fromCurrency money.Currency
	toCurrency   money.Currency
	debited      decimal.Decimal
	credited     decimal.Decimal
	fee          decimal.Decimal
	balanceFrom  decimal.Decimal
	balanceTo    decimal.Decimal
}

// insertSwapEntries appends the two ledger entries of one swap. The fee
// is recorded on the debit leg.
func insertSwapEntries(tx *sqlx.Tx, walletID int, e swapEntries) (
	transactions.Transaction, transactions.Transaction, error) {

	description := "swap " + string(e.fromCurrency) + " to " + string(e.toCurrency)

	debit, err := transactions.Insert(tx, transactions.Transaction{
		WalletID:     walletID,
		Type:         transactions.Swap,
		Currency:     e.fromCurrency,
		Amount:       e.debited.Neg(),
		BalanceAfter: e.balanceFrom,
		Fee:          &e.fee,
		Description:  &description,
	})
	if err != nil {
		return transactions.Transaction{}, transactions.Transaction{}, err
	}

	credit, err := transactions.Insert(tx, transactions.Transaction{
		WalletID:     walletID,
		Type:         transactions.Swap,
		Currency:     e.toCurrency,
		Amount:       e.credited,
		BalanceAfter: e.balanceTo,
		Description:  &description,
	})
	if err != nil {
		return transactions.Transaction{}, transactions.Transaction{}, err
	}

	return debit, credit, nil
}
