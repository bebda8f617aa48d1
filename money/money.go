// Package money holds the arithmetic rules for balances and amounts.
// Every monetary value in collectx is a shopspring decimal, serialized as a
// decimal string. Binary floats never touch a balance: 0.1 has no exact
// float64 representation and repeated arithmetic would drift.
package money

import (
	"github.com/shopspring/decimal"

	"github.com/zhigulin22/collectx/apperr"
)

// Currency enumerates the two currencies a wallet holds
type Currency string

const (
	// USDT is the stablecoin balance
	USDT Currency = "USDT"
	// X is the internal platform token
	X Currency = "X"
)

// Valid reports whether the currency is one of the two known ones
func (c Currency) Valid() bool {
	return c == USDT || c == X
}

// Zero is the zero amount
var Zero = decimal.Zero

// ParseAmount parses a user supplied amount string. The amount must be a
// well-formed decimal and strictly positive.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.ErrInvalidAmount
	}
	if !d.IsPositive() {
		return decimal.Zero, apperr.ErrInvalidAmount
	}
	return d, nil
}

// Deduct returns balance - amount, failing with the currency specific
// insufficient balance error if the balance doesn't cover the amount.
// Pure function, no I/O.
func Deduct(balance, amount decimal.Decimal, currency Currency) (decimal.Decimal, error) {
	if balance.LessThan(amount) {
		return decimal.Zero, InsufficientBalanceError(currency)
	}
	return balance.Sub(amount), nil
}

// InsufficientBalanceError returns the insufficient balance error for the
// given currency
func InsufficientBalanceError(currency Currency) error {
	if currency == X {
		return apperr.ErrInsufficientX
	}
	return apperr.ErrInsufficientUsdt
}

// PercentFee computes amount * percent / 100
func PercentFee(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100))
}
