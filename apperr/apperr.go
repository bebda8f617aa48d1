// Package apperr defines the error values the ledger core can fail with.
// Every business rule violation is a typed, recoverable error with a stable
// machine-readable code and a human message. The HTTP layer maps Kind to a
// status code, the ledger core itself only deals in these values.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of an Error, roughly mapping to an
// HTTP status class one layer up.
type Kind int

const (
	// KindBadRequest is malformed input, invalid addresses, self transfers
	KindBadRequest Kind = iota
	// KindForbidden is a blocked account
	KindForbidden
	// KindNotFound is a missing wallet, user or withdraw request
	KindNotFound
	// KindInsufficientBalance is a deduction exceeding the current balance
	KindInsufficientBalance
	// KindMinimumAmount is an amount below the configured minimum
	KindMinimumAmount
	// KindConflict is an idempotent no-op, not a true failure
	KindConflict
	// KindInternal is unexpected failures, timeouts and serialization
	// conflicts
	KindInternal
)

// Error is a typed, recoverable error with a stable machine-readable code.
type Error struct {
	err  error
	code string
	kind Kind
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.err)
}

// Code returns the stable machine-readable code of this error
func (e Error) Code() string {
	return e.code
}

// Kind returns the error classification
func (e Error) Kind() Kind {
	return e.kind
}

// Message returns the human readable part of the error
func (e Error) Message() string {
	return e.err.Error()
}

// Is compares errors by their stable code
func (e Error) Is(err error) bool {
	var other Error
	if errors.As(err, &other) {
		return e.code == other.code
	}
	return false
}

// New creates an error with the given code and kind. Exposed so operation
// services can construct one-off errors carrying dynamic messages.
func New(kind Kind, code string, format string, args ...interface{}) Error {
	return Error{
		err:  fmt.Errorf(format, args...),
		code: code,
		kind: kind,
	}
}

var (
	// ErrWalletNotFound means no wallet exists for the given user
	ErrWalletNotFound = Error{
		err:  errors.New("wallet not found"),
		code: "ERR_WALLET_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrUserNotFound means no user matched the given id or lookup key
	ErrUserNotFound = Error{
		err:  errors.New("user not found"),
		code: "ERR_USER_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrWithdrawRequestNotFound means no withdraw request with the given id exists
	ErrWithdrawRequestNotFound = Error{
		err:  errors.New("withdraw request not found"),
		code: "ERR_WITHDRAW_REQUEST_NOT_FOUND",
		kind: KindNotFound,
	}

	// ErrUserBlocked means the account is blocked from financial operations
	ErrUserBlocked = Error{
		err:  errors.New("account is blocked"),
		code: "ERR_USER_BLOCKED",
		kind: KindForbidden,
	}

	// ErrInsufficientUsdt means the USDT balance was too low for a deduction
	ErrInsufficientUsdt = Error{
		err:  errors.New("insufficient USDT balance"),
		code: "ERR_INSUFFICIENT_USDT",
		kind: KindInsufficientBalance,
	}

	// ErrInsufficientX means the X balance was too low for a deduction
	ErrInsufficientX = Error{
		err:  errors.New("insufficient X balance"),
		code: "ERR_INSUFFICIENT_X",
		kind: KindInsufficientBalance,
	}

	// ErrAmountBelowMinimum means the amount is below the configured minimum
	ErrAmountBelowMinimum = Error{
		err:  errors.New("amount is below the configured minimum"),
		code: "ERR_AMOUNT_BELOW_MINIMUM",
		kind: KindMinimumAmount,
	}

	// ErrAmountAboveMaximum means the amount is above the configured maximum
	ErrAmountAboveMaximum = Error{
		err:  errors.New("amount is above the configured maximum"),
		code: "ERR_AMOUNT_ABOVE_MAXIMUM",
		kind: KindBadRequest,
	}

	// ErrInvalidAmount means the amount string did not parse as a positive decimal
	ErrInvalidAmount = Error{
		err:  errors.New("invalid amount"),
		code: "ERR_INVALID_AMOUNT",
		kind: KindBadRequest,
	}

	// ErrInvalidAddress means the withdrawal address failed validation
	ErrInvalidAddress = Error{
		err:  errors.New("invalid destination address"),
		code: "ERR_INVALID_ADDRESS",
		kind: KindBadRequest,
	}

	// ErrSelfTransfer means sender and receiver are the same user
	ErrSelfTransfer = Error{
		err:  errors.New("cannot send to yourself"),
		code: "ERR_SELF_TRANSFER",
		kind: KindBadRequest,
	}

	// ErrFeeExceedsAmount means the net amount after fees is zero or negative
	ErrFeeExceedsAmount = Error{
		err:  errors.New("fee equals or exceeds the amount"),
		code: "ERR_FEE_EXCEEDS_AMOUNT",
		kind: KindBadRequest,
	}

	// ErrTooManyActiveWithdrawals means the per-user cap on pending or
	// processing withdraw requests is reached
	ErrTooManyActiveWithdrawals = Error{
		err:  errors.New("too many withdraw requests in progress"),
		code: "ERR_TOO_MANY_ACTIVE_WITHDRAWALS",
		kind: KindBadRequest,
	}

	// ErrWithdrawNotRefundable means the request already left the
	// PENDING/PROCESSING states, so a refund would be a double refund
	ErrWithdrawNotRefundable = Error{
		err:  errors.New("withdraw request is not in a refundable state"),
		code: "ERR_WITHDRAW_NOT_REFUNDABLE",
		kind: KindConflict,
	}

	// ErrAlreadyProcessed means an external reference was seen before.
	// Callers treat this as an idempotent no-op, never a hard failure.
	ErrAlreadyProcessed = Error{
		err:  errors.New("transaction already processed"),
		code: "ERR_ALREADY_PROCESSED",
		kind: KindConflict,
	}

	// ErrInvalidSendToken means the send confirmation token is expired,
	// malformed or already used
	ErrInvalidSendToken = Error{
		err:  errors.New("invalid or expired confirmation token"),
		code: "ERR_INVALID_SEND_TOKEN",
		kind: KindBadRequest,
	}

	// ErrSerializationConflict means the database aborted the transaction
	// to preserve serializability. Nothing was committed, safe to retry.
	ErrSerializationConflict = Error{
		err:  errors.New("transaction conflicted with a concurrent one, retry"),
		code: "ERR_SERIALIZATION_CONFLICT",
		kind: KindInternal,
	}

	// ErrFinancialTxTimeout means the financial transaction exceeded its
	// wall-clock budget and was rolled back
	ErrFinancialTxTimeout = Error{
		err:  errors.New("financial transaction timed out"),
		code: "ERR_FINANCIAL_TX_TIMEOUT",
		kind: KindInternal,
	}
)
