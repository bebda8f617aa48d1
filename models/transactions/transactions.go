// Package transactions owns the ledger: one immutable row per single
// currency balance change. Rows are only ever inserted, inside the same
// financial transaction as the wallet update they document.
package transactions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/money"
)

var log = build.AddSubLogger("TXNS")

// Type classifies what kind of operation produced a ledger entry
type Type string

// The ledger entry types
const (
	Deposit  Type = "deposit"
	Withdraw Type = "withdraw"
	Swap     Type = "swap"
	Send     Type = "send"
	Receive  Type = "receive"
)

// Valid reports whether the type is a known one
func (t Type) Valid() bool {
	switch t {
	case Deposit, Withdraw, Swap, Send, Receive:
		return true
	}
	return false
}

// uniqueExternalTxHashIndex is the index backing deposit idempotency
const uniqueExternalTxHashIndex = "transactions_external_tx_hash_key"

// Transaction is the db type for a ledger entry. Amount is signed:
// positive is a credit, negative a debit. BalanceAfter is the balance of
// the entry's currency right after this entry took effect.
type Transaction struct {
	ID       int            `db:"id"`
	WalletID int            `db:"wallet_id"`
	Type     Type           `db:"type"`
	Currency money.Currency `db:"currency"`

	Amount       decimal.Decimal `db:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after"`

	// Fee is how much of the gross amount was kept by the platform,
	// always non-negative when present
	Fee *decimal.Decimal `db:"fee"`

	// RelatedUserID is the counterparty for send/receive entries
	RelatedUserID *int    `db:"related_user_id"`
	Description   *string `db:"description"`

	// ExternalTxHash carries the blockchain transaction hash for
	// webhook-driven deposits and is unique across all entries
	ExternalTxHash *string `db:"external_tx_hash"`

	CreatedAt time.Time `db:"created_at"`
}

const txReturningSQL = ` RETURNING id, wallet_id, type, currency, amount, balance_after,
	fee, related_user_id, description, external_tx_hash, created_at`

// Insert persists one ledger entry. When the entry carries an external tx
// hash that was already recorded, the unique index fires and the caller
// gets ErrAlreadyProcessed, which idempotent consumers treat as success.
func Insert(ins db.Inserter, t Transaction) (Transaction, error) {
	if !t.Type.Valid() {
		return Transaction{}, errors.Errorf("invalid transaction type %q", t.Type)
	}
	if !t.Currency.Valid() {
		return Transaction{}, errors.Errorf("invalid currency %q", t.Currency)
	}
	if t.Fee != nil && t.Fee.IsNegative() {
		return Transaction{}, errors.New("fee cannot be negative")
	}
	if t.BalanceAfter.IsNegative() {
		return Transaction{}, errors.New("balance after a ledger entry cannot be negative")
	}

	query := `INSERT INTO transactions
		(wallet_id, type, currency, amount, balance_after, fee, related_user_id, description, external_tx_hash)
		VALUES (:wallet_id, :type, :currency, :amount, :balance_after, :fee, :related_user_id, :description, :external_tx_hash)` +
		txReturningSQL

	rows, err := ins.NamedQuery(query, t)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueExternalTxHashIndex {
			return Transaction{}, apperr.ErrAlreadyProcessed
		}
		return Transaction{}, errors.Wrap(err, "could not insert ledger entry")
	}
	defer db.CloseRows(rows)

	var inserted Transaction
	if !rows.Next() {
		return Transaction{}, errors.New("no rows returned when inserting ledger entry")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Transaction{}, errors.Wrap(err, "could not scan inserted ledger entry")
	}

	log.WithFields(logrus.Fields{
		"walletId": inserted.WalletID,
		"type":     inserted.Type,
		"currency": inserted.Currency,
		"amount":   inserted.Amount.String(),
	}).Debug("Inserted ledger entry")

	return inserted, nil
}

// ExistsWithExternalHash is the fast idempotency pre-check for deposits.
// The unique index remains the authoritative guard against races.
func ExistsWithExternalHash(g db.Getter, hash string) (bool, error) {
	var exists bool
	err := g.Get(&exists,
		"SELECT EXISTS (SELECT 1 FROM transactions WHERE external_tx_hash = $1)", hash)
	if err != nil {
		return false, errors.Wrapf(err, "ExistsWithExternalHash(%s)", hash)
	}
	return exists, nil
}

// defaultListLimit caps unpaginated ledger queries
const defaultListLimit = 100

// ListOptions filters and paginates ledger queries
type ListOptions struct {
	// Limit defaults to defaultListLimit when zero
	Limit  int
	Offset int
	// Currency narrows results to one currency when non-empty
	Currency money.Currency
	// Type narrows results to one entry type when non-empty
	Type Type
}

// GetForUser selects ledger entries for the given user's wallet, newest
// first, honoring pagination and optional currency/type filters.
func GetForUser(d *db.DB, userID int, opts ListOptions) ([]Transaction, error) {
	query := `SELECT t.id, t.wallet_id, t.type, t.currency, t.amount, t.balance_after,
			t.fee, t.related_user_id, t.description, t.external_tx_hash, t.created_at
		FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1`

	args := []interface{}{userID}
	arg := 2

	if opts.Currency != "" {
		query += fmt.Sprintf(" AND t.currency = $%d", arg)
		args = append(args, opts.Currency)
		arg++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND t.type = $%d", arg)
		args = append(args, opts.Type)
		arg++
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	// Using OFFSET is not ideal, but until we start seeing
	// performance problems it's fine
	query += fmt.Sprintf(" ORDER BY t.created_at DESC, t.id DESC LIMIT $%d OFFSET $%d",
		arg, arg+1)
	args = append(args, limit, opts.Offset)

	entries := []Transaction{}
	if err := d.Select(&entries, query, args...); err != nil {
		return nil, errors.Wrapf(err, "GetForUser(%d)", userID)
	}

	return entries, nil
}

// CountForUser returns how many ledger entries match the given filters,
// for pagination
func CountForUser(g db.Getter, userID int, opts ListOptions) (int, error) {
	query := `SELECT count(*) FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1`

	args := []interface{}{userID}
	arg := 2

	if opts.Currency != "" {
		query += fmt.Sprintf(" AND t.currency = $%d", arg)
		args = append(args, opts.Currency)
		arg++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND t.type = $%d", arg)
		args = append(args, opts.Type)
	}

	var count int
	if err := g.Get(&count, query, args...); err != nil {
		return 0, errors.Wrapf(err, "CountForUser(%d)", userID)
	}
	return count, nil
}

// SumForUser adds up the signed amounts of every ledger entry for one of
// the user's currencies. For a wallet that started at zero this must equal
// the current balance, which is what the reconcile command checks.
func SumForUser(g db.Getter, userID int, currency money.Currency) (decimal.Decimal, error) {
	var sum decimal.Decimal
	query := `SELECT COALESCE(sum(t.amount), 0)
		FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1 AND t.currency = $2`

	if err := g.Get(&sum, query, userID, currency); err != nil {
		return decimal.Zero, errors.Wrapf(err, "SumForUser(%d, %s)", userID, currency)
	}

	return sum, nil
}

func (t Transaction) String() string {
	fragments := []string{
		fmt.Sprintf("Transaction: {ID: %d", t.ID),
		fmt.Sprintf("WalletID: %d", t.WalletID),
		fmt.Sprintf("Type: %s", t.Type),
		fmt.Sprintf("Currency: %s", t.Currency),
		fmt.Sprintf("Amount: %s", t.Amount.String()),
		fmt.Sprintf("BalanceAfter: %s", t.BalanceAfter.String()),
	}

	if t.Fee != nil {
		fragments = append(fragments, fmt.Sprintf("Fee: %s", t.Fee.String()))
	}
	if t.RelatedUserID != nil {
		fragments = append(fragments, fmt.Sprintf("RelatedUserID: %d", *t.RelatedUserID))
	}
	if t.ExternalTxHash != nil {
		fragments = append(fragments, fmt.Sprintf("ExternalTxHash: %s", *t.ExternalTxHash))
	}

	return strings.Join(fragments, ", ") + "}"
}

// decimalComparer makes go-cmp compare decimals by value, not by their
// internal representation, so 9.80 equals 9.8
var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool {
	return a.Equal(b)
})

// Equal checks whether the Transaction is equal to another, and returns an
// explanation of the diff if not equal. Fields unique per row, such as ID
// and CreatedAt, are not compared.
func (t Transaction) Equal(other Transaction) (bool, string) {
	t.ID = other.ID
	t.CreatedAt = other.CreatedAt

	if diff := cmp.Diff(t, other, decimalComparer); diff != "" {
		return false, diff
	}

	return true, ""
}
