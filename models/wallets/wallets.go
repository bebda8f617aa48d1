// Package wallets owns the wallet row and the locking discipline around it.
// The wallet row is the only shared mutable resource in the ledger core,
// every read that feeds a balance decision goes through GetWithLock (or
// GetPairWithLock for transfers) inside a financial transaction.
package wallets

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
)

var log = build.AddSubLogger("WLLT")

// Wallet is a database table, holding both balances for one user.
// Balances are non-negative decimals, enforced here and double-checked
// by the schema.
type Wallet struct {
	ID     int `db:"id"`
	UserID int `db:"user_id"`

	BalanceUsdt decimal.Decimal `db:"balance_usdt"`
	BalanceX    decimal.Decimal `db:"balance_x"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const (
	selectFromWalletsTable    = "SELECT id, user_id, balance_usdt, balance_x, created_at, updated_at"
	returningFromWalletsTable = "RETURNING id, user_id, balance_usdt, balance_x, created_at, updated_at"
)

// Insert creates the wallet for the given user with zero balances. Called
// exactly once per user, from user creation, inside the same transaction.
func Insert(tx *sqlx.Tx, userID int) (Wallet, error) {
	query := `INSERT INTO wallets (user_id) VALUES ($1) ` + returningFromWalletsTable

	var wallet Wallet
	if err := tx.Get(&wallet, query, userID); err != nil {
		return Wallet{}, errors.Wrapf(err, "could not insert wallet for user %d", userID)
	}

	return wallet, nil
}

// GetByUserID reads a wallet without locking it. Fine for display, never
// for a balance decision.
func GetByUserID(g db.Getter, userID int) (Wallet, error) {
	query := fmt.Sprintf(`%s FROM wallets WHERE user_id=$1 LIMIT 1`, selectFromWalletsTable)

	var wallet Wallet
	if err := g.Get(&wallet, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, apperr.ErrWalletNotFound
		}
		return Wallet{}, errors.Wrapf(err, "GetByUserID(%d)", userID)
	}

	return wallet, nil
}

// GetWithLock reads the wallet belonging to userID with a row-level
// exclusive lock. Concurrent financial operations against the same wallet
// serialize behind this lock; operations on different wallets don't touch
// each other.
func GetWithLock(tx *sqlx.Tx, userID int) (Wallet, error) {
	query := fmt.Sprintf(`%s FROM wallets WHERE user_id=$1 FOR UPDATE`, selectFromWalletsTable)

	var wallet Wallet
	if err := tx.Get(&wallet, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, apperr.ErrWalletNotFound
		}
		return Wallet{}, errors.Wrapf(err, "GetWithLock(%d)", userID)
	}

	return wallet, nil
}

// GetPairWithLock locks the wallets of two users in ascending wallet id
// order, so two concurrent opposite-direction transfers can never wait on
// each other's lock. Returns the wallets in the order the user ids were
// given.
func GetPairWithLock(tx *sqlx.Tx, firstUserID, secondUserID int) (Wallet, Wallet, error) {
	if firstUserID == secondUserID {
		return Wallet{}, Wallet{}, errors.New("cannot lock the same wallet twice")
	}

	// resolve wallet ids first, without locking, to decide lock order
	type walletRef struct {
		ID     int `db:"id"`
		UserID int `db:"user_id"`
	}
	var refs []walletRef
	err := tx.Select(&refs,
		`SELECT id, user_id FROM wallets WHERE user_id = $1 OR user_id = $2 ORDER BY id`,
		firstUserID, secondUserID)
	if err != nil {
		return Wallet{}, Wallet{}, errors.Wrap(err, "could not resolve wallet pair")
	}
	if len(refs) != 2 {
		return Wallet{}, Wallet{}, apperr.ErrWalletNotFound
	}

	// refs are sorted by wallet id, lock in that order
	byUser := make(map[int]Wallet, 2)
	for _, ref := range refs {
		query := fmt.Sprintf(`%s FROM wallets WHERE id=$1 FOR UPDATE`, selectFromWalletsTable)
		var wallet Wallet
		if err := tx.Get(&wallet, query, ref.ID); err != nil {
			return Wallet{}, Wallet{}, errors.Wrapf(err, "could not lock wallet %d", ref.ID)
		}
		byUser[wallet.UserID] = wallet
	}

	return byUser[firstUserID], byUser[secondUserID], nil
}

// BalanceUpdate names the balances UpdateBalances should persist. A nil
// field leaves that balance untouched.
type BalanceUpdate struct {
	Usdt *decimal.Decimal
	X    *decimal.Decimal
}

// UpdateBalances persists one or both balances for a wallet. Must only be
// called on a wallet previously read through GetWithLock in the same
// transaction. Rejects negative values before they reach the database.
func UpdateBalances(tx *sqlx.Tx, walletID int, update BalanceUpdate) (Wallet, error) {
	if update.Usdt == nil && update.X == nil {
		return Wallet{}, errors.New("no balances given to update")
	}

	var sets []string
	args := []interface{}{}
	arg := 1

	if update.Usdt != nil {
		if update.Usdt.IsNegative() {
			return Wallet{}, errors.New("refusing to persist negative USDT balance")
		}
		sets = append(sets, fmt.Sprintf("balance_usdt = $%d", arg))
		args = append(args, update.Usdt.String())
		arg++
	}
	if update.X != nil {
		if update.X.IsNegative() {
			return Wallet{}, errors.New("refusing to persist negative X balance")
		}
		sets = append(sets, fmt.Sprintf("balance_x = $%d", arg))
		args = append(args, update.X.String())
		arg++
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(`UPDATE wallets SET %s WHERE id = $%d %s`,
		strings.Join(sets, ", "), arg, returningFromWalletsTable)
	args = append(args, walletID)

	var wallet Wallet
	if err := tx.Get(&wallet, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, apperr.ErrWalletNotFound
		}
		return Wallet{}, errors.Wrapf(err, "could not update balances of wallet %d", walletID)
	}

	log.WithFields(logrus.Fields{
		"walletId":    wallet.ID,
		"balanceUsdt": wallet.BalanceUsdt.String(),
		"balanceX":    wallet.BalanceX.String(),
	}).Debug("Updated wallet balances")

	return wallet, nil
}

func (w Wallet) String() string {
	return fmt.Sprintf("Wallet: {ID: %d, UserID: %d, BalanceUsdt: %s, BalanceX: %s}",
		w.ID, w.UserID, w.BalanceUsdt.String(), w.BalanceX.String())
}
