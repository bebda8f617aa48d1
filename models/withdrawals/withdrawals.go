// Package withdrawals owns the withdraw request row and its status machine.
// Requests move forward only: PENDING -> PROCESSING -> COMPLETED, FAILED or
// CANCELLED. The two failure states each trigger exactly one refund, guarded
// by requiring the prior status to still be refundable.
package withdrawals

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
)

// Status is the state of a withdraw request
type Status string

// The withdraw request states
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// defaultListLimit caps unpaginated request listings
const defaultListLimit = 100

// Valid reports whether the status is a known one
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Refundable reports whether a request in this status still holds the
// user's funds, meaning a transition to FAILED or CANCELLED must refund
func (s Status) Refundable() bool {
	return s == StatusPending || s == StatusProcessing
}

// WithdrawRequest is a database table
type WithdrawRequest struct {
	ID     int `db:"id"`
	UserID int `db:"user_id"`

	Amount    decimal.Decimal `db:"amount"`
	Fee       decimal.Decimal `db:"fee"`
	NetAmount decimal.Decimal `db:"net_amount"`

	ToAddress string `db:"to_address"`
	Status    Status `db:"status"`

	// TxHash is the blockchain transaction hash, set when processing
	// completes
	TxHash     *string `db:"tx_hash"`
	FailReason *string `db:"fail_reason"`

	// TransactionID links the ledger entry that debited the wallet
	TransactionID *int `db:"transaction_id"`

	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

const (
	selectFromWithdrawTable = `SELECT id, user_id, amount, fee, net_amount, to_address,
		status, tx_hash, fail_reason, transaction_id, created_at, processed_at`
	returningFromWithdrawTable = `RETURNING id, user_id, amount, fee, net_amount, to_address,
		status, tx_hash, fail_reason, transaction_id, created_at, processed_at`
)

// Insert persists a new withdraw request with status PENDING
func Insert(ins db.Inserter, req WithdrawRequest) (WithdrawRequest, error) {
	if req.Status == "" {
		req.Status = StatusPending
	}

	query := `INSERT INTO withdraw_requests
		(user_id, amount, fee, net_amount, to_address, status, transaction_id)
		VALUES (:user_id, :amount, :fee, :net_amount, :to_address, :status, :transaction_id) ` +
		returningFromWithdrawTable

	rows, err := ins.NamedQuery(query, req)
	if err != nil {
		return WithdrawRequest{}, errors.Wrap(err, "could not insert withdraw request")
	}
	defer db.CloseRows(rows)

	var inserted WithdrawRequest
	if !rows.Next() {
		return WithdrawRequest{}, errors.New("no rows returned when inserting withdraw request")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return WithdrawRequest{}, errors.Wrap(err, "could not scan withdraw request")
	}

	return inserted, nil
}

// GetByID reads a withdraw request without locking it
func GetByID(g db.Getter, id int) (WithdrawRequest, error) {
	query := fmt.Sprintf(`%s FROM withdraw_requests WHERE id=$1 LIMIT 1`, selectFromWithdrawTable)

	var req WithdrawRequest
	if err := g.Get(&req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WithdrawRequest{}, apperr.ErrWithdrawRequestNotFound
		}
		return WithdrawRequest{}, errors.Wrapf(err, "GetByID(%d)", id)
	}

	return req, nil
}

// GetWithLock reads a withdraw request with a row-level exclusive lock.
// The status update protocol locks the request before deciding whether a
// refund is due, so two concurrent failure transitions serialize and the
// second sees the first's status.
func GetWithLock(tx *sqlx.Tx, id int) (WithdrawRequest, error) {
	query := fmt.Sprintf(`%s FROM withdraw_requests WHERE id=$1 FOR UPDATE`, selectFromWithdrawTable)

	var req WithdrawRequest
	if err := tx.Get(&req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WithdrawRequest{}, apperr.ErrWithdrawRequestNotFound
		}
		return WithdrawRequest{}, errors.Wrapf(err, "GetWithLock(%d)", id)
	}

	return req, nil
}

// CountActive counts the user's requests currently holding funds, for
// enforcing the per-user cap on simultaneous withdrawals
func CountActive(g db.Getter, userID int) (int, error) {
	var count int
	err := g.Get(&count,
		`SELECT count(*) FROM withdraw_requests
		WHERE user_id = $1 AND status IN ($2, $3)`,
		userID, StatusPending, StatusProcessing)
	if err != nil {
		return 0, errors.Wrapf(err, "CountActive(%d)", userID)
	}
	return count, nil
}

// UpdateStatus moves a request to the given status, recording the optional
// tx hash or failure reason and the processing timestamp. The caller is
// responsible for holding the row lock and for the refund protocol.
func UpdateStatus(tx *sqlx.Tx, id int, status Status, txHash, failReason *string) (WithdrawRequest, error) {
	if !status.Valid() {
		return WithdrawRequest{}, errors.Errorf("invalid withdraw status %q", status)
	}

	query := `UPDATE withdraw_requests
		SET status = $1, tx_hash = COALESCE($2, tx_hash),
			fail_reason = COALESCE($3, fail_reason), processed_at = now()
		WHERE id = $4 ` + returningFromWithdrawTable

	var updated WithdrawRequest
	if err := tx.Get(&updated, query, status, txHash, failReason, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WithdrawRequest{}, apperr.ErrWithdrawRequestNotFound
		}
		return WithdrawRequest{}, errors.Wrapf(err, "could not update withdraw request %d", id)
	}

	return updated, nil
}

// GetForUser selects the user's withdraw requests, newest first
func GetForUser(d *db.DB, userID int, limit, offset int) ([]WithdrawRequest, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`%s FROM withdraw_requests
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, selectFromWithdrawTable)

	requests := []WithdrawRequest{}
	if err := d.Select(&requests, query, userID, limit, offset); err != nil {
		return nil, errors.Wrapf(err, "GetForUser(%d)", userID)
	}

	return requests, nil
}
