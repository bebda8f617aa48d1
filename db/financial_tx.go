package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/zhigulin22/collectx/apperr"
)

// FinancialTxTimeout is the wall-clock budget for a financial transaction.
// When exceeded the transaction is rolled back and the caller gets a
// timeout error, so no partial balance mutation is ever observable.
const FinancialTxTimeout = 10 * time.Second

// serializationFailure is the SQLSTATE postgres raises when it aborts a
// serializable transaction because of a conflicting concurrent one
const serializationFailure = "40001"

type ctxKey int

const financialTxKey ctxKey = 0

// ExecFinancial runs work inside a serializable database transaction with a
// bounded timeout. The transaction commits when work returns nil and rolls
// back on any error. work receives a context marked as in-transaction and
// must pass it to anything it calls: a nested ExecFinancial on that context
// is rejected, the wallet row lock discipline assumes exactly one financial
// transaction per operation.
func ExecFinancial(ctx context.Context, d *DB, work func(ctx context.Context, tx *sqlx.Tx) error) error {
	if ctx.Value(financialTxKey) != nil {
		return errors.New("nested financial transaction")
	}
	ctx = context.WithValue(ctx, financialTxKey, struct{}{})

	ctx, cancel := context.WithTimeout(ctx, FinancialTxTimeout)
	defer cancel()

	tx, err := d.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return errors.Wrap(err, "could not begin financial transaction")
	}

	if err := work(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Error("could not rollback financial transaction")
		}
		return translateTxError(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Error("could not rollback financial transaction")
		}
		return translateTxError(ctx, errors.Wrap(err, "could not commit financial transaction"))
	}

	return nil
}

// translateTxError maps low-level transaction failures onto the error
// taxonomy. Serialization conflicts are retryable, nothing was committed.
func translateTxError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.ErrFinancialTxTimeout
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure {
		return apperr.ErrSerializationConflict
	}

	return err
}
