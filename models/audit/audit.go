// Package audit keeps the append-only log of administrative actions.
// It is separate from the financial ledger: routine balance changes are
// self-auditing through their ledger entries, this log covers what admins
// and security-relevant flows did.
package audit

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
)

var log = build.AddSubLogger("AUDT")

// Action is the kind of administrative action being recorded
type Action string

// The audited action kinds
const (
	ActionBalanceAdjust   Action = "balance_adjust"
	ActionWithdrawApprove Action = "withdraw_approve"
	ActionWithdrawReject  Action = "withdraw_reject"
	ActionSettingsUpdate  Action = "settings_update"
	ActionUserView        Action = "user_view"
	ActionUserBlock       Action = "user_block"
	ActionUserUnblock     Action = "user_unblock"
	ActionNotesUpdate     Action = "notes_update"
)

// Entry is a database table
type Entry struct {
	ID    int    `db:"id"`
	Actor string `db:"actor"`
	// Action is what the actor did
	Action Action `db:"action"`

	TargetType *string `db:"target_type"`
	TargetID   *string `db:"target_id"`

	// Details is free-form structured context, stored as JSON
	Details *string `db:"details"`
	IP      *string `db:"ip"`

	CreatedAt time.Time `db:"created_at"`
}

// Insert appends one audit entry
func Insert(ins db.Inserter, e Entry) (Entry, error) {
	query := `INSERT INTO audit_log (actor, action, target_type, target_id, details, ip)
		VALUES (:actor, :action, :target_type, :target_id, :details, :ip)
		RETURNING id, actor, action, target_type, target_id, details, ip, created_at`

	rows, err := ins.NamedQuery(query, e)
	if err != nil {
		return Entry{}, errors.Wrap(err, "could not insert audit entry")
	}
	defer db.CloseRows(rows)

	var inserted Entry
	if !rows.Next() {
		return Entry{}, errors.New("no rows returned when inserting audit entry")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Entry{}, errors.Wrap(err, "could not scan audit entry")
	}

	return inserted, nil
}

// Record appends an audit entry on a best-effort basis. A failure to write
// the audit log must never abort the operation being audited, so errors
// are logged and swallowed here.
func Record(d *db.DB, e Entry) {
	if _, err := Insert(d, e); err != nil {
		log.WithError(err).WithField("action", e.Action).
			Error("Could not write audit entry")
	}
}

// MarshalDetails turns arbitrary structured details into the JSON string
// the details column stores
func MarshalDetails(details interface{}) *string {
	raw, err := json.Marshal(details)
	if err != nil {
		log.WithError(err).Error("Could not marshal audit details")
		return nil
	}
	s := string(raw)
	return &s
}

// GetAll reads audit entries, newest first
func GetAll(d *db.DB, limit, offset int) ([]Entry, error) {
	entries := []Entry{}
	err := d.Select(&entries,
		`SELECT id, actor, action, target_type, target_id, details, ip, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "could not read audit log")
	}
	return entries, nil
}
