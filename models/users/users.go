package users

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/wallets"
)

var log = build.AddSubLogger("USER")

// User is a database table. Identity comes from Telegram, so there is no
// password material here, just the linkage and the block flag the ledger
// core consults before moving money.
type User struct {
	ID int `db:"id"`

	TelegramID int64   `db:"telegram_id"`
	Username   *string `db:"username"`
	FirstName  *string `db:"first_name"`

	// Blocked users cannot move money in any direction
	Blocked bool `db:"blocked"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SQL related constants
const (
	// selectFromUsersTable is a SQL snippet that selects all the rows needed
	// to scan a full user struct
	selectFromUsersTable = "SELECT id, telegram_id, username, first_name, blocked, created_at, updated_at"
	// returningFromUsersTable is the RETURNING equivalent of the above
	returningFromUsersTable = "RETURNING id, telegram_id, username, first_name, blocked, created_at, updated_at"

	uniqueTelegramIDConstraint = "users_telegram_id_key"
	uniqueUsernameConstraint   = "users_username_key"
)

// Exported errors
var (
	// ErrUserAlreadyExists is used to signify that an already existing user
	// has the desired telegram id or username
	ErrUserAlreadyExists = errors.New("user with this telegram id or username already exists")
)

// CreateUserArgs is the struct required to create a new user using
// the Create method
type CreateUserArgs struct {
	TelegramID int64
	Username   *string
	FirstName  *string
}

// Create inserts a user together with their wallet, in one transaction.
// A user always has exactly one wallet, created here and nowhere else.
func Create(d *db.DB, args CreateUserArgs) (User, error) {
	tx, err := d.Beginx()
	if err != nil {
		return User{}, errors.Wrap(err, "could not begin user creation")
	}

	user, err := insertUser(tx, User{
		TelegramID: args.TelegramID,
		Username:   args.Username,
		FirstName:  args.FirstName,
	})
	if err != nil {
		_ = tx.Rollback()
		return User{}, err
	}

	if _, err := wallets.Insert(tx, user.ID); err != nil {
		_ = tx.Rollback()
		return User{}, errors.Wrap(err, "could not create wallet for new user")
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return User{}, errors.Wrap(err, "could not commit user creation")
	}

	log.WithFields(logrus.Fields{
		"userId":     user.ID,
		"telegramId": user.TelegramID,
	}).Info("Created user with wallet")

	return user, nil
}

func insertUser(tx *sqlx.Tx, user User) (User, error) {
	userCreateQuery := `INSERT INTO users (telegram_id, username, first_name)
		VALUES (:telegram_id, :username, :first_name) ` + returningFromUsersTable

	rows, err := tx.NamedQuery(userCreateQuery, user)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok &&
			(pqErr.Constraint == uniqueTelegramIDConstraint ||
				pqErr.Constraint == uniqueUsernameConstraint) {
			return User{}, ErrUserAlreadyExists
		}
		return User{}, fmt.Errorf("could not insert user: %w", err)
	}
	defer db.CloseRows(rows)

	var inserted User
	if !rows.Next() {
		return User{}, errors.New("no rows returned when inserting user")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return User{}, fmt.Errorf("could not scan user: %w", err)
	}

	return inserted, nil
}

// GetByID selects all columns for user where id=id
func GetByID(g db.Getter, id int) (User, error) {
	query := fmt.Sprintf(`%s FROM users WHERE id=$1 LIMIT 1`, selectFromUsersTable)

	var user User
	if err := g.Get(&user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, apperr.ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByID(%d)", id)
	}

	return user, nil
}

// GetByTelegramID selects all columns for user where telegram_id=telegramID
func GetByTelegramID(g db.Getter, telegramID int64) (User, error) {
	query := fmt.Sprintf(`%s FROM users WHERE telegram_id=$1 LIMIT 1`, selectFromUsersTable)

	var user User
	if err := g.Get(&user, query, telegramID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, apperr.ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByTelegramID(%d)", telegramID)
	}

	return user, nil
}

// GetByUsername selects all columns for user where username=username,
// case insensitively
func GetByUsername(g db.Getter, username string) (User, error) {
	query := fmt.Sprintf(`%s FROM users WHERE lower(username)=lower($1) LIMIT 1`,
		selectFromUsersTable)

	var user User
	if err := g.Get(&user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, apperr.ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByUsername(%s)", username)
	}

	return user, nil
}

// Resolve finds a user by a lookup key: a numeric telegram id, or a
// username with an optional leading @
func Resolve(g db.Getter, lookup string) (User, error) {
	lookup = strings.TrimSpace(lookup)
	if lookup == "" {
		return User{}, apperr.ErrUserNotFound
	}

	if telegramID, err := strconv.ParseInt(lookup, 10, 64); err == nil {
		return GetByTelegramID(g, telegramID)
	}

	return GetByUsername(g, strings.TrimPrefix(lookup, "@"))
}

// CheckNotBlocked fails with the blocked error if the user's block flag is
// set. Called before every financial operation, outside the wallet lock,
// so a blocked user fails fast without contending on the row.
func CheckNotBlocked(g db.Getter, userID int) error {
	var blocked bool
	if err := g.Get(&blocked, "SELECT blocked FROM users WHERE id=$1", userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrUserNotFound
		}
		return errors.Wrapf(err, "CheckNotBlocked(%d)", userID)
	}
	if blocked {
		return apperr.ErrUserBlocked
	}
	return nil
}

// SetBlocked flips the block flag for a user
func SetBlocked(d *db.DB, userID int, blocked bool) (User, error) {
	query := `UPDATE users SET blocked = $1, updated_at = now()
		WHERE id = $2 ` + returningFromUsersTable

	rows, err := d.Queryx(query, blocked, userID)
	if err != nil {
		return User{}, errors.Wrap(err, "could not update block flag")
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return User{}, apperr.ErrUserNotFound
	}

	var user User
	if err := rows.StructScan(&user); err != nil {
		return User{}, errors.Wrap(err, "could not scan user after block update")
	}

	log.WithFields(logrus.Fields{
		"userId":  user.ID,
		"blocked": user.Blocked,
	}).Info("Updated user block flag")

	return user, nil
}

func (u User) String() string {
	fragments := []string{
		fmt.Sprintf("ID: %d", u.ID),
		fmt.Sprintf("TelegramID: %d", u.TelegramID),
		fmt.Sprintf("Blocked: %t", u.Blocked),
	}

	if u.Username != nil {
		fragments = append(fragments, fmt.Sprintf("Username: %s", *u.Username))
	} else {
		fragments = append(fragments, "Username: <nil>")
	}

	return strings.Join(fragments, ", ")
}
