// Package ledger is the financial core: every operation that moves value
// between wallets, the platform and the blockchain goes through here.
// Each operation runs inside a single serializable financial transaction
// that locks the wallets it touches, updates balances and appends the
// ledger entries documenting the change, so a crash at any point leaves
// either the whole operation or none of it.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhigulin22/collectx/async"
	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/settings"
)

var log = build.AddSubLogger("LDGR")

// Notifier receives fire-and-forget events after a financial transaction
// has committed. Implementations deliver them to the user, typically as a
// Telegram message. Delivery failures never affect the committed
// operation.
type Notifier interface {
	// DepositCredited fires when a blockchain deposit has been credited
	DepositCredited(userID int, amount decimal.Decimal, txHash string) error
	// TransferReceived fires on the recipient side of an internal send
	TransferReceived(userID int, fromUserID int, amount decimal.Decimal) error
	// WithdrawStatusChanged fires when a withdraw request changes status
	WithdrawStatusChanged(userID int, requestID int, status string) error
}

// notifyAttempts and notifyBackoff bound the retry loop around a single
// notification delivery
const (
	notifyAttempts = 5
	notifyBackoff  = 2 * time.Second
)

// Config is everything a Ledger needs besides its database
type Config struct {
	Settings *settings.Provider
	// Notifier may be nil, in which case events are dropped
	Notifier Notifier
	// SendTokenSecret signs send confirmation tokens. Operations fail
	// if it is empty and a send preview is requested.
	SendTokenSecret []byte
	// SendTokenTTL is how long a send confirmation token stays valid
	SendTokenTTL time.Duration
}

// Ledger executes financial operations against a database
type Ledger struct {
	db       *db.DB
	settings *settings.Provider
	notifier Notifier

	sendTokenSecret []byte
	sendTokenTTL    time.Duration

	// usedTokenIDs tracks consumed send confirmation tokens until they
	// expire on their own, guarding against a token being confirmed twice
	mu           sync.Mutex
	usedTokenIDs map[string]time.Time
}

// DefaultSendTokenTTL is how long a send preview stays confirmable
const DefaultSendTokenTTL = 5 * time.Minute

// New creates a Ledger on top of the given database
func New(d *db.DB, conf Config) *Ledger {
	ttl := conf.SendTokenTTL
	if ttl <= 0 {
		ttl = DefaultSendTokenTTL
	}
	return &Ledger{
		db:              d,
		settings:        conf.Settings,
		notifier:        conf.Notifier,
		sendTokenSecret: conf.SendTokenSecret,
		sendTokenTTL:    ttl,
		usedTokenIDs:    make(map[string]time.Time),
	}
}

// Balance returns the wallet of the given user, for display. Reads are
// not serialized against concurrent operations.
func (l *Ledger) Balance(userID int) (wallets.Wallet, error) {
	return wallets.GetByUserID(l.db, userID)
}

// History returns a page of the user's ledger entries, newest first,
// together with the total count matching the filter
func (l *Ledger) History(userID int, opts transactions.ListOptions) (
	[]transactions.Transaction, int, error) {

	txs, err := transactions.GetForUser(l.db, userID, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := transactions.CountForUser(l.db, userID, opts)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// notify runs fn in the background with retries. Used for post-commit
// notifications, where the financial outcome must not depend on delivery.
func (l *Ledger) notify(what string, fn func() error) {
	if l.notifier == nil {
		return
	}
	go func() {
		err := async.RetryNoBackoff(notifyAttempts, notifyBackoff, fn)
		if err != nil {
			log.WithError(err).WithField("event", what).Error("Could not deliver notification")
		}
	}()
}
