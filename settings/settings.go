// Package settings is the cached source of dynamic rate/fee/limit
// configuration consumed by every operation service. Values live in the
// settings table and are read through a short-TTL cache, so rate changes
// apply to new operations within seconds without a round trip per swap.
// Staleness within the TTL is an accepted business tradeoff, never a
// balance-correctness hazard.
package settings

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
)

var log = build.AddSubLogger("STNG")

// DefaultCacheTTL is how long a cached settings snapshot stays fresh
const DefaultCacheTTL = 30 * time.Second

// The settings table keys
const (
	KeySwapRate       = "swap_rate_x_per_usdt"
	KeySwapFeePercent = "swap_fee_percent"
	KeySwapMinUsdt    = "swap_min_usdt"

	KeySendFee       = "send_fee_x"
	KeySendMinAmount = "send_min_x"

	KeyWithdrawFee       = "withdraw_fee_usdt"
	KeyWithdrawMinUsdt   = "withdraw_min_usdt"
	KeyWithdrawMaxUsdt   = "withdraw_max_usdt"
	KeyWithdrawMaxActive = "withdraw_max_active_requests"
)

// defaults apply when a key has never been written
var defaults = map[string]string{
	KeySwapRate:       "100",
	KeySwapFeePercent: "2",
	KeySwapMinUsdt:    "1",

	KeySendFee:       "0.5",
	KeySendMinAmount: "1",

	KeyWithdrawFee:       "1",
	KeyWithdrawMinUsdt:   "5",
	KeyWithdrawMaxUsdt:   "10000",
	KeyWithdrawMaxActive: "3",
}

// SwapConfig is the dynamic configuration for the swap service
type SwapConfig struct {
	// RateXPerUsdt is how many X one USDT buys
	RateXPerUsdt decimal.Decimal
	// FeePercent is charged on the USDT side of every swap
	FeePercent decimal.Decimal
	// MinSwapUsdt is the smallest allowed swap, in USDT terms
	MinSwapUsdt decimal.Decimal
}

// SendConfig is the dynamic configuration for the send service
type SendConfig struct {
	// Fee is the flat per-transfer fee in X, charged to the sender
	Fee decimal.Decimal
	// MinAmount is the smallest allowed transfer in X
	MinAmount decimal.Decimal
}

// WithdrawConfig is the dynamic configuration for the withdraw service
type WithdrawConfig struct {
	// Fee is the flat withdrawal fee in USDT
	Fee decimal.Decimal
	// MinAmount and MaxAmount bound a single withdrawal, in USDT
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// MaxActiveRequests caps a user's simultaneous PENDING/PROCESSING
	// requests
	MaxActiveRequests int
}

// Provider reads settings through a TTL cache and invalidates it on write
type Provider struct {
	db  *db.DB
	ttl time.Duration

	mu        sync.RWMutex
	values    map[string]string
	refreshed time.Time
}

// NewProvider creates a settings provider backed by the given database
func NewProvider(d *db.DB, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{
		db:  d,
		ttl: ttl,
	}
}

// snapshot returns the current settings map, refreshing the cache from
// the database when the TTL has expired
func (p *Provider) snapshot() (map[string]string, error) {
	p.mu.RLock()
	if p.values != nil && time.Since(p.refreshed) < p.ttl {
		values := p.values
		p.mu.RUnlock()
		return values, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// another goroutine may have refreshed while we waited for the lock
	if p.values != nil && time.Since(p.refreshed) < p.ttl {
		return p.values, nil
	}

	type row struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	var rows []row
	if err := p.db.Select(&rows, "SELECT key, value FROM settings"); err != nil {
		return nil, errors.Wrap(err, "could not read settings")
	}

	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	p.values = values
	p.refreshed = time.Now()

	return values, nil
}

// Set upserts a setting and invalidates the cache so the next read sees
// the new value immediately
func (p *Provider) Set(key, value string) error {
	_, err := p.db.Exec(
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return errors.Wrapf(err, "could not set setting %q", key)
	}

	p.Invalidate()

	log.WithField("key", key).Info("Updated setting")
	return nil
}

// Invalidate drops the cached snapshot
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.values = nil
	p.mu.Unlock()
}

// Get returns a single raw setting value, falling back to the default
func (p *Provider) Get(key string) (string, error) {
	values, err := p.snapshot()
	if err != nil {
		return "", err
	}
	if value, ok := values[key]; ok {
		return value, nil
	}
	if value, ok := defaults[key]; ok {
		return value, nil
	}
	return "", sql.ErrNoRows
}

func (p *Provider) getDecimal(key string) (decimal.Decimal, error) {
	raw, err := p.Get(key)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "setting %q is not a valid decimal: %q", key, raw)
	}
	return value, nil
}

func (p *Provider) getInt(key string) (int, error) {
	value, err := p.getDecimal(key)
	if err != nil {
		return 0, err
	}
	return int(value.IntPart()), nil
}

// Swap returns the current swap configuration
func (p *Provider) Swap() (SwapConfig, error) {
	rate, err := p.getDecimal(KeySwapRate)
	if err != nil {
		return SwapConfig{}, err
	}
	feePercent, err := p.getDecimal(KeySwapFeePercent)
	if err != nil {
		return SwapConfig{}, err
	}
	minSwap, err := p.getDecimal(KeySwapMinUsdt)
	if err != nil {
		return SwapConfig{}, err
	}

	return SwapConfig{
		RateXPerUsdt: rate,
		FeePercent:   feePercent,
		MinSwapUsdt:  minSwap,
	}, nil
}

// Send returns the current send configuration
func (p *Provider) Send() (SendConfig, error) {
	fee, err := p.getDecimal(KeySendFee)
	if err != nil {
		return SendConfig{}, err
	}
	minAmount, err := p.getDecimal(KeySendMinAmount)
	if err != nil {
		return SendConfig{}, err
	}

	return SendConfig{
		Fee:       fee,
		MinAmount: minAmount,
	}, nil
}

// Withdraw returns the current withdraw configuration
func (p *Provider) Withdraw() (WithdrawConfig, error) {
	fee, err := p.getDecimal(KeyWithdrawFee)
	if err != nil {
		return WithdrawConfig{}, err
	}
	minAmount, err := p.getDecimal(KeyWithdrawMinUsdt)
	if err != nil {
		return WithdrawConfig{}, err
	}
	maxAmount, err := p.getDecimal(KeyWithdrawMaxUsdt)
	if err != nil {
		return WithdrawConfig{}, err
	}
	maxActive, err := p.getInt(KeyWithdrawMaxActive)
	if err != nil {
		return WithdrawConfig{}, err
	}

	return WithdrawConfig{
		Fee:               fee,
		MinAmount:         minAmount,
		MaxAmount:         maxAmount,
		MaxActiveRequests: maxActive,
	}, nil
}
