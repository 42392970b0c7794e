// Package exposure implements open-stake limits that account for correlation
// between trading pairs.
//
// Pairs that share a base asset (BTC/USDT and BTC/USDC) move together, so an
// account stacking pending trades across them carries one concentrated risk.
// The limiter caps pending stake per pair and per base asset.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/pair"
)

var (
	// ErrPerPairLimitExceeded is returned when a trade would push the open
	// stake on a single pair beyond the per-pair maximum.
	ErrPerPairLimitExceeded = errors.New("exposure: per-pair stake limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// open stake across pairs sharing a base asset beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated stake limit exceeded")
)

// Limiter enforces pending-stake limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerPair is the maximum open stake on any single pair.
	MaxPerPair decimal.Decimal

	// MaxCorrelated is the maximum open stake across all pairs with the
	// same base asset.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pair and correlated limits.
func NewLimiter(maxPerPair, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerPair:    maxPerPair,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding stake on target respects the limits.
// open maps canonical pair symbol → pending stake for the account.
func (l *Limiter) CheckLimit(target pair.Pair, stake decimal.Decimal, open map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	key := target.String()
	newOnPair := open[key].Add(stake)

	if l.MaxPerPair.IsPositive() && newOnPair.GreaterThan(l.MaxPerPair) {
		return ErrPerPairLimitExceeded
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	total := newOnPair
	for sym, amt := range open {
		if sym == key {
			continue // counted in newOnPair
		}
		p, err := pair.Parse(sym)
		if err != nil {
			continue
		}
		if p.Base == target.Base {
			total = total.Add(amt)
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
