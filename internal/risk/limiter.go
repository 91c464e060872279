// Package risk enforces stake limits on new trades: a per-trade stake band
// and caps on the stake a user may hold open, per symbol and in total.
//
// Open exposure is the sum of stakes of the user's pending trades. A
// settled trade no longer counts against any limit.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

var (
	// ErrStakeTooSmall is returned when a stake is below the minimum.
	ErrStakeTooSmall = errors.New("risk: stake below minimum")

	// ErrStakeTooLarge is returned when a stake is above the per-trade maximum.
	ErrStakeTooLarge = errors.New("risk: stake above maximum")

	// ErrSymbolExposureExceeded is returned when a trade would push the
	// user's open stake on one symbol beyond the per-symbol maximum.
	ErrSymbolExposureExceeded = errors.New("risk: open stake per symbol exceeded")

	// ErrTotalExposureExceeded is returned when a trade would push the
	// user's open stake across all symbols beyond the total maximum.
	ErrTotalExposureExceeded = errors.New("risk: total open stake exceeded")
)

// Limiter holds the configured limits. A zero limit is disabled.
type Limiter struct {
	MinStake         decimal.Decimal
	MaxStake         decimal.Decimal
	MaxOpenPerSymbol decimal.Decimal
	MaxOpenTotal     decimal.Decimal
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(minStake, maxStake, maxOpenPerSymbol, maxOpenTotal decimal.Decimal) *Limiter {
	return &Limiter{
		MinStake:         minStake,
		MaxStake:         maxStake,
		MaxOpenPerSymbol: maxOpenPerSymbol,
		MaxOpenTotal:     maxOpenTotal,
	}
}

// Enabled reports whether any limit is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MinStake.IsPositive() || l.MaxStake.IsPositive() || l.TracksExposure())
}

// TracksExposure reports whether a check needs the user's open stake.
func (l *Limiter) TracksExposure() bool {
	return l != nil && (l.MaxOpenPerSymbol.IsPositive() || l.MaxOpenTotal.IsPositive())
}

// CheckLimit validates whether a new stake respects the limits.
//
// Parameters:
//   - symbol: canonical symbol of the new trade
//   - stake: stake of the new trade
//   - open: map of symbol → stake currently held in the user's pending trades
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(symbol string, stake decimal.Decimal, open map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-trade band.
	if l.MinStake.IsPositive() && stake.LessThan(l.MinStake) {
		return ErrStakeTooSmall
	}
	if l.MaxStake.IsPositive() && stake.GreaterThan(l.MaxStake) {
		return ErrStakeTooLarge
	}

	// 2. Open stake on this symbol.
	if l.MaxOpenPerSymbol.IsPositive() && open[symbol].Add(stake).GreaterThan(l.MaxOpenPerSymbol) {
		return ErrSymbolExposureExceeded
	}

	// 3. Open stake overall.
	if l.MaxOpenTotal.IsPositive() {
		total := stake
		for _, s := range open {
			total = total.Add(s)
		}
		if total.GreaterThan(l.MaxOpenTotal) {
			return ErrTotalExposureExceeded
		}
	}

	return nil
}

// OpenExposure sums the stakes of pending trades per symbol.
func OpenExposure(trades []model.Trade) map[string]decimal.Decimal {
	open := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.Pending() {
			open[t.Symbol] = open[t.Symbol].Add(t.Stake)
		}
	}
	return open
}
