// Package exposure enforces portfolio concentration limits before a new
// entry or add is sent to the exchange.
//
// Symbols that share a base asset (BTCUSDT, BTCFDUSD) move together, so
// their notionals are summed into one correlated group. Groups can be widened
// explicitly, for example mapping ETH and SOL into an "L1" group.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolWeightExceeded is returned when a trade would push a single
	// symbol's share of equity beyond MaxSymbolWeight.
	ErrSymbolWeightExceeded = errors.New("exposure: per-symbol weight limit exceeded")

	// ErrCorrelatedWeightExceeded is returned when the aggregate notional of
	// the symbol's correlated group would exceed MaxCorrelatedWeight.
	ErrCorrelatedWeightExceeded = errors.New("exposure: correlated weight limit exceeded")

	// ErrMaxPositions is returned when opening a new symbol would exceed
	// the concurrent position cap.
	ErrMaxPositions = errors.New("exposure: max concurrent positions reached")

	// ErrNoEquity is returned when equity is not positive.
	ErrNoEquity = errors.New("exposure: equity must be positive")
)

// GroupFunc maps a symbol to its correlation group key.
type GroupFunc func(symbol string) string

// Limiter enforces weight limits as fractions of account equity.
type Limiter struct {
	// MaxSymbolWeight caps one symbol's notional / equity. Zero disables.
	MaxSymbolWeight decimal.Decimal

	// MaxCorrelatedWeight caps a correlated group's notional / equity.
	// Zero disables.
	MaxCorrelatedWeight decimal.Decimal

	// MaxPositions caps the number of distinct open symbols. Zero disables.
	MaxPositions int

	group GroupFunc
}

// NewLimiter creates a limiter. group maps symbols to correlation groups;
// nil treats every symbol as its own group.
func NewLimiter(maxSymbolWeight, maxCorrelatedWeight decimal.Decimal, maxPositions int, group GroupFunc) *Limiter {
	if group == nil {
		group = func(s string) string { return s }
	}
	return &Limiter{
		MaxSymbolWeight:     maxSymbolWeight,
		MaxCorrelatedWeight: maxCorrelatedWeight,
		MaxPositions:        maxPositions,
		group:               group,
	}
}

// CheckEntry validates whether adding notional to symbol respects the limits.
//
// open maps symbol → current open notional. equity is the account value the
// weights are measured against (free quote balance plus open notional).
func (l *Limiter) CheckEntry(
	symbol string,
	notional, equity decimal.Decimal,
	open map[string]decimal.Decimal,
) error {
	if !equity.IsPositive() {
		return ErrNoEquity
	}

	// 1. Position count, only when symbol is new.
	if _, held := open[symbol]; !held && l.MaxPositions > 0 && len(open) >= l.MaxPositions {
		return ErrMaxPositions
	}

	// 2. Per-symbol weight.
	newNotional := open[symbol].Add(notional)
	if l.MaxSymbolWeight.IsPositive() &&
		newNotional.Div(equity).GreaterThan(l.MaxSymbolWeight) {
		return ErrSymbolWeightExceeded
	}

	// 3. Correlated weight across symbols in the same group.
	if l.MaxCorrelatedWeight.IsPositive() {
		target := l.group(symbol)
		total := newNotional
		for s, n := range open {
			if s == symbol {
				continue // counted via newNotional
			}
			if l.group(s) == target {
				total = total.Add(n.Abs())
			}
		}
		if total.Div(equity).GreaterThan(l.MaxCorrelatedWeight) {
			return ErrCorrelatedWeightExceeded
		}
	}

	return nil
}

// Headroom returns the largest notional that can be added to symbol without
// breaching the per-symbol or correlated weight, floored at zero. The
// position-count check is not applied.
func (l *Limiter) Headroom(symbol string, equity decimal.Decimal, open map[string]decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() {
		return decimal.Zero
	}
	room := equity
	if l.MaxSymbolWeight.IsPositive() {
		room = decimal.Min(room, equity.Mul(l.MaxSymbolWeight).Sub(open[symbol]))
	}
	if l.MaxCorrelatedWeight.IsPositive() {
		target := l.group(symbol)
		used := decimal.Zero
		for s, n := range open {
			if l.group(s) == target {
				used = used.Add(n.Abs())
			}
		}
		room = decimal.Min(room, equity.Mul(l.MaxCorrelatedWeight).Sub(used))
	}
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// BaseAssetGroups returns a GroupFunc that groups symbols by base asset,
// then applies overrides (base asset → group name).
func BaseAssetGroups(base func(symbol string) string, overrides map[string]string) GroupFunc {
	return func(symbol string) string {
		b := base(symbol)
		if g, ok := overrides[b]; ok {
			return g
		}
		return b
	}
}
