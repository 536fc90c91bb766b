// Package symbolrules applies exchange lot, tick and notional constraints and
// caches the per-symbol filters for the session.
package symbolrules

import (
	"github.com/shopspring/decimal"
)

// RoundQtyToStep truncates qty down to a multiple of step. It never rounds
// up, so a sell can never exceed the held quantity. A non-positive step
// returns qty unchanged.
func RoundQtyToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty.Sub(qty.Mod(step))
}

// RoundPriceToTick truncates price down to a multiple of tick.
func RoundPriceToTick(price, tick decimal.Decimal) decimal.Decimal {
	return RoundQtyToStep(price, tick)
}

// ValidateMinNotional reports whether price*qty meets minNotional. A
// non-positive minimum always passes.
func ValidateMinNotional(price, qty, minNotional decimal.Decimal) bool {
	if !minNotional.IsPositive() {
		return true
	}
	return price.Mul(qty).GreaterThanOrEqual(minNotional)
}
