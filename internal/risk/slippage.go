package risk

import "github.com/shopspring/decimal"

// SpreadBps returns (ask-bid)/mid in basis points, or zero when either quote
// is missing.
func SpreadBps(bid, ask decimal.Decimal) decimal.Decimal {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return ask.Sub(bid).Div(mid).Mul(bpsFactor)
}

// IsWithinLimit reports whether the quoted spread is at most maxBps.
// Missing or zero quotes are allowed so a data glitch never blocks trading.
func IsWithinLimit(bid, ask, maxBps decimal.Decimal) bool {
	if !bid.IsPositive() || !ask.IsPositive() {
		return true
	}
	return SpreadBps(bid, ask).LessThanOrEqual(maxBps)
}
