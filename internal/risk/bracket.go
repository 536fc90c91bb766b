// Package risk implements the pre-trade risk math: ATR brackets, Kelly
// position sizing and the bid/ask spread guard.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
)

// Bracket sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// BracketParams are the ATR multipliers applied on entry.
type BracketParams struct {
	KSl decimal.Decimal `yaml:"k_sl" json:"k_sl"` // stop distance in ATRs
	RR  decimal.Decimal `yaml:"rr" json:"rr"`     // take-profit distance as a multiple of the stop distance
}

// ComputeBracket returns the initial stop-loss and take-profit for an entry.
//
//	long:  sl = entry - kSl*atr, tp = entry + rr*kSl*atr
//	short: sl = entry + kSl*atr, tp = entry - rr*kSl*atr
func ComputeBracket(entry, atr decimal.Decimal, side string, kSl, rr decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if atr.IsNegative() || kSl.IsNegative() || rr.IsNegative() {
		return decimal.Zero, decimal.Zero, &errs.ValidationError{
			Field:      "bracket",
			Value:      atr.String() + "/" + kSl.String() + "/" + rr.String(),
			Constraint: "atr, k_sl and rr must be non-negative",
			Msg:        "invalid bracket parameters",
		}
	}

	distance := kSl.Mul(atr)
	switch side {
	case SideLong:
		return entry.Sub(distance), entry.Add(rr.Mul(distance)), nil
	case SideShort:
		return entry.Add(distance), entry.Sub(rr.Mul(distance)), nil
	}
	return decimal.Zero, decimal.Zero, &errs.ValidationError{
		Field:      "side",
		Value:      side,
		Constraint: "long or short",
		Msg:        "unknown bracket side",
	}
}
