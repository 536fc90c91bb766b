package risk

import (
	"github.com/shopspring/decimal"
)

var (
	one       = decimal.NewFromInt(1)
	ten       = decimal.NewFromInt(10)
	maxSpend  = decimal.NewFromFloat(0.95)
	bpsFactor = decimal.NewFromInt(10000)
)

// KellyInput holds the sizing inputs for one entry.
type KellyInput struct {
	Capital  decimal.Decimal
	WinRate  decimal.Decimal // p, clamped to [0,1]
	AvgWin   decimal.Decimal
	AvgLoss  decimal.Decimal
	Score    decimal.Decimal // signal score, sign ignored
	MaxScore decimal.Decimal
	FMax     decimal.Decimal // cap on the raw Kelly fraction
	PosMin   decimal.Decimal // floor on the final fraction
	PosMax   decimal.Decimal // cap on the final fraction
}

// KellySize returns the notional to commit: capital times the Kelly fraction
// scaled by signal confidence. Degenerate inputs size to zero.
//
// The result is non-decreasing in |Score| and never exceeds Capital*PosMax.
func KellySize(in KellyInput) decimal.Decimal {
	if !in.Capital.IsPositive() || !in.AvgWin.IsPositive() || !in.AvgLoss.IsPositive() || !in.MaxScore.IsPositive() {
		return decimal.Zero
	}

	p := clamp(in.WinRate, decimal.Zero, one)
	q := one.Sub(p)
	b := in.AvgWin.Div(in.AvgLoss)

	fStar := b.Mul(p).Sub(q).Div(b)
	fStar = clamp(fStar, decimal.Zero, in.FMax)

	confidence := Confidence(in.Score, in.MaxScore)
	fraction := clamp(fStar.Mul(confidence), in.PosMin, in.PosMax)
	return in.Capital.Mul(fraction)
}

// Confidence maps a signal score to [0,1] as |score|/maxScore.
func Confidence(score, maxScore decimal.Decimal) decimal.Decimal {
	if !maxScore.IsPositive() {
		return decimal.Zero
	}
	return clamp(score.Abs().Div(maxScore), decimal.Zero, one)
}

// SpendAmount is the fixed-risk fallback sizing used when no Kelly
// statistics are configured: ten times the per-trade risk budget, capped by
// the symbol weight and by 95% of the balance. Amounts below minOrder size
// to zero.
func SpendAmount(balance, riskPerTrade, maxSymbolWeight, minOrder decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}
	spend := decimal.Min(
		balance.Mul(riskPerTrade).Mul(ten),
		balance.Mul(maxSymbolWeight),
		balance.Mul(maxSpend),
	)
	if spend.LessThan(minOrder) {
		return decimal.Zero
	}
	return spend
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
