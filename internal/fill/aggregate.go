// Package fill reduces raw broker order responses to a single execution
// summary.
package fill

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/model"
)

// Summary is the volume-weighted outcome of one order.
type Summary struct {
	AvgPrice decimal.Decimal
	Qty      decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
}

// Aggregate computes VWAP, total quantity and total fee. Explicit fills take
// precedence; otherwise the cumulative executed/quote fields are used.
// Zero quantity yields a zero summary.
func Aggregate(o model.BrokerOrder) Summary {
	if len(o.Fills) == 0 {
		return fromCumulative(o.ExecutedQty, o.CumulativeQuoteQty)
	}

	var s Summary
	quote := decimal.Zero
	for _, f := range o.Fills {
		quote = quote.Add(f.Price.Mul(f.Qty))
		s.Qty = s.Qty.Add(f.Qty)
		s.Fee = s.Fee.Add(f.Commission)
		if s.FeeAsset == "" && f.CommissionAsset != "" {
			s.FeeAsset = f.CommissionAsset
		}
	}
	if !s.Qty.IsPositive() {
		return Summary{Fee: s.Fee, FeeAsset: s.FeeAsset}
	}
	s.AvgPrice = quote.Div(s.Qty)
	return s
}

func fromCumulative(qty, quote decimal.Decimal) Summary {
	if !qty.IsPositive() {
		return Summary{}
	}
	return Summary{AvgPrice: quote.Div(qty), Qty: qty}
}
