package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/model"
)

// DefaultATRPeriod is the Wilder smoothing period.
const DefaultATRPeriod = 14

// ApplyATR fills Kline.ATR using Wilder's smoothing. Rows before the first
// full period keep a zero ATR.
func ApplyATR(klines []model.Kline, period int) {
	if period <= 0 || len(klines) < period {
		return
	}
	n := decimal.NewFromInt(int64(period))
	nMinus1 := decimal.NewFromInt(int64(period - 1))

	sum := decimal.Zero
	var atr decimal.Decimal
	for i := range klines {
		tr := trueRange(klines, i)
		switch {
		case i < period-1:
			sum = sum.Add(tr)
		case i == period-1:
			atr = sum.Add(tr).Div(n)
			klines[i].ATR = atr
		default:
			atr = atr.Mul(nMinus1).Add(tr).Div(n)
			klines[i].ATR = atr
		}
	}
}

func trueRange(k []model.Kline, i int) decimal.Decimal {
	hl := k[i].High.Sub(k[i].Low)
	if i == 0 {
		return hl
	}
	prev := k[i-1].Close
	return decimal.Max(hl, k[i].High.Sub(prev).Abs(), k[i].Low.Sub(prev).Abs())
}
