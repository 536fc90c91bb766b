package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position statuses.
const (
	StatusActive = "ACTIVE"
	StatusClosed = "CLOSED"
)

// Leg reasons.
const (
	ReasonEntry       = "entry"
	ReasonPyramid     = "pyramid"
	ReasonAveraging   = "averaging"
	ReasonPartialExit = "partial_exit"
	ReasonExit        = "exit"
)

// Default position policy limits.
const (
	DefaultMaxPyramidLegs = 3
	DefaultMinAddInterval = time.Hour
)

// PositionLeg is one fill that changed a position.
type PositionLeg struct {
	Timestamp time.Time       `json:"timestamp"`
	Side      string          `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	OrderID   string          `json:"order_id,omitempty"`
	Reason    string          `json:"reason"`
}

// Position is a long-only holding in one symbol built from append-only legs.
// Qty and EntryPrice are derived; call Recalculate after touching the legs
// directly.
type Position struct {
	Symbol            string          `json:"symbol"`
	Legs              []PositionLeg   `json:"legs"`
	PartialExits      []PositionLeg   `json:"partial_exits"`
	Status            string          `json:"status"`
	EntryTime         time.Time       `json:"entry_time"`
	Qty               decimal.Decimal `json:"qty"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	TakeProfit        decimal.Decimal `json:"take_profit"`
	TrailingStopPrice decimal.Decimal `json:"trailing_stop_price"`
	HighestPrice      decimal.Decimal `json:"highest_price"`
	MaxPyramidLegs    int             `json:"max_pyramid_legs"`
	MinAddInterval    Seconds         `json:"min_add_interval_seconds"`
}

// NewPosition opens a position from its first fill.
func NewPosition(symbol string, entry PositionLeg, stop, takeProfit decimal.Decimal) Position {
	if entry.Reason == "" {
		entry.Reason = ReasonEntry
	}
	p := Position{
		Symbol:            symbol,
		Legs:              []PositionLeg{entry},
		Status:            StatusActive,
		EntryTime:         entry.Timestamp,
		StopPrice:         stop,
		TakeProfit:        takeProfit,
		TrailingStopPrice: stop,
		HighestPrice:      entry.Price,
		MaxPyramidLegs:    DefaultMaxPyramidLegs,
		MinAddInterval:    Seconds(DefaultMinAddInterval),
	}
	p.Recalculate()
	return p
}

// Recalculate derives Qty and EntryPrice from the legs. A position whose net
// quantity reaches zero is marked closed.
func (p *Position) Recalculate() {
	bought := decimal.Zero
	cost := decimal.Zero
	for _, l := range p.Legs {
		if l.Side != SideBuy {
			continue
		}
		bought = bought.Add(l.Qty)
		cost = cost.Add(l.Qty.Mul(l.Price))
	}
	sold := decimal.Zero
	for _, l := range p.PartialExits {
		sold = sold.Add(l.Qty)
	}

	if bought.IsPositive() {
		p.EntryPrice = cost.Div(bought)
	} else {
		p.EntryPrice = decimal.Zero
	}
	p.Qty = bought.Sub(sold)
	if !p.Qty.IsPositive() {
		p.Qty = decimal.Zero
		p.Status = StatusClosed
	}
}

// AddLeg appends a buy leg (pyramid or averaging).
func (p *Position) AddLeg(leg PositionLeg) {
	p.Legs = append(p.Legs, leg)
	p.Recalculate()
}

// AddPartialExit appends a sell leg and reduces the net quantity.
func (p *Position) AddPartialExit(leg PositionLeg) {
	p.PartialExits = append(p.PartialExits, leg)
	p.Recalculate()
}

// RaiseTrailingStop moves the trailing stop up to price. It never lowers it.
func (p *Position) RaiseTrailingStop(price decimal.Decimal) bool {
	if price.GreaterThan(p.TrailingStopPrice) {
		p.TrailingStopPrice = price
		return true
	}
	return false
}

// ObservePrice records a new high.
func (p *Position) ObservePrice(price decimal.Decimal) {
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}
}

// CanAdd reports whether another buy leg is allowed at now.
func (p *Position) CanAdd(now time.Time) bool {
	if len(p.Legs) >= p.MaxPyramidLegs {
		return false
	}
	if len(p.Legs) == 0 {
		return true
	}
	last := p.Legs[len(p.Legs)-1].Timestamp
	return now.Sub(last) >= time.Duration(p.MinAddInterval)
}

// UnrealizedReturn is (price - entry) / entry, or zero without an entry.
func (p *Position) UnrealizedReturn(price decimal.Decimal) decimal.Decimal {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// UnrealizedPnL is (price - entry) * qty.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.Qty)
}

// EffectiveStop is the higher of the bracket stop and the trailing stop.
func (p *Position) EffectiveStop() decimal.Decimal {
	return decimal.Max(p.StopPrice, p.TrailingStopPrice)
}

// CountLegs returns the number of buy legs tagged with reason.
func (p *Position) CountLegs(reason string) int {
	n := 0
	for _, l := range p.Legs {
		if l.Reason == reason {
			n++
		}
	}
	return n
}

// HasPartialExit reports whether a partial exit with the given reason tag
// was already taken.
func (p *Position) HasPartialExit(reason string) bool {
	for _, l := range p.PartialExits {
		if l.Reason == reason {
			return true
		}
	}
	return false
}

// Notional is qty * entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Qty.Mul(p.EntryPrice)
}

// Clone returns a deep copy.
func (p *Position) Clone() Position {
	c := *p
	c.Legs = append([]PositionLeg(nil), p.Legs...)
	c.PartialExits = append([]PositionLeg(nil), p.PartialExits...)
	return c
}

// Seconds is a duration serialized as whole seconds.
type Seconds time.Duration

func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(time.Duration(s)/time.Second), 10)), nil
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	// Older books may carry 3600.0 or 1e3.
	f, err := strconv.ParseFloat(strings.Trim(string(b), `"`), 64)
	if err != nil {
		return fmt.Errorf("seconds: %w", err)
	}
	*s = Seconds(time.Duration(f * float64(time.Second)))
	return nil
}
