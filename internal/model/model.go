// Package model defines the core domain types shared across the execution
// engine. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Raw broker order statuses.
const (
	BrokerStatusNew             = "NEW"
	BrokerStatusPartiallyFilled = "PARTIALLY_FILLED"
	BrokerStatusFilled          = "FILLED"
	BrokerStatusCanceled        = "CANCELED"
	BrokerStatusRejected        = "REJECTED"
	BrokerStatusExpired         = "EXPIRED"
)

// Terminal statuses of an OrderResult.
const (
	ResultFilled   = "FILLED"
	ResultPartial  = "PARTIAL"
	ResultTimeout  = "TIMEOUT"
	ResultRejected = "REJECTED"
)

// OrderIntent is one logical order. ClientOrderID is generated once and
// reused for every retry of the same intent.
type OrderIntent struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	QuoteQty      decimal.Decimal `json:"quote_qty"` // notional, market buys
	Quantity      decimal.Decimal `json:"quantity"`  // base units, market sells
	ClientOrderID string          `json:"client_order_id"`
	Reason        string          `json:"reason"`
}

// Fill is one execution reported by the broker.
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
}

// BrokerOrder is the raw order state returned by CreateOrder, GetOrder and
// the recent-orders listing.
type BrokerOrder struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"order_id"`
	ClientOrderID      string          `json:"client_order_id"`
	Side               string          `json:"side"`
	Status             string          `json:"status"`
	ExecutedQty        decimal.Decimal `json:"executed_qty"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulative_quote_qty"`
	Fills              []Fill          `json:"fills,omitempty"`
	TransactTime       time.Time       `json:"transact_time"`
}

// IsTerminal reports whether the broker will not change the order further.
func (o *BrokerOrder) IsTerminal() bool {
	switch o.Status {
	case BrokerStatusFilled, BrokerStatusCanceled, BrokerStatusRejected, BrokerStatusExpired:
		return true
	}
	return false
}

// OrderResult is the aggregated outcome of an intent. It doubles as the
// immutable ledger row.
type OrderResult struct {
	ID            string          `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          string          `json:"side" db:"side"`
	Reason        string          `json:"reason" db:"reason"`
	OrderID       int64           `json:"order_id" db:"order_id"`
	ClientOrderID string          `json:"client_order_id" db:"client_order_id"`
	Status        string          `json:"status" db:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty" db:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	FeeAsset      string          `json:"fee_asset" db:"fee_asset"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// SymbolFilters are the exchange trading constraints of one symbol.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	TickSize    decimal.Decimal `json:"tick_size"`
}

// Quote is the best bid/ask of a symbol.
type Quote struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Kline is one OHLCV row. ATR is computed by the market-data provider.
type Kline struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	ATR      decimal.Decimal `json:"atr"`
}

// Position action types.
const (
	ActionBuyAdd      = "BUY_ADD"
	ActionSellPartial = "SELL_PARTIAL"
	ActionUpdateTrail = "UPDATE_TRAIL"
)

// PositionAction is emitted by the lifecycle manager and consumed by the
// execution layer. It is never mutated after creation.
type PositionAction struct {
	Type     string          `json:"type"`
	QtyRatio decimal.Decimal `json:"qty_ratio"`
	Quantity decimal.Decimal `json:"quantity"` // base units to sell
	Notional decimal.Decimal `json:"notional"` // quote amount to add
	Price    decimal.Decimal `json:"price"`    // target trailing stop
	Reason   string          `json:"reason"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}
