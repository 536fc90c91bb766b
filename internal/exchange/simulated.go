package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/pair"
	"github.com/atmx/exec-engine/internal/symbolrules"
)

// PriceSource supplies reference prices to the simulated venue.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SimulatedConfig configures the paper venue.
type SimulatedConfig struct {
	FeeRate         decimal.Decimal `yaml:"fee_rate" json:"fee_rate"`
	StartingBalance decimal.Decimal `yaml:"starting_balance" json:"starting_balance"`
	QuoteAsset      string          `yaml:"quote_asset" json:"quote_asset"`
	// SpreadBps is the synthetic bid/ask spread quoted around the price.
	SpreadBps decimal.Decimal `yaml:"spread_bps" json:"spread_bps"`
	// Filters applies to every symbol unless overridden in SymbolFilters.
	Filters       model.SymbolFilters            `yaml:"filters" json:"filters"`
	SymbolFilters map[string]model.SymbolFilters `yaml:"symbol_filters" json:"symbol_filters"`
}

// DefaultSimulatedConfig is a fee-free venue with 10,000 USDT.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		FeeRate:         decimal.Zero,
		StartingBalance: decimal.NewFromInt(10000),
		QuoteAsset:      "USDT",
		SpreadBps:       decimal.Zero,
		Filters: model.SymbolFilters{
			StepSize:    decimal.RequireFromString("0.00001"),
			MinQty:      decimal.RequireFromString("0.00001"),
			MinNotional: decimal.NewFromInt(5),
			TickSize:    decimal.RequireFromString("0.01"),
		},
	}
}

// Simulated is an in-process paper venue. Market orders fill immediately
// and completely at the reference price.
type Simulated struct {
	cfg    SimulatedConfig
	prices PriceSource
	pairs  *pair.Parser
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   []model.BrokerOrder
	nextID   int64
}

// NewSimulated creates a venue funded with cfg.StartingBalance of the quote
// asset.
func NewSimulated(cfg SimulatedConfig, prices PriceSource, pairs *pair.Parser) *Simulated {
	if pairs == nil {
		pairs = pair.NewParser(nil)
	}
	s := &Simulated{
		cfg:      cfg,
		prices:   prices,
		pairs:    pairs,
		now:      time.Now,
		balances: map[string]decimal.Decimal{cfg.QuoteAsset: cfg.StartingBalance},
		nextID:   1,
	}
	return s
}

// Deposit credits asset, e.g. to back positions restored from disk.
func (s *Simulated) Deposit(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = s.balances[asset].Add(amount)
}

// CreateOrder fills a market order at the reference price.
func (s *Simulated) CreateOrder(ctx context.Context, in model.OrderIntent) (model.BrokerOrder, error) {
	p, err := s.pairs.Parse(in.Symbol)
	if err != nil {
		return model.BrokerOrder{}, err
	}
	price, err := s.prices.CurrentPrice(ctx, in.Symbol)
	if err != nil {
		return model.BrokerOrder{}, &errs.NetworkError{Op: "simulated price", Err: err}
	}
	if !price.IsPositive() {
		return model.BrokerOrder{}, fmt.Errorf("simulated: no price for %s", in.Symbol)
	}
	f := s.filters(in.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.ClientOrderID == in.ClientOrderID {
			return model.BrokerOrder{}, fmt.Errorf("simulated: duplicate client order id %s", in.ClientOrderID)
		}
	}

	var qty, fee decimal.Decimal
	var feeAsset string
	switch in.Side {
	case model.SideBuy:
		qty = symbolrules.RoundQtyToStep(in.QuoteQty.Div(price), f.StepSize)
		cost := qty.Mul(price)
		if cost.GreaterThan(s.balances[p.Quote]) {
			return model.BrokerOrder{}, fmt.Errorf("simulated: insufficient %s balance", p.Quote)
		}
		fee = qty.Mul(s.cfg.FeeRate)
		feeAsset = p.Base
		s.balances[p.Quote] = s.balances[p.Quote].Sub(cost)
		s.balances[p.Base] = s.balances[p.Base].Add(qty.Sub(fee))
	case model.SideSell:
		qty = symbolrules.RoundQtyToStep(in.Quantity, f.StepSize)
		proceeds := qty.Mul(price)
		fee = proceeds.Mul(s.cfg.FeeRate)
		feeAsset = p.Quote
		s.balances[p.Base] = decimal.Max(decimal.Zero, s.balances[p.Base].Sub(qty))
		s.balances[p.Quote] = s.balances[p.Quote].Add(proceeds.Sub(fee))
	default:
		return model.BrokerOrder{}, fmt.Errorf("simulated: unknown side %q", in.Side)
	}
	if !qty.IsPositive() {
		return model.BrokerOrder{}, fmt.Errorf("simulated: order quantity rounds to zero")
	}

	o := model.BrokerOrder{
		Symbol:             in.Symbol,
		OrderID:            s.nextID,
		ClientOrderID:      in.ClientOrderID,
		Side:               in.Side,
		Status:             model.BrokerStatusFilled,
		ExecutedQty:        qty,
		CumulativeQuoteQty: qty.Mul(price),
		Fills: []model.Fill{{
			Price:           price,
			Qty:             qty,
			Commission:      fee,
			CommissionAsset: feeAsset,
		}},
		TransactTime: s.now().UTC(),
	}
	s.nextID++
	s.orders = append(s.orders, o)
	return o, nil
}

// GetOrder finds an order by id, or by client id when orderID is zero.
func (s *Simulated) GetOrder(_ context.Context, symbol string, orderID int64, clientOrderID string) (model.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Symbol != symbol {
			continue
		}
		if (orderID != 0 && o.OrderID == orderID) || (orderID == 0 && o.ClientOrderID == clientOrderID) {
			return o, nil
		}
	}
	return model.BrokerOrder{}, fmt.Errorf("simulated: order not found")
}

// RecentOrders returns the newest limit orders of symbol, oldest first.
func (s *Simulated) RecentOrders(_ context.Context, symbol string, limit int) ([]model.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BrokerOrder
	for i := len(s.orders) - 1; i >= 0 && len(out) < limit; i-- {
		if s.orders[i].Symbol == symbol {
			out = append(out, s.orders[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// BookTicker quotes a synthetic spread around the reference price.
func (s *Simulated) BookTicker(ctx context.Context, symbol string) (model.Quote, error) {
	price, err := s.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return model.Quote{}, err
	}
	half := price.Mul(s.cfg.SpreadBps).Div(decimal.NewFromInt(20000))
	return model.Quote{Bid: price.Sub(half), Ask: price.Add(half)}, nil
}

// SymbolFilters returns the configured filters.
func (s *Simulated) SymbolFilters(_ context.Context, symbol string) (model.SymbolFilters, error) {
	return s.filters(symbol), nil
}

// FreeBalance returns the paper balance of asset.
func (s *Simulated) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[asset], nil
}

func (s *Simulated) filters(symbol string) model.SymbolFilters {
	f, ok := s.cfg.SymbolFilters[symbol]
	if !ok {
		f = s.cfg.Filters
	}
	f.Symbol = symbol
	return f
}
