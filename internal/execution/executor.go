// Package execution places market orders idempotently and turns their fills
// into position state.
//
// Every logical intent gets one client order id that is reused across
// retries. After a transport failure the executor first looks for an order
// carrying that id before resubmitting, so a request that reached the
// exchange but whose response was lost is adopted rather than duplicated.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/fill"
	"github.com/atmx/exec-engine/internal/metrics"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/risk"
	"github.com/atmx/exec-engine/internal/symbolrules"
)

// BuyRequest opens or adds to a position.
type BuyRequest struct {
	Symbol   string
	Notional decimal.Decimal // quote amount to spend
	// Existing is the position to merge into; nil opens a new one.
	Existing *model.Position
	Reason   string
	// Bracket overrides the configured ATR multipliers for a new position.
	Bracket *risk.BracketParams
	Meta    map[string]any
}

// SellRequest reduces or closes a position.
type SellRequest struct {
	Symbol   string
	Position model.Position
	Partial  bool
	Qty      decimal.Decimal // base units; ignored for a full sell
	Reason   string
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the context-aware sleep used between retries and polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the retry jitter source.
func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = j }
}

// WithJournal records every broker outcome to j.
func WithJournal(j Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// Executor implements order placement with retry, reconciliation and fill
// polling.
type Executor struct {
	cfg     Config
	broker  Broker
	market  MarketData
	rules   *symbolrules.Cache
	kill    *KillSwitch
	journal Journal

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewExecutor validates cfg and builds an executor.
func NewExecutor(cfg Config, broker Broker, market MarketData, kill *KillSwitch, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kill == nil {
		kill = NewKillSwitch(false)
	}
	e := &Executor{
		cfg:    cfg,
		broker: broker,
		market: market,
		rules:  symbolrules.NewCache(broker),
		kill:   kill,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: jitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor policy.
func (e *Executor) Config() Config { return e.cfg }

// KillSwitch returns the switch guarding live placement.
func (e *Executor) KillSwitch() *KillSwitch { return e.kill }

// Filters returns the cached exchange filters for symbol.
func (e *Executor) Filters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	return e.rules.Get(ctx, symbol)
}

// PlaceBuy spends req.Notional of the quote asset at market and returns the
// new or merged position.
func (e *Executor) PlaceBuy(ctx context.Context, req BuyRequest) (*model.Position, error) {
	start := e.now()
	if err := e.checkKill(req.Symbol, model.SideBuy, ""); err != nil {
		return nil, e.fail(model.SideBuy, err)
	}
	if req.Notional.LessThan(e.cfg.MinOrderNotional) || !req.Notional.IsPositive() {
		return nil, e.fail(model.SideBuy, &errs.ValidationError{
			Symbol:     req.Symbol,
			Field:      "notional",
			Value:      req.Notional.String(),
			Constraint: ">= " + e.cfg.MinOrderNotional.String(),
			Msg:        "order amount below minimum",
			Err:        errs.ErrBelowMinimum,
		})
	}
	if err := e.checkSlippage(ctx, req.Symbol); err != nil {
		return nil, e.fail(model.SideBuy, err)
	}

	reason := req.Reason
	if reason == "" {
		reason = model.ReasonEntry
	}
	intent := model.OrderIntent{
		Symbol:        req.Symbol,
		Side:          model.SideBuy,
		QuoteQty:      req.Notional.Truncate(8),
		ClientOrderID: NewClientOrderID(e.cfg.KeyPrefix, model.SideBuy, req.Symbol, e.now()),
		Reason:        reason,
	}
	slog.Info("placing buy",
		"symbol", req.Symbol,
		"notional", intent.QuoteQty.String(),
		"reason", reason,
		"client_order_id", intent.ClientOrderID,
		"mode", e.cfg.Mode,
	)

	res, err := e.execute(ctx, intent)
	metrics.OrderLatency.WithLabelValues(model.SideBuy).Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return nil, e.fail(model.SideBuy, err)
	}

	leg := model.PositionLeg{
		Timestamp: res.Timestamp,
		Side:      model.SideBuy,
		Qty:       res.ExecutedQty,
		Price:     res.AvgPrice,
		OrderID:   orderIDString(res.OrderID),
		Reason:    reason,
	}

	var pos model.Position
	if req.Existing != nil && req.Existing.Status == model.StatusActive {
		pos = req.Existing.Clone()
		pos.AddLeg(leg)
	} else {
		bracket := e.cfg.Bracket
		if req.Bracket != nil {
			bracket = *req.Bracket
		}
		sl, tp := e.bracket(ctx, req.Symbol, res.AvgPrice, bracket)
		pos = model.NewPosition(req.Symbol, leg, sl, tp)
		pos.MaxPyramidLegs = e.cfg.MaxPyramidLegs
		pos.MinAddInterval = model.Seconds(e.cfg.MinAddInterval)
	}

	slog.Info("buy filled",
		"symbol", req.Symbol,
		"qty", res.ExecutedQty.String(),
		"avg_price", res.AvgPrice.String(),
		"status", res.Status,
		"position_qty", pos.Qty.String(),
		"entry_price", pos.EntryPrice.String(),
		"stop", pos.StopPrice.String(),
		"take_profit", pos.TakeProfit.String(),
		"meta", req.Meta,
	)
	return &pos, nil
}

// PlaceSell sells part or all of req.Position. The returned position is nil
// once nothing is left; a close that fills only part of the quantity
// returns the remainder.
func (e *Executor) PlaceSell(ctx context.Context, req SellRequest) (*model.Position, error) {
	start := e.now()
	if err := e.checkKill(req.Symbol, model.SideSell, ""); err != nil {
		return nil, e.fail(model.SideSell, err)
	}
	qty, err := e.sellQty(ctx, req)
	if err != nil {
		return nil, e.fail(model.SideSell, err)
	}
	if err := e.checkSlippage(ctx, req.Symbol); err != nil {
		return nil, e.fail(model.SideSell, err)
	}

	reason := req.Reason
	if reason == "" {
		reason = model.ReasonExit
		if req.Partial {
			reason = model.ReasonPartialExit
		}
	}
	intent := model.OrderIntent{
		Symbol:        req.Symbol,
		Side:          model.SideSell,
		Quantity:      qty,
		ClientOrderID: NewClientOrderID(e.cfg.KeyPrefix, model.SideSell, req.Symbol, e.now()),
		Reason:        reason,
	}
	slog.Info("placing sell",
		"symbol", req.Symbol,
		"qty", qty.String(),
		"partial", req.Partial,
		"reason", reason,
		"client_order_id", intent.ClientOrderID,
		"mode", e.cfg.Mode,
	)

	res, err := e.execute(ctx, intent)
	metrics.OrderLatency.WithLabelValues(model.SideSell).Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return nil, e.fail(model.SideSell, err)
	}

	pnl := res.AvgPrice.Sub(req.Position.EntryPrice).Mul(res.ExecutedQty)
	slog.Info("sell filled",
		"symbol", req.Symbol,
		"qty", res.ExecutedQty.String(),
		"avg_price", res.AvgPrice.String(),
		"status", res.Status,
		"realized_pnl", pnl.StringFixed(8),
		"reason", reason,
	)

	if !req.Partial && res.ExecutedQty.GreaterThanOrEqual(qty) {
		return nil, nil
	}
	if !req.Partial {
		slog.Warn("close only partly filled, keeping remainder",
			"symbol", req.Symbol,
			"requested", qty.String(),
			"executed", res.ExecutedQty.String(),
			"status", res.Status,
		)
	}
	pos := req.Position.Clone()
	pos.AddPartialExit(model.PositionLeg{
		Timestamp: res.Timestamp,
		Side:      model.SideSell,
		Qty:       res.ExecutedQty,
		Price:     res.AvgPrice,
		OrderID:   orderIDString(res.OrderID),
		Reason:    reason,
	})
	if pos.Status == model.StatusClosed {
		return nil, nil
	}
	return &pos, nil
}

// sellQty validates and rounds the sell quantity before any order is sent.
func (e *Executor) sellQty(ctx context.Context, req SellRequest) (decimal.Decimal, error) {
	held := req.Position.Qty
	if req.Position.Status != model.StatusActive || !held.IsPositive() {
		return decimal.Zero, &errs.ValidationError{
			Symbol: req.Symbol,
			Msg:    "no open quantity to sell",
			Err:    errs.ErrNoPosition,
		}
	}
	qty := held
	if req.Partial {
		qty = req.Qty
		if qty.GreaterThan(held) {
			return decimal.Zero, &errs.ValidationError{
				Symbol:     req.Symbol,
				Field:      "qty",
				Value:      qty.String(),
				Constraint: "<= " + held.String(),
				Msg:        "partial quantity exceeds position",
			}
		}
	}

	f, err := e.rules.Get(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, &errs.OrderError{Symbol: req.Symbol, Side: model.SideSell, Msg: "symbol filters unavailable", Err: err}
	}
	qty = symbolrules.RoundQtyToStep(qty, f.StepSize)
	if !qty.IsPositive() || qty.LessThan(f.MinQty) {
		return decimal.Zero, &errs.ValidationError{
			Symbol:     req.Symbol,
			Field:      "qty",
			Value:      qty.String(),
			Constraint: ">= lot_min_qty " + f.MinQty.String(),
			Msg:        "quantity below lot minimum",
			Err:        errs.ErrBelowMinimum,
		}
	}

	price, err := e.market.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, &errs.OrderError{Symbol: req.Symbol, Side: model.SideSell, Msg: "price unavailable", Err: err}
	}
	if !symbolrules.ValidateMinNotional(price, qty, f.MinNotional) {
		return decimal.Zero, &errs.ValidationError{
			Symbol:     req.Symbol,
			Field:      "notional",
			Value:      price.Mul(qty).String(),
			Constraint: ">= min_notional " + f.MinNotional.String(),
			Msg:        "notional below minimum",
			Err:        errs.ErrBelowMinimum,
		}
	}
	return qty, nil
}

// execute runs the intent to a terminal or best-known state, aggregates the
// fills and records the outcome.
func (e *Executor) execute(ctx context.Context, intent model.OrderIntent) (model.OrderResult, error) {
	order, err := e.submit(ctx, intent)
	if err != nil {
		return model.OrderResult{}, err
	}

	timedOut := false
	if !order.IsTerminal() {
		order, timedOut = e.poll(ctx, intent, order)
	}

	sum := fill.Aggregate(order)
	res := model.OrderResult{
		ID:            uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Reason:        intent.Reason,
		OrderID:       order.OrderID,
		ClientOrderID: intent.ClientOrderID,
		Status:        resultStatus(order, timedOut),
		ExecutedQty:   sum.Qty,
		AvgPrice:      sum.AvgPrice,
		Fee:           sum.Fee,
		FeeAsset:      sum.FeeAsset,
		Timestamp:     e.now().UTC(),
	}
	e.record(ctx, res)

	if !sum.Qty.IsPositive() || !sum.AvgPrice.IsPositive() {
		return res, &errs.OrderError{
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			ClientOrderID: intent.ClientOrderID,
			Msg:           fmt.Sprintf("broker status %s", order.Status),
			Err:           errs.ErrZeroFill,
		}
	}

	metrics.OrdersTotal.WithLabelValues(intent.Side, res.Status).Inc()
	metrics.TradedVolume.WithLabelValues(intent.Symbol, intent.Side).
		Add(sum.Qty.Mul(sum.AvgPrice).InexactFloat64())
	return res, nil
}

func (e *Executor) record(ctx context.Context, res model.OrderResult) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrder(ctx, res); err != nil {
		slog.Error("failed to record order", "client_order_id", res.ClientOrderID, "err", err)
	}
}

func (e *Executor) checkKill(symbol, side, clientOrderID string) error {
	if !e.cfg.Live() || !e.kill.Engaged() {
		return nil
	}
	return &errs.OrderError{
		Symbol:        symbol,
		Side:          side,
		ClientOrderID: clientOrderID,
		Msg:           "live placement blocked",
		Err: &errs.ConfigurationError{
			Field: "kill_switch",
			Msg:   "engaged",
			Err:   errs.ErrKillSwitch,
		},
	}
}

// checkSlippage rejects live orders whose quoted spread is too wide. A quote
// that cannot be fetched does not block the order.
func (e *Executor) checkSlippage(ctx context.Context, symbol string) error {
	if !e.cfg.Live() {
		return nil
	}
	q, err := e.broker.BookTicker(ctx, symbol)
	if err != nil {
		slog.Warn("book ticker unavailable, skipping spread check", "symbol", symbol, "err", err)
		return nil
	}
	if risk.IsWithinLimit(q.Bid, q.Ask, e.cfg.MaxSlippageBps) {
		return nil
	}
	metrics.SlippageRejections.Inc()
	spread := risk.SpreadBps(q.Bid, q.Ask)
	return &errs.ValidationError{
		Symbol:     symbol,
		Field:      "spread_bps",
		Value:      spread.StringFixed(2),
		Constraint: "<= " + e.cfg.MaxSlippageBps.String(),
		Msg:        "bid/ask spread too wide",
	}
}

// bracket derives SL/TP from the latest ATR, falling back to a fixed
// percentage around the fill when no market data is available.
func (e *Executor) bracket(ctx context.Context, symbol string, entry decimal.Decimal, p risk.BracketParams) (decimal.Decimal, decimal.Decimal) {
	atr, err := e.latestATR(ctx, symbol)
	if err == nil {
		var sl, tp decimal.Decimal
		if sl, tp, err = risk.ComputeBracket(entry, atr, risk.SideLong, p.KSl, p.RR); err == nil {
			return sl, tp
		}
	}
	slog.Warn("using fallback bracket", "symbol", symbol, "err", err)
	pct := e.cfg.FallbackBracketPct
	return entry.Mul(decimal.NewFromInt(1).Sub(pct)), entry.Mul(decimal.NewFromInt(1).Add(pct))
}

var errNoKlines = errors.New("execution: no klines")

func (e *Executor) latestATR(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.market == nil {
		return decimal.Zero, errNoKlines
	}
	kl, err := e.market.Klines(ctx, symbol, e.cfg.Timeframe, e.cfg.KlineLimit)
	if err != nil {
		return decimal.Zero, err
	}
	if len(kl) == 0 {
		return decimal.Zero, errNoKlines
	}
	return kl[len(kl)-1].ATR, nil
}

// fail counts the failure by class and passes err through.
func (e *Executor) fail(side string, err error) error {
	class := "order"
	switch {
	case errs.IsConfiguration(err):
		class = "configuration"
	case errs.IsValidation(err):
		class = "validation"
	case errs.IsTransient(err) && !errs.IsOrder(err):
		class = "network"
	}
	metrics.OrderFailures.WithLabelValues(side, class).Inc()
	return err
}

func resultStatus(o model.BrokerOrder, timedOut bool) string {
	switch {
	case o.Status == model.BrokerStatusFilled:
		return model.ResultFilled
	case o.ExecutedQty.IsPositive() || len(o.Fills) > 0:
		return model.ResultPartial
	case timedOut:
		return model.ResultTimeout
	default:
		return model.ResultRejected
	}
}

func orderIDString(id int64) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("%d", id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
