// Package engine runs the trading loop. It owns the position book, asks the
// strategy what to do each cycle, routes the answers through the executor,
// and persists the book after every change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/exposure"
	"github.com/atmx/exec-engine/internal/metrics"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/strategy"
)

// Stop reasons recorded on the closing leg.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonSignalExit   = "signal_exit"
	ReasonManualClose  = "manual_close"
	ReasonShutdown     = "shutdown"
	// ReasonDust drops a remainder too small to sell.
	ReasonDust         = "dust"
)

// PositionStore persists the position book.
type PositionStore interface {
	LoadPositions(ctx context.Context) (map[string]model.Position, error)
	SavePositions(ctx context.Context, positions map[string]model.Position) error
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Executor *execution.Executor
	Market   execution.MarketData
	Account  execution.Account
	Strategy strategy.Strategy
	Store    PositionStore
	// Limiter caps entries and adds; nil disables exposure checks.
	Limiter *exposure.Limiter
	// Notifier receives events; nil discards them.
	Notifier Notifier
	Clock    func() time.Time
}

// Engine is the trading facade.
type Engine struct {
	cfg      Config
	exec     *execution.Executor
	market   execution.MarketData
	account  execution.Account
	strategy strategy.Strategy
	store    PositionStore
	limiter  *exposure.Limiter
	notifier Notifier
	now      func() time.Time

	// trade serializes every intent; only one symbol trades at a time.
	trade sync.Mutex

	mu        sync.RWMutex
	positions map[string]model.Position
}

// New validates cfg, restores the persisted book and returns an engine.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Executor == nil:
		return nil, &errs.ConfigurationError{Field: "engine.executor", Msg: "required"}
	case deps.Market == nil:
		return nil, &errs.ConfigurationError{Field: "engine.market", Msg: "required"}
	case deps.Account == nil:
		return nil, &errs.ConfigurationError{Field: "engine.account", Msg: "required"}
	case deps.Strategy == nil:
		return nil, &errs.ConfigurationError{Field: "engine.strategy", Msg: "required"}
	case deps.Store == nil:
		return nil, &errs.ConfigurationError{Field: "engine.store", Msg: "required"}
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(Event) {})
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	loaded, err := deps.Store.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	positions := make(map[string]model.Position, len(loaded))
	for sym, p := range loaded {
		if p.Status == model.StatusActive && p.Qty.IsPositive() {
			positions[sym] = p
		}
	}
	metrics.ActivePositions.Set(float64(len(positions)))
	slog.Info("positions restored", "count", len(positions))

	return &Engine{
		cfg:       cfg,
		exec:      deps.Executor,
		market:    deps.Market,
		account:   deps.Account,
		strategy:  deps.Strategy,
		store:     deps.Store,
		limiter:   deps.Limiter,
		notifier:  deps.Notifier,
		now:       deps.Clock,
		positions: positions,
	}, nil
}

// Config returns the loop policy.
func (e *Engine) Config() Config { return e.cfg }

// Strategy returns the resolved strategy.
func (e *Engine) Strategy() strategy.Strategy { return e.strategy }

// Executor returns the order executor.
func (e *Engine) Executor() *execution.Executor { return e.exec }

// Positions returns a copy of the open positions.
func (e *Engine) Positions() map[string]model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]model.Position, len(e.positions))
	for sym, p := range e.positions {
		out[sym] = p.Clone()
	}
	return out
}

// Position returns a copy of the open position in symbol.
func (e *Engine) Position(symbol string) (model.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return p.Clone(), true
}

// Run executes a cycle immediately and then every CycleInterval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	slog.Info("trading loop started",
		"symbols", e.cfg.Symbols,
		"interval", e.cfg.CycleInterval.String(),
		"mode", e.exec.Config().Mode,
	)
	for {
		if err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			slog.Error("trading cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("trading loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessSignal acts on one signal immediately: an entry opens a position
// in a flat symbol, an exit closes the open one.
func (e *Engine) ProcessSignal(ctx context.Context, symbol string, sig strategy.Signal) error {
	if !sig.Valid() {
		return &errs.ValidationError{Symbol: symbol, Field: "signal", Value: string(sig.Type) + "/" + string(sig.Action), Msg: "unsupported signal", Err: strategy.ErrInvalidSignal}
	}
	e.trade.Lock()
	defer e.trade.Unlock()

	switch {
	case sig.IsEntry():
		if _, held := e.Position(symbol); held {
			return &errs.ValidationError{Symbol: symbol, Msg: "position already open"}
		}
		balance, err := e.quoteBalance(ctx)
		if err != nil {
			return err
		}
		if !balance.GreaterThan(e.cfg.MinOrderNotional) {
			return &errs.ValidationError{
				Symbol: symbol, Field: "balance", Value: balance.String(),
				Constraint: "> " + e.cfg.MinOrderNotional.String(),
				Msg:        "insufficient quote balance", Err: errs.ErrBelowMinimum,
			}
		}
		if e.openCount() >= e.cfg.MaxConcurrentPositions {
			metrics.ExposureRejections.WithLabelValues("max_positions").Inc()
			return exposure.ErrMaxPositions
		}
		return e.enter(ctx, symbol, sig, balance)
	case sig.IsExit():
		reason := sig.Reason
		if reason == "" {
			reason = ReasonSignalExit
		}
		return e.closeLocked(ctx, symbol, reason)
	}
	return nil
}

// EvaluatePosition runs the strategy's position policy for symbol once and
// applies the result. It returns the applied action, or nil if none.
func (e *Engine) EvaluatePosition(ctx context.Context, symbol string) (*model.PositionAction, error) {
	e.trade.Lock()
	defer e.trade.Unlock()

	if _, ok := e.Position(symbol); !ok {
		return nil, noPosition(symbol)
	}
	price, err := e.market.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", symbol, err)
	}
	balance, err := e.quoteBalance(ctx)
	if err != nil {
		slog.Warn("balance unavailable, adds disabled", "symbol", symbol, "err", err)
		balance = decimal.Zero
	}
	return e.evaluate(ctx, symbol, price, e.baseSpend(balance))
}

// ClosePosition sells the whole position in symbol.
func (e *Engine) ClosePosition(ctx context.Context, symbol, reason string) error {
	if reason == "" {
		reason = ReasonManualClose
	}
	e.trade.Lock()
	defer e.trade.Unlock()

	return e.closeLocked(ctx, symbol, reason)
}

// Shutdown persists the book. With CloseOnShutdown every open position is
// sold first; failures are collected and the rest still attempted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.trade.Lock()
	defer e.trade.Unlock()

	var errList []error
	if e.cfg.CloseOnShutdown {
		for _, sym := range e.openSymbols() {
			if err := e.closeLocked(ctx, sym, ReasonShutdown); err != nil {
				errList = append(errList, fmt.Errorf("close %s: %w", sym, err))
			}
		}
	}
	if err := e.persist(ctx); err != nil {
		errList = append(errList, err)
	}
	slog.Info("engine shut down", "open_positions", e.openCount(), "closed_on_shutdown", e.cfg.CloseOnShutdown)
	return errors.Join(errList...)
}

// --- position book ---

func (e *Engine) openSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	syms := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

func (e *Engine) openCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// openNotional maps each open symbol to qty × entry.
func (e *Engine) openNotional() map[string]decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	open := make(map[string]decimal.Decimal, len(e.positions))
	for sym, p := range e.positions {
		open[sym] = p.Notional()
	}
	return open
}

// commit replaces (or with nil, removes) the position in symbol, saves the
// book and emits ev.
func (e *Engine) commit(ctx context.Context, symbol string, pos *model.Position, ev Event) {
	e.mu.Lock()
	if pos == nil {
		delete(e.positions, symbol)
	} else {
		e.positions[symbol] = pos.Clone()
	}
	n := len(e.positions)
	e.mu.Unlock()

	metrics.ActivePositions.Set(float64(n))
	if err := e.persist(ctx); err != nil {
		slog.Error("failed to persist positions", "symbol", symbol, "err", err)
	}

	ev.Symbol = symbol
	if pos != nil {
		c := pos.Clone()
		ev.Position = &c
	}
	ev.Timestamp = e.now().UTC()
	e.notifier.Notify(ev)
}

func (e *Engine) persist(ctx context.Context) error {
	if err := e.store.SavePositions(ctx, e.Positions()); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}
	return nil
}

func (e *Engine) failed(symbol, reason string, action *model.PositionAction, err error) {
	slog.Error("order failed",
		"symbol", symbol,
		"reason", reason,
		"err", err,
	)
	e.notifier.Notify(Event{
		Type:      EventOrderFailed,
		Symbol:    symbol,
		Reason:    reason,
		Action:    action,
		Error:     err.Error(),
		Timestamp: e.now().UTC(),
	})
}

func (e *Engine) quoteBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.account.FreeBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s balance: %w", e.cfg.QuoteAsset, err)
	}
	return b, nil
}

func noPosition(symbol string) error {
	return &errs.ValidationError{Symbol: symbol, Msg: "no open position", Err: errs.ErrNoPosition}
}
