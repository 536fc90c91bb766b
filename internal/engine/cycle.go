package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/exposure"
	"github.com/atmx/exec-engine/internal/lifecycle"
	"github.com/atmx/exec-engine/internal/metrics"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/risk"
	"github.com/atmx/exec-engine/internal/strategy"
)

// RunCycle runs one pass over the book and the configured symbols:
//
//  1. positions at or below their effective stop are sold;
//  2. every other open position gets its lifecycle action applied;
//  3. entries stop when the quote balance or the position cap is exhausted;
//  4. each configured symbol is asked for a signal and acted on.
//
// Per-symbol failures are logged and do not abort the cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	e.trade.Lock()
	defer e.trade.Unlock()

	balance, balErr := e.quoteBalance(ctx)
	if balErr != nil {
		slog.Warn("balance unavailable, adds disabled", "err", balErr)
	}

	for _, sym := range e.openSymbols() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		price, err := e.market.CurrentPrice(ctx, sym)
		if err != nil {
			slog.Warn("price unavailable, skipping position", "symbol", sym, "err", err)
			continue
		}
		if e.sweepStop(ctx, sym, price) {
			continue
		}
		if _, err := e.evaluate(ctx, sym, price, e.baseSpend(balance)); err != nil {
			slog.Warn("position evaluation failed", "symbol", sym, "err", err)
		}
	}

	if balErr == nil {
		// Fills above changed the balance.
		if balance, balErr = e.quoteBalance(ctx); balErr != nil {
			slog.Warn("balance unavailable, entries disabled", "err", balErr)
		}
	}
	canEnter := balErr == nil && balance.GreaterThan(e.cfg.MinOrderNotional) && e.openCount() < e.cfg.MaxConcurrentPositions
	if !canEnter {
		slog.Debug("entries paused",
			"balance", balance.String(),
			"open_positions", e.openCount(),
			"max_positions", e.cfg.MaxConcurrentPositions,
		)
		if e.openCount() == 0 {
			return nil
		}
	}

	for _, sym := range e.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pos, held := e.Position(sym)
		if !held && !canEnter {
			continue
		}
		klines, err := e.market.Klines(ctx, sym, e.cfg.Timeframe, e.cfg.KlineLimit)
		if err != nil {
			slog.Warn("klines unavailable, skipping signal", "symbol", sym, "err", err)
			continue
		}
		var posPtr *model.Position
		if held {
			posPtr = &pos
		}
		sig, err := e.strategy.GetSignal(ctx, sym, klines, posPtr)
		if err != nil {
			slog.Warn("strategy failed", "symbol", sym, "err", err)
			continue
		}

		switch {
		case sig.IsEntry() && !held:
			if err := e.enter(ctx, sym, sig, balance); err != nil {
				continue
			}
			if balance, err = e.quoteBalance(ctx); err != nil {
				slog.Warn("balance unavailable, entries disabled", "err", err)
				canEnter = false
				continue
			}
			canEnter = balance.GreaterThan(e.cfg.MinOrderNotional) && e.openCount() < e.cfg.MaxConcurrentPositions
		case sig.IsExit() && held:
			reason := sig.Reason
			if reason == "" {
				reason = ReasonSignalExit
			}
			_ = e.closeLocked(ctx, sym, reason)
		}
	}
	return nil
}

// sweepStop sells the position when price is at or below its effective
// stop. It reports whether the position was handled.
func (e *Engine) sweepStop(ctx context.Context, symbol string, price decimal.Decimal) bool {
	pos, ok := e.Position(symbol)
	if !ok {
		return true
	}
	stop := pos.EffectiveStop()
	if !stop.IsPositive() || price.GreaterThan(stop) {
		return false
	}
	reason := ReasonStopLoss
	if pos.TrailingStopPrice.GreaterThan(pos.StopPrice) {
		reason = ReasonTrailingStop
	}
	slog.Info("stop hit",
		"symbol", symbol,
		"price", price.String(),
		"stop", stop.String(),
		"reason", reason,
	)
	_ = e.closeLocked(ctx, symbol, reason)
	return true
}

// evaluate asks the strategy for the position's next action, applies it and
// records the price as a potential new high.
func (e *Engine) evaluate(ctx context.Context, symbol string, price, baseSpend decimal.Decimal) (*model.PositionAction, error) {
	pos, ok := e.Position(symbol)
	if !ok {
		return nil, noPosition(symbol)
	}

	atr := decimal.Zero
	if kl, err := e.market.Klines(ctx, symbol, e.cfg.Timeframe, e.cfg.KlineLimit); err != nil {
		slog.Warn("klines unavailable, trailing disabled", "symbol", symbol, "err", err)
	} else if len(kl) > 0 {
		atr = kl[len(kl)-1].ATR
	}

	action := e.strategy.GetPositionAction(pos, lifecycle.Tick{
		Price:     price,
		ATR:       atr,
		Now:       e.now(),
		BaseSpend: baseSpend,
	})

	var applyErr error
	if action != nil {
		applyErr = e.apply(ctx, symbol, pos, *action)
	}

	if cur, ok := e.Position(symbol); ok && price.GreaterThan(cur.HighestPrice) {
		cur.ObservePrice(price)
		e.mu.Lock()
		e.positions[symbol] = cur
		e.mu.Unlock()
		if err := e.persist(ctx); err != nil {
			slog.Error("failed to persist positions", "symbol", symbol, "err", err)
		}
	}

	if applyErr != nil {
		return nil, applyErr
	}
	return action, nil
}

// apply routes one lifecycle action.
func (e *Engine) apply(ctx context.Context, symbol string, pos model.Position, a model.PositionAction) error {
	switch a.Type {
	case model.ActionBuyAdd:
		notional, err := e.checkExposure(ctx, symbol, a.Notional)
		if err != nil {
			return err
		}
		next, err := e.exec.PlaceBuy(ctx, execution.BuyRequest{
			Symbol:   symbol,
			Notional: notional,
			Existing: &pos,
			Reason:   a.Reason,
			Meta:     a.Metadata,
		})
		if err != nil {
			e.failed(symbol, a.Reason, &a, err)
			return err
		}
		metrics.LifecycleActions.WithLabelValues(a.Type, a.Reason).Inc()
		e.commit(ctx, symbol, next, Event{Type: EventPositionAdded, Reason: a.Reason, Action: &a})

	case model.ActionSellPartial:
		next, err := e.exec.PlaceSell(ctx, execution.SellRequest{
			Symbol:   symbol,
			Position: pos,
			Partial:  true,
			Qty:      a.Quantity,
			Reason:   a.Reason,
		})
		if err != nil {
			e.failed(symbol, a.Reason, &a, err)
			return err
		}
		metrics.LifecycleActions.WithLabelValues(a.Type, a.Reason).Inc()
		evType := EventPositionReduced
		if next == nil {
			evType = EventPositionClosed
		}
		e.commit(ctx, symbol, next, Event{Type: evType, Reason: a.Reason, Action: &a})

	case model.ActionUpdateTrail:
		next := pos.Clone()
		if !next.RaiseTrailingStop(a.Price) {
			return nil
		}
		metrics.LifecycleActions.WithLabelValues(a.Type, a.Reason).Inc()
		slog.Info("trailing stop raised",
			"symbol", symbol,
			"from", pos.TrailingStopPrice.String(),
			"to", next.TrailingStopPrice.String(),
		)
		e.commit(ctx, symbol, &next, Event{Type: EventTrailUpdated, Reason: a.Reason, Action: &a})

	default:
		return fmt.Errorf("unknown position action %q", a.Type)
	}
	return nil
}

// enter sizes and places an entry for a flat symbol.
func (e *Engine) enter(ctx context.Context, symbol string, sig strategy.Signal, balance decimal.Decimal) error {
	spend := e.size(balance, sig)
	if spend.LessThan(e.cfg.MinOrderNotional) || !spend.IsPositive() {
		slog.Info("entry skipped, size below minimum",
			"symbol", symbol,
			"spend", spend.String(),
			"min", e.cfg.MinOrderNotional.String(),
		)
		return nil
	}
	spend, err := e.checkExposure(ctx, symbol, spend)
	if err != nil {
		return err
	}

	reason := model.ReasonEntry
	meta := map[string]any{"score": sig.Score.String(), "signal_reason": sig.Reason}
	for k, v := range sig.Metadata {
		meta[k] = v
	}
	pos, err := e.exec.PlaceBuy(ctx, execution.BuyRequest{
		Symbol:   symbol,
		Notional: spend,
		Reason:   reason,
		Meta:     meta,
	})
	if err != nil {
		e.failed(symbol, reason, nil, err)
		return err
	}
	e.commit(ctx, symbol, pos, Event{Type: EventPositionOpened, Reason: sig.Reason})
	return nil
}

// closeLocked sells the whole position. The caller holds e.trade.
func (e *Engine) closeLocked(ctx context.Context, symbol, reason string) error {
	pos, ok := e.Position(symbol)
	if !ok {
		return noPosition(symbol)
	}
	next, err := e.exec.PlaceSell(ctx, execution.SellRequest{
		Symbol:   symbol,
		Position: pos,
		Reason:   reason,
	})
	if err != nil {
		if isDust(err) {
			slog.Warn("position below exchange minimums, dropping as dust",
				"symbol", symbol,
				"qty", pos.Qty.String(),
				"close_reason", reason,
				"err", err,
			)
			e.commit(ctx, symbol, nil, Event{Type: EventPositionClosed, Reason: ReasonDust, Error: err.Error()})
			return nil
		}
		e.failed(symbol, reason, nil, err)
		return err
	}
	if next != nil {
		e.commit(ctx, symbol, next, Event{Type: EventPositionReduced, Reason: reason})
		return nil
	}
	e.commit(ctx, symbol, nil, Event{Type: EventPositionClosed, Reason: reason})
	return nil
}

// isDust reports a close rejected because the whole position is under the
// lot minimum or min notional. Such a position can never be sold.
func isDust(err error) bool {
	return errs.IsValidation(err) && errors.Is(err, errs.ErrBelowMinimum)
}

// checkExposure caps notional by the limiter's headroom. It fails when the
// symbol cannot take even the minimum order.
func (e *Engine) checkExposure(ctx context.Context, symbol string, notional decimal.Decimal) (decimal.Decimal, error) {
	if e.limiter == nil {
		return notional, nil
	}
	balance := decimal.Zero
	if b, err := e.account.FreeBalance(ctx, e.cfg.QuoteAsset); err == nil {
		balance = b
	}
	open := e.openNotional()
	equity := balance
	for _, n := range open {
		equity = equity.Add(n)
	}

	err := e.limiter.CheckEntry(symbol, notional, equity, open)
	if err == nil {
		return notional, nil
	}
	if !errors.Is(err, exposure.ErrMaxPositions) && !errors.Is(err, exposure.ErrNoEquity) {
		capped := decimal.Min(notional, e.limiter.Headroom(symbol, equity, open))
		if capped.GreaterThanOrEqual(e.cfg.MinOrderNotional) && capped.IsPositive() {
			slog.Info("entry capped by exposure limit",
				"symbol", symbol,
				"requested", notional.String(),
				"capped", capped.String(),
			)
			return capped, nil
		}
	}

	metrics.ExposureRejections.WithLabelValues(rejectionReason(err)).Inc()
	slog.Warn("entry blocked by exposure limit", "symbol", symbol, "notional", notional.String(), "err", err)
	e.notifier.Notify(Event{
		Type:      EventExposureBlocked,
		Symbol:    symbol,
		Error:     err.Error(),
		Timestamp: e.now().UTC(),
	})
	return decimal.Zero, err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, exposure.ErrMaxPositions):
		return "max_positions"
	case errors.Is(err, exposure.ErrSymbolWeightExceeded):
		return "symbol_weight"
	case errors.Is(err, exposure.ErrCorrelatedWeightExceeded):
		return "correlated_weight"
	case errors.Is(err, exposure.ErrNoEquity):
		return "no_equity"
	}
	return "other"
}

// size returns the notional for an entry: Kelly when enabled, otherwise the
// fixed-risk spend amount.
func (e *Engine) size(balance decimal.Decimal, sig strategy.Signal) decimal.Decimal {
	if !e.cfg.Kelly.Enabled {
		return e.baseSpend(balance)
	}
	k := e.cfg.Kelly
	return risk.KellySize(risk.KellyInput{
		Capital:  balance,
		WinRate:  k.WinRate,
		AvgWin:   k.AvgWin,
		AvgLoss:  k.AvgLoss,
		Score:    sig.Score,
		MaxScore: k.MaxScore,
		FMax:     k.FMax,
		PosMin:   k.PosMin,
		PosMax:   k.PosMax,
	})
}

// baseSpend is the fixed-risk notional a fresh entry would get; lifecycle
// adds are sized from it.
func (e *Engine) baseSpend(balance decimal.Decimal) decimal.Decimal {
	return risk.SpendAmount(balance, e.cfg.RiskPerTrade, e.cfg.MaxSymbolWeight, e.cfg.MinOrderNotional)
}
