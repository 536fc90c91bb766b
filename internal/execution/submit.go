package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/metrics"
	"github.com/atmx/exec-engine/internal/model"
)

// submit places intent with up to OrderRetry retries. Only transport
// failures are retried; after each one the recent orders are searched for
// the intent's client id and a match is adopted instead of resubmitting.
func (e *Executor) submit(ctx context.Context, intent model.OrderIntent) (model.BrokerOrder, error) {
	attempts := e.cfg.OrderRetry + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := e.checkKill(intent.Symbol, intent.Side, intent.ClientOrderID); err != nil {
			return model.BrokerOrder{}, err
		}
		if attempt > 0 {
			metrics.OrderRetries.WithLabelValues(intent.Side).Inc()
		}

		order, err := e.broker.CreateOrder(ctx, intent)
		if err == nil {
			return order, nil
		}
		lastErr = err

		if !errs.IsTransient(err) {
			return model.BrokerOrder{}, &errs.OrderError{
				Symbol:        intent.Symbol,
				Side:          intent.Side,
				ClientOrderID: intent.ClientOrderID,
				Msg:           "rejected by broker",
				Err:           err,
			}
		}

		slog.Warn("order attempt failed",
			"symbol", intent.Symbol,
			"side", intent.Side,
			"client_order_id", intent.ClientOrderID,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"err", err,
		)

		if order, ok := e.lookup(ctx, intent); ok {
			metrics.OrderReconciliations.Inc()
			slog.Info("order reconciled by client id",
				"symbol", intent.Symbol,
				"client_order_id", intent.ClientOrderID,
				"order_id", order.OrderID,
				"status", order.Status,
			)
			return order, nil
		}

		if attempt == attempts-1 {
			break
		}
		delay := Backoff(attempt, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, e.cfg.RetryFactor) + e.jitter(e.cfg.RetryJitter)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return model.BrokerOrder{}, &errs.OrderError{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		ClientOrderID: intent.ClientOrderID,
		Msg:           "no response after retries",
		Err:           joinNoResponse(lastErr),
	}
}

// poll refreshes a non-terminal order until it is terminal or OrderTimeout
// elapses, then makes one last client-id lookup. It returns the best-known
// state and whether the timeout was hit.
func (e *Executor) poll(ctx context.Context, intent model.OrderIntent, order model.BrokerOrder) (model.BrokerOrder, bool) {
	best := order
	deadline := e.now().Add(e.cfg.OrderTimeout)

	for e.now().Before(deadline) {
		if e.kill.Engaged() && e.cfg.Live() {
			slog.Warn("kill switch engaged while polling, using best-known status",
				"symbol", intent.Symbol,
				"client_order_id", intent.ClientOrderID,
				"status", best.Status,
			)
			return best, false
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return best, true
		}

		o, err := e.broker.GetOrder(ctx, intent.Symbol, best.OrderID, intent.ClientOrderID)
		if err != nil {
			slog.Warn("order status poll failed",
				"symbol", intent.Symbol,
				"client_order_id", intent.ClientOrderID,
				"err", err,
			)
			continue
		}
		best = merge(best, o)
		if best.IsTerminal() {
			return best, false
		}
	}

	if o, ok := e.lookup(ctx, intent); ok {
		best = merge(best, o)
		if best.IsTerminal() {
			return best, false
		}
	}
	slog.Warn("order poll timed out",
		"symbol", intent.Symbol,
		"client_order_id", intent.ClientOrderID,
		"status", best.Status,
		"executed_qty", best.ExecutedQty.String(),
	)
	return best, true
}

// lookup searches the recent orders for intent's client id.
func (e *Executor) lookup(ctx context.Context, intent model.OrderIntent) (model.BrokerOrder, bool) {
	orders, err := e.broker.RecentOrders(ctx, intent.Symbol, e.cfg.RecentOrdersLimit)
	if err != nil {
		slog.Warn("recent orders lookup failed",
			"symbol", intent.Symbol,
			"client_order_id", intent.ClientOrderID,
			"err", err,
		)
		return model.BrokerOrder{}, false
	}
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].ClientOrderID == intent.ClientOrderID {
			return orders[i], true
		}
	}
	return model.BrokerOrder{}, false
}

// merge keeps the fills of the original response when a status refresh
// does not carry them.
func merge(prev, next model.BrokerOrder) model.BrokerOrder {
	if len(next.Fills) == 0 && len(prev.Fills) > 0 && next.ExecutedQty.Equal(prev.ExecutedQty) {
		next.Fills = prev.Fills
	}
	if next.OrderID == 0 {
		next.OrderID = prev.OrderID
	}
	return next
}

func joinNoResponse(err error) error {
	if err == nil {
		return errs.ErrNoResponse
	}
	return fmt.Errorf("%w: %w", errs.ErrNoResponse, err)
}
