package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/model"
)

// Broker is the exchange order API. Implementations return an
// *errs.NetworkError for transport failures so the executor can tell a
// retryable failure from a broker rejection.
type Broker interface {
	CreateOrder(ctx context.Context, intent model.OrderIntent) (model.BrokerOrder, error)
	// GetOrder looks an order up by broker id, or by client id when
	// orderID is zero.
	GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (model.BrokerOrder, error)
	// RecentOrders lists the newest orders for symbol, newest last.
	RecentOrders(ctx context.Context, symbol string, limit int) ([]model.BrokerOrder, error)
	BookTicker(ctx context.Context, symbol string) (model.Quote, error)
	SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error)
}

// MarketData supplies prices and ATR-enriched klines.
type MarketData interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Kline, error)
}

// Account reports free balances.
type Account interface {
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Journal is the append-only order ledger.
type Journal interface {
	RecordOrder(ctx context.Context, res model.OrderResult) error
}
