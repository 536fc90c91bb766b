// Package exchange implements the broker, market-data and account
// collaborators: a Binance spot adapter and a simulated paper venue.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/model"
)

// BinanceConfig configures the spot REST client.
type BinanceConfig struct {
	APIKey      string        `yaml:"-"`
	SecretKey   string        `yaml:"-"`
	Testnet     bool          `yaml:"testnet"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second
	RateBurst   int           `yaml:"rate_burst"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	ATRPeriod   int           `yaml:"atr_period"`
}

// DefaultBinanceConfig returns conservative client limits.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		RateLimit:   10,
		RateBurst:   20,
		HTTPTimeout: 10 * time.Second,
		ATRPeriod:   DefaultATRPeriod,
	}
}

// Binance is a spot REST adapter. Every call waits on a shared rate limiter.
type Binance struct {
	client    *binance.Client
	limiter   *rate.Limiter
	atrPeriod int
}

// NewBinance creates the adapter. Testnet is a package-level switch in the
// client library, so it must be decided before the first client is built.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
		slog.Warn("using binance spot testnet")
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient = &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	period := cfg.ATRPeriod
	if period <= 0 {
		period = DefaultATRPeriod
	}
	return &Binance{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		atrPeriod: period,
	}
}

// SyncTime aligns request timestamps with the server clock.
func (b *Binance) SyncTime(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return Classify("server time", err)
	}
	slog.Info("binance server time synced", "offset_ms", offset)
	return nil
}

// CreateOrder sends a MARKET order with a FULL response.
func (b *Binance) CreateOrder(ctx context.Context, in model.OrderIntent) (model.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return model.BrokerOrder{}, &errs.NetworkError{Op: "create order", Err: err}
	}
	svc := b.client.NewCreateOrderService().
		Symbol(in.Symbol).
		Side(binance.SideType(in.Side)).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(in.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if in.QuoteQty.IsPositive() {
		svc = svc.QuoteOrderQty(in.QuoteQty.String())
	} else {
		svc = svc.Quantity(in.Quantity.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return model.BrokerOrder{}, Classify("create order", err)
	}
	fills := make([]model.Fill, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		fills = append(fills, model.Fill{
			Price:           dec(f.Price),
			Qty:             dec(f.Quantity),
			Commission:      dec(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return model.BrokerOrder{
		Symbol:             resp.Symbol,
		OrderID:            resp.OrderID,
		ClientOrderID:      resp.ClientOrderID,
		Side:               string(resp.Side),
		Status:             string(resp.Status),
		ExecutedQty:        dec(resp.ExecutedQuantity),
		CumulativeQuoteQty: dec(resp.CummulativeQuoteQuantity),
		Fills:              fills,
		TransactTime:       time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// GetOrder queries one order by id or client id.
func (b *Binance) GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (model.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return model.BrokerOrder{}, &errs.NetworkError{Op: "get order", Err: err}
	}
	svc := b.client.NewGetOrderService().Symbol(symbol)
	if orderID != 0 {
		svc = svc.OrderID(orderID)
	} else {
		svc = svc.OrigClientOrderID(clientOrderID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return model.BrokerOrder{}, Classify("get order", err)
	}
	return fromOrder(o), nil
}

// RecentOrders lists the latest orders for symbol, oldest first.
func (b *Binance) RecentOrders(ctx context.Context, symbol string, limit int) ([]model.BrokerOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &errs.NetworkError{Op: "list orders", Err: err}
	}
	orders, err := b.client.NewListOrdersService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, Classify("list orders", err)
	}
	out := make([]model.BrokerOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, fromOrder(o))
	}
	return out, nil
}

// BookTicker returns the best bid and ask.
func (b *Binance) BookTicker(ctx context.Context, symbol string) (model.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return model.Quote{}, &errs.NetworkError{Op: "book ticker", Err: err}
	}
	ts, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.Quote{}, Classify("book ticker", err)
	}
	for _, t := range ts {
		if t.Symbol == symbol {
			return model.Quote{Bid: dec(t.BidPrice), Ask: dec(t.AskPrice)}, nil
		}
	}
	return model.Quote{}, fmt.Errorf("book ticker: %s not returned", symbol)
}

// SymbolFilters reads LOT_SIZE, PRICE_FILTER and MIN_NOTIONAL / NOTIONAL.
func (b *Binance) SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return model.SymbolFilters{}, &errs.NetworkError{Op: "exchange info", Err: err}
	}
	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.SymbolFilters{}, Classify("exchange info", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return ParseFilters(symbol, s.Filters), nil
		}
	}
	return model.SymbolFilters{}, fmt.Errorf("exchange info: unknown symbol %s", symbol)
}

// CurrentPrice returns the last traded price.
func (b *Binance) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, &errs.NetworkError{Op: "price", Err: err}
	}
	ps, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, Classify("price", err)
	}
	for _, p := range ps {
		if p.Symbol == symbol {
			return dec(p.Price), nil
		}
	}
	return decimal.Zero, fmt.Errorf("price: %s not returned", symbol)
}

// Klines returns the latest limit candles with Wilder ATR applied.
func (b *Binance) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Kline, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &errs.NetworkError{Op: "klines", Err: err}
	}
	raw, err := b.client.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, Classify("klines", err)
	}
	out := make([]model.Kline, 0, len(raw))
	for _, k := range raw {
		out = append(out, model.Kline{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     dec(k.Open),
			High:     dec(k.High),
			Low:      dec(k.Low),
			Close:    dec(k.Close),
			Volume:   dec(k.Volume),
		})
	}
	ApplyATR(out, b.atrPeriod)
	return out, nil
}

// FreeBalance returns the free amount of asset.
func (b *Binance) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, &errs.NetworkError{Op: "account", Err: err}
	}
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, Classify("account", err)
	}
	for _, bal := range acct.Balances {
		if bal.Asset == asset {
			return dec(bal.Free), nil
		}
	}
	return decimal.Zero, nil
}

func fromOrder(o *binance.Order) model.BrokerOrder {
	return model.BrokerOrder{
		Symbol:             o.Symbol,
		OrderID:            o.OrderID,
		ClientOrderID:      o.ClientOrderID,
		Side:               string(o.Side),
		Status:             string(o.Status),
		ExecutedQty:        dec(o.ExecutedQuantity),
		CumulativeQuoteQty: dec(o.CummulativeQuoteQuantity),
		TransactTime:       time.UnixMilli(o.UpdateTime).UTC(),
	}
}

// ParseFilters extracts the trading constraints from raw exchange-info
// filter maps.
func ParseFilters(symbol string, filters []map[string]interface{}) model.SymbolFilters {
	f := model.SymbolFilters{Symbol: symbol}
	for _, m := range filters {
		switch m["filterType"] {
		case "LOT_SIZE":
			f.StepSize = decField(m, "stepSize")
			f.MinQty = decField(m, "minQty")
		case "PRICE_FILTER":
			f.TickSize = decField(m, "tickSize")
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := decField(m, "minNotional"); v.IsPositive() {
				f.MinNotional = v
			}
		}
	}
	return f
}

// transientCodes are API error codes where the request may or may not have
// been executed, or where retrying later is expected to succeed.
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1006: true, // UNEXPECTED_RESP
	-1007: true, // TIMEOUT, execution status unknown
	-1008: true, // SERVER_BUSY
	-1021: true, // INVALID_TIMESTAMP
}

// Classify separates exchange rejections from transport failures.
func Classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.Code] {
			return &errs.NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &errs.NetworkError{Op: op, Err: err}
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func decField(m map[string]interface{}, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case string:
		return dec(v)
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case int:
		return decimal.NewFromInt(int64(v))
	default:
		return decimal.Zero
	}
}
