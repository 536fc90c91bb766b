package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
)

// KellyConfig enables Kelly sizing of entries. When disabled, entries are
// sized with the fixed-risk spend amount.
type KellyConfig struct {
	Enabled  bool            `yaml:"enabled" json:"enabled"`
	WinRate  decimal.Decimal `yaml:"win_rate" json:"win_rate"`
	AvgWin   decimal.Decimal `yaml:"avg_win" json:"avg_win"`
	AvgLoss  decimal.Decimal `yaml:"avg_loss" json:"avg_loss"`
	MaxScore decimal.Decimal `yaml:"max_score" json:"max_score"`
	FMax     decimal.Decimal `yaml:"f_max" json:"f_max"`
	PosMin   decimal.Decimal `yaml:"pos_min" json:"pos_min"`
	PosMax   decimal.Decimal `yaml:"pos_max" json:"pos_max"`
}

// Config is the trading loop policy.
type Config struct {
	Symbols       []string      `yaml:"symbols" json:"symbols"`
	QuoteAsset    string        `yaml:"quote_asset" json:"quote_asset"`
	CycleInterval time.Duration `yaml:"cycle_interval" json:"cycle_interval"`
	Timeframe     string        `yaml:"timeframe" json:"timeframe"`
	KlineLimit    int           `yaml:"kline_limit" json:"kline_limit"`

	MinOrderNotional       decimal.Decimal `yaml:"min_order_notional" json:"min_order_notional"`
	MaxConcurrentPositions int             `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	RiskPerTrade           decimal.Decimal `yaml:"risk_per_trade" json:"risk_per_trade"`
	MaxSymbolWeight        decimal.Decimal `yaml:"max_symbol_weight" json:"max_symbol_weight"`

	Kelly KellyConfig `yaml:"kelly" json:"kelly"`

	// CloseOnShutdown sells every open position in Shutdown.
	CloseOnShutdown bool `yaml:"close_on_shutdown" json:"close_on_shutdown"`
}

// DefaultConfig returns the stock loop policy.
func DefaultConfig() Config {
	return Config{
		Symbols:                []string{"BTCUSDT"},
		QuoteAsset:             "USDT",
		CycleInterval:          time.Minute,
		Timeframe:              "5m",
		KlineLimit:             100,
		MinOrderNotional:       decimal.NewFromInt(10),
		MaxConcurrentPositions: 5,
		RiskPerTrade:           decimal.RequireFromString("0.01"),
		MaxSymbolWeight:        decimal.RequireFromString("0.2"),
		Kelly: KellyConfig{
			WinRate:  decimal.RequireFromString("0.55"),
			AvgWin:   decimal.RequireFromString("0.03"),
			AvgLoss:  decimal.RequireFromString("0.02"),
			MaxScore: decimal.NewFromInt(1),
			FMax:     decimal.RequireFromString("0.25"),
			PosMin:   decimal.Zero,
			PosMax:   decimal.RequireFromString("0.2"),
		},
	}
}

// Validate rejects a loop policy the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case len(c.Symbols) == 0:
		return &errs.ConfigurationError{Field: "engine.symbols", Msg: "at least one symbol is required"}
	case c.QuoteAsset == "":
		return &errs.ConfigurationError{Field: "engine.quote_asset", Msg: "required"}
	case c.CycleInterval <= 0:
		return &errs.ConfigurationError{Field: "engine.cycle_interval", Msg: "must be positive"}
	case c.MaxConcurrentPositions <= 0:
		return &errs.ConfigurationError{Field: "engine.max_concurrent_positions", Msg: "must be positive"}
	case c.MinOrderNotional.IsNegative():
		return &errs.ConfigurationError{Field: "engine.min_order_notional", Msg: "must be >= 0"}
	case c.RiskPerTrade.IsNegative() || c.MaxSymbolWeight.IsNegative():
		return &errs.ConfigurationError{Field: "engine.risk_per_trade", Msg: "weights must be >= 0"}
	case c.Kelly.Enabled && !c.Kelly.MaxScore.IsPositive():
		return &errs.ConfigurationError{Field: "engine.kelly.max_score", Msg: "must be positive when kelly is enabled"}
	}
	return nil
}
