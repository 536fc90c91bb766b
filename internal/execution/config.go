package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/risk"
)

// Execution modes.
const (
	ModeLive      = "LIVE"
	ModeSimulated = "SIMULATED"
)

// Config is the executor policy. Build it once at startup.
type Config struct {
	Mode string `yaml:"mode" json:"mode"`

	OrderRetry     int           `yaml:"order_retry" json:"order_retry"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryFactor    float64       `yaml:"retry_factor" json:"retry_factor"`
	RetryJitter    time.Duration `yaml:"retry_jitter" json:"retry_jitter"`

	OrderTimeout      time.Duration `yaml:"order_timeout" json:"order_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	RecentOrdersLimit int           `yaml:"recent_orders_limit" json:"recent_orders_limit"`

	MaxSlippageBps   decimal.Decimal `yaml:"max_slippage_bps" json:"max_slippage_bps"`
	MinOrderNotional decimal.Decimal `yaml:"min_order_notional" json:"min_order_notional"`
	KeyPrefix        string          `yaml:"key_prefix" json:"key_prefix"`

	Timeframe          string             `yaml:"timeframe" json:"timeframe"`
	KlineLimit         int                `yaml:"kline_limit" json:"kline_limit"`
	Bracket            risk.BracketParams `yaml:"bracket" json:"bracket"`
	FallbackBracketPct decimal.Decimal    `yaml:"fallback_bracket_pct" json:"fallback_bracket_pct"`

	MaxPyramidLegs int           `yaml:"max_pyramid_legs" json:"max_pyramid_legs"`
	MinAddInterval time.Duration `yaml:"min_add_interval" json:"min_add_interval"`
}

// DefaultConfig returns a simulated-mode configuration.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeSimulated,
		OrderRetry:        3,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		RetryFactor:       1.5,
		RetryJitter:       200 * time.Millisecond,
		OrderTimeout:      10 * time.Second,
		PollInterval:      500 * time.Millisecond,
		RecentOrdersLimit: 5,
		MaxSlippageBps:    decimal.NewFromInt(50),
		MinOrderNotional:  decimal.NewFromInt(10),
		Timeframe:         "5m",
		KlineLimit:        100,
		Bracket: risk.BracketParams{
			KSl: decimal.RequireFromString("1.5"),
			RR:  decimal.NewFromInt(2),
		},
		FallbackBracketPct: decimal.RequireFromString("0.05"),
		MaxPyramidLegs:     model.DefaultMaxPyramidLegs,
		MinAddInterval:     model.DefaultMinAddInterval,
	}
}

// Live reports whether orders go to a real venue.
func (c Config) Live() bool { return c.Mode == ModeLive }

// Validate checks the config for values the executor cannot run with.
func (c Config) Validate() error {
	if c.Mode != ModeLive && c.Mode != ModeSimulated {
		return &errs.ConfigurationError{
			Field: "execution.mode",
			Msg:   fmt.Sprintf("must be %s or %s, got %q", ModeLive, ModeSimulated, c.Mode),
			Err:   errs.ErrInvalidMode,
		}
	}
	switch {
	case c.OrderRetry < 0:
		return &errs.ConfigurationError{Field: "execution.order_retry", Msg: "must be >= 0"}
	case c.OrderTimeout <= 0:
		return &errs.ConfigurationError{Field: "execution.order_timeout", Msg: "must be positive"}
	case c.PollInterval <= 0:
		return &errs.ConfigurationError{Field: "execution.poll_interval", Msg: "must be positive"}
	case c.RetryFactor < 1:
		return &errs.ConfigurationError{Field: "execution.retry_factor", Msg: "must be >= 1"}
	case c.MaxSlippageBps.IsNegative():
		return &errs.ConfigurationError{Field: "execution.max_slippage_bps", Msg: "must be >= 0"}
	case c.RecentOrdersLimit <= 0:
		return &errs.ConfigurationError{Field: "execution.recent_orders_limit", Msg: "must be positive"}
	}
	return nil
}
