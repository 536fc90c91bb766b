// Package lifecycle evaluates an open position once per tick and proposes at
// most one follow-up action: pyramid add, average-down add, trailing stop
// advance, or a tiered partial exit.
//
// The manager is pure. It reads the position and the tick and never mutates
// either; applying the action is the engine's job.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/model"
)

// PyramidConfig controls adding to winners.
type PyramidConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	MinProfitPct    decimal.Decimal   `yaml:"min_profit_pct" json:"min_profit_pct"`
	SizeProgression []decimal.Decimal `yaml:"size_progression" json:"size_progression"`
}

// AveragingConfig controls adding to losers.
type AveragingConfig struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	MaxLossPct decimal.Decimal `yaml:"max_loss_pct" json:"max_loss_pct"` // negative
	MaxLegs    int             `yaml:"max_legs" json:"max_legs"`
	SizeRatio  decimal.Decimal `yaml:"size_ratio" json:"size_ratio"`
}

// TrailingConfig controls the ATR trailing stop.
type TrailingConfig struct {
	Enabled       bool            `yaml:"enabled" json:"enabled"`
	ActivationPct decimal.Decimal `yaml:"activation_pct" json:"activation_pct"`
	ATRMultiplier decimal.Decimal `yaml:"atr_multiplier" json:"atr_multiplier"`
}

// Tier is one partial-exit level.
type Tier struct {
	ProfitPct decimal.Decimal `yaml:"profit_pct" json:"profit_pct"`
	ExitRatio decimal.Decimal `yaml:"exit_ratio" json:"exit_ratio"`
}

// PartialExitConfig controls tiered profit taking.
type PartialExitConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Tiers   []Tier `yaml:"tiers" json:"tiers"`
}

// Config groups the lifecycle policies.
type Config struct {
	Pyramid     PyramidConfig     `yaml:"pyramid" json:"pyramid"`
	Averaging   AveragingConfig   `yaml:"averaging" json:"averaging"`
	Trailing    TrailingConfig    `yaml:"trailing" json:"trailing"`
	PartialExit PartialExitConfig `yaml:"partial_exit" json:"partial_exit"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Pyramid: PyramidConfig{
			Enabled:      true,
			MinProfitPct: decimal.RequireFromString("0.03"),
			SizeProgression: []decimal.Decimal{
				decimal.NewFromInt(1),
				decimal.RequireFromString("0.7"),
				decimal.RequireFromString("0.5"),
			},
		},
		Averaging: AveragingConfig{
			Enabled:    true,
			MaxLossPct: decimal.RequireFromString("-0.05"),
			MaxLegs:    2,
			SizeRatio:  decimal.RequireFromString("0.5"),
		},
		Trailing: TrailingConfig{
			Enabled:       true,
			ActivationPct: decimal.RequireFromString("0.02"),
			ATRMultiplier: decimal.NewFromInt(1),
		},
		PartialExit: PartialExitConfig{
			Enabled: true,
			Tiers: []Tier{
				{ProfitPct: decimal.RequireFromString("0.05"), ExitRatio: decimal.RequireFromString("0.3")},
				{ProfitPct: decimal.RequireFromString("0.10"), ExitRatio: decimal.RequireFromString("0.3")},
				{ProfitPct: decimal.RequireFromString("0.15"), ExitRatio: decimal.RequireFromString("0.4")},
				{ProfitPct: decimal.RequireFromString("0.20"), ExitRatio: decimal.RequireFromString("0.3")},
			},
		},
	}
}

// Tick is the market snapshot a position is evaluated against.
type Tick struct {
	Price decimal.Decimal
	ATR   decimal.Decimal
	Now   time.Time
	// BaseSpend is the notional a fresh entry would get this cycle; adds are
	// sized as fractions of it.
	BaseSpend decimal.Decimal
}

// Manager evaluates positions against a Config.
type Manager struct {
	cfg Config
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Config returns the manager's policy.
func (m *Manager) Config() Config { return m.cfg }

// PartialExitReason is the reason tag recorded for tier n (1-based).
func PartialExitReason(n int) string {
	return fmt.Sprintf("%s_level_%d", model.ReasonPartialExit, n)
}

// Evaluate returns the first applicable action or nil.
func (m *Manager) Evaluate(pos model.Position, tick Tick) *model.PositionAction {
	if pos.Status != model.StatusActive || !pos.Qty.IsPositive() || !tick.Price.IsPositive() {
		return nil
	}
	ret := pos.UnrealizedReturn(tick.Price)

	if a := m.pyramid(pos, tick, ret); a != nil {
		return a
	}
	if a := m.averaging(pos, tick, ret); a != nil {
		return a
	}
	if a := m.trail(pos, tick, ret); a != nil {
		return a
	}
	return m.partialExit(pos, tick, ret)
}

func (m *Manager) pyramid(pos model.Position, tick Tick, ret decimal.Decimal) *model.PositionAction {
	c := m.cfg.Pyramid
	if !c.Enabled || ret.LessThan(c.MinProfitPct) || !pos.CanAdd(tick.Now) {
		return nil
	}
	n := len(pos.Legs)
	if n >= len(c.SizeProgression) {
		return nil
	}
	ratio := c.SizeProgression[n]
	notional := tick.BaseSpend.Mul(ratio)
	if !notional.IsPositive() {
		return nil
	}
	return &model.PositionAction{
		Type:     model.ActionBuyAdd,
		QtyRatio: ratio,
		Notional: notional,
		Price:    tick.Price,
		Reason:   model.ReasonPyramid,
		Metadata: map[string]any{
			"unrealized_return": ret.StringFixed(4),
			"leg":               n + 1,
		},
	}
}

func (m *Manager) averaging(pos model.Position, tick Tick, ret decimal.Decimal) *model.PositionAction {
	c := m.cfg.Averaging
	if !c.Enabled || ret.GreaterThan(c.MaxLossPct) || !pos.CanAdd(tick.Now) {
		return nil
	}
	if c.MaxLegs > 0 && pos.CountLegs(model.ReasonAveraging) >= c.MaxLegs {
		return nil
	}
	notional := tick.BaseSpend.Mul(c.SizeRatio)
	if !notional.IsPositive() {
		return nil
	}
	return &model.PositionAction{
		Type:     model.ActionBuyAdd,
		QtyRatio: c.SizeRatio,
		Notional: notional,
		Price:    tick.Price,
		Reason:   model.ReasonAveraging,
		Metadata: map[string]any{
			"unrealized_return": ret.StringFixed(4),
			"entry_price":       pos.EntryPrice.String(),
		},
	}
}

func (m *Manager) trail(pos model.Position, tick Tick, ret decimal.Decimal) *model.PositionAction {
	c := m.cfg.Trailing
	if !c.Enabled || !tick.Price.GreaterThan(pos.HighestPrice) || ret.LessThan(c.ActivationPct) {
		return nil
	}
	// Without volatility the candidate would sit on the price itself.
	if !tick.ATR.IsPositive() {
		return nil
	}
	candidate := tick.Price.Sub(c.ATRMultiplier.Mul(tick.ATR))
	if !candidate.GreaterThan(pos.TrailingStopPrice) {
		return nil
	}
	return &model.PositionAction{
		Type:   model.ActionUpdateTrail,
		Price:  candidate,
		Reason: "trailing_stop",
		Metadata: map[string]any{
			"highest_price":  tick.Price.String(),
			"previous_stop":  pos.TrailingStopPrice.String(),
			"atr":            tick.ATR.String(),
			"atr_multiplier": c.ATRMultiplier.String(),
		},
	}
}

func (m *Manager) partialExit(pos model.Position, _ Tick, ret decimal.Decimal) *model.PositionAction {
	c := m.cfg.PartialExit
	if !c.Enabled {
		return nil
	}
	for i, tier := range c.Tiers {
		if ret.LessThan(tier.ProfitPct) {
			continue
		}
		reason := PartialExitReason(i + 1)
		if pos.HasPartialExit(reason) {
			continue
		}
		qty := pos.Qty.Mul(tier.ExitRatio)
		if !qty.IsPositive() {
			continue
		}
		return &model.PositionAction{
			Type:     model.ActionSellPartial,
			QtyRatio: tier.ExitRatio,
			Quantity: qty,
			Reason:   reason,
			Metadata: map[string]any{
				"level":             i + 1,
				"profit_target":     tier.ProfitPct.String(),
				"unrealized_return": ret.StringFixed(4),
			},
		}
	}
	return nil
}
