package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the direction of a signal.
type SignalType string

const (
	SignalHold SignalType = "HOLD"
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// SignalAction qualifies what the signal asks the engine to do.
type SignalAction string

const (
	ActionEntry SignalAction = "ENTRY"
	ActionExit  SignalAction = "EXIT"
)

// Signal is one strategy decision for a symbol.
type Signal struct {
	Type   SignalType   `json:"type"`
	Action SignalAction `json:"action"`
	// Score feeds Kelly sizing; its sign is ignored.
	Score     decimal.Decimal `json:"score"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hold is the no-op signal.
func Hold() Signal {
	return Signal{Type: SignalHold}
}

// Entry is a BUY/ENTRY signal with the given score.
func Entry(score decimal.Decimal, reason string) Signal {
	return Signal{Type: SignalBuy, Action: ActionEntry, Score: score, Reason: reason}
}

// Exit is a SELL/EXIT signal.
func Exit(reason string) Signal {
	return Signal{Type: SignalSell, Action: ActionExit, Reason: reason}
}

// IsEntry reports a BUY/ENTRY signal. A BUY without an action counts as an
// entry.
func (s Signal) IsEntry() bool {
	return s.Type == SignalBuy && (s.Action == ActionEntry || s.Action == "")
}

// IsExit reports a SELL/EXIT signal. A SELL without an action counts as an
// exit.
func (s Signal) IsExit() bool {
	return s.Type == SignalSell && (s.Action == ActionExit || s.Action == "")
}

// Valid reports whether the type/action pair is one the engine acts on or
// a hold.
func (s Signal) Valid() bool {
	return s.Type == SignalHold || s.IsEntry() || s.IsExit()
}
