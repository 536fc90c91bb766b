package engine

import (
	"time"

	"github.com/atmx/exec-engine/internal/model"
)

// Event types.
const (
	EventPositionOpened  = "position_opened"
	EventPositionAdded   = "position_added"
	EventPositionReduced = "position_reduced"
	EventPositionClosed  = "position_closed"
	EventTrailUpdated    = "trail_updated"
	EventOrderFailed     = "order_failed"
	EventExposureBlocked = "exposure_blocked"
)

// Event describes one change to the position book.
type Event struct {
	Type      string                `json:"type"`
	Symbol    string                `json:"symbol"`
	Reason    string                `json:"reason,omitempty"`
	Position  *model.Position       `json:"position,omitempty"`
	Action    *model.PositionAction `json:"action,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Notifier receives engine events. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }
