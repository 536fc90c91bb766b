package strategy

import (
	"context"
	"errors"
	"sync"

	"github.com/atmx/exec-engine/internal/lifecycle"
	"github.com/atmx/exec-engine/internal/model"
)

// ManualName is the registry name of the Manual strategy.
const ManualName = "manual"

// ErrInvalidSignal is returned when a pushed signal has an unknown
// type/action pair.
var ErrInvalidSignal = errors.New("strategy: invalid signal")

// Inbox accepts externally supplied signals.
type Inbox interface {
	Push(symbol string, sig Signal) error
	Pending(symbol string) int
}

// Manual trades signals pushed from outside, one per symbol per cycle in
// arrival order. Open positions are managed by the lifecycle manager.
type Manual struct {
	lifecycle *lifecycle.Manager

	mu    sync.Mutex
	inbox map[string][]Signal
}

// NewManual creates a manual strategy.
func NewManual(lc *lifecycle.Manager) *Manual {
	if lc == nil {
		lc = lifecycle.NewManager(lifecycle.DefaultConfig())
	}
	return &Manual{
		lifecycle: lc,
		inbox:     make(map[string][]Signal),
	}
}

// Push queues sig for symbol. Hold signals are dropped.
func (m *Manual) Push(symbol string, sig Signal) error {
	if !sig.Valid() {
		return ErrInvalidSignal
	}
	if sig.Type == SignalHold {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inbox[symbol] = append(m.inbox[symbol], sig)
	return nil
}

// Pending returns the number of queued signals for symbol.
func (m *Manual) Pending(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.inbox[symbol])
}

// GetSignal pops the oldest queued signal for symbol, or returns Hold.
func (m *Manual) GetSignal(_ context.Context, symbol string, _ []model.Kline, _ *model.Position) (Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.inbox[symbol]
	if len(queue) == 0 {
		return Hold(), nil
	}
	sig := queue[0]
	if len(queue) == 1 {
		delete(m.inbox, symbol)
	} else {
		m.inbox[symbol] = queue[1:]
	}
	return sig, nil
}

// GetPositionAction delegates to the lifecycle manager.
func (m *Manual) GetPositionAction(pos model.Position, tick lifecycle.Tick) *model.PositionAction {
	return m.lifecycle.Evaluate(pos, tick)
}
