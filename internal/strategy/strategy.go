// Package strategy resolves the signal source the engine trades on.
//
// Strategies are registered by name and built once at startup. A strategy
// answers two questions: should a flat symbol be entered or an open one
// exited (GetSignal), and what follow-up an open position needs this tick
// (GetPositionAction).
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/exec-engine/internal/lifecycle"
	"github.com/atmx/exec-engine/internal/model"
)

var (
	// ErrUnknownStrategy is returned by Build for an unregistered name.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")

	// ErrDuplicateStrategy is returned by Register when the name is taken.
	ErrDuplicateStrategy = errors.New("strategy: already registered")
)

// Strategy produces signals and position actions.
type Strategy interface {
	// GetSignal decides on symbol given recent klines (oldest first) and the
	// open position, nil when flat.
	GetSignal(ctx context.Context, symbol string, klines []model.Kline, pos *model.Position) (Signal, error)

	// GetPositionAction returns the follow-up for an open position, or nil.
	GetPositionAction(pos model.Position, tick lifecycle.Tick) *model.PositionAction
}

// Deps are the collaborators a factory may use.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Params    map[string]any
}

// Factory builds a strategy.
type Factory func(deps Deps) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(ManualName, func(deps Deps) (Strategy, error) {
		return NewManual(deps.Lifecycle), nil
	})
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("strategy: register %q: name and factory are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, name)
	}
	r.factories[name] = f
	return nil
}

// Build constructs the strategy registered under name. A nil lifecycle
// manager in deps is replaced with one using the default policy.
func (r *Registry) Build(name string, deps Deps) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = lifecycle.NewManager(lifecycle.DefaultConfig())
	}
	s, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("build strategy %s: %w", name, err)
	}
	return s, nil
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
