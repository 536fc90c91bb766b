// Package store defines the persistence interface for the execution engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), a JSON state file, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/exec-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultOrderLimit bounds ListOrders when no limit is given.
const DefaultOrderLimit = 100

// Store is the persistence interface. Positions are saved as a full
// snapshot after every mutation; orders form an append-only ledger.
type Store interface {
	// --- Position snapshot ---

	// LoadPositions returns the last saved symbol → position map. An empty
	// store yields an empty, non-nil map.
	LoadPositions(ctx context.Context) (map[string]model.Position, error)

	// SavePositions overwrites the stored snapshot with positions.
	SavePositions(ctx context.Context, positions map[string]model.Position) error

	// --- Immutable order ledger ---

	// RecordOrder appends an order result.
	RecordOrder(ctx context.Context, result model.OrderResult) error

	// ListOrders returns the most recent orders, newest first. An empty
	// symbol matches every symbol.
	ListOrders(ctx context.Context, symbol string, limit int) ([]model.OrderResult, error)
}

// clonePositions deep-copies a position map so callers never share leg
// slices with the store.
func clonePositions(in map[string]model.Position) map[string]model.Position {
	out := make(map[string]model.Position, len(in))
	for sym, p := range in {
		out[sym] = p.Clone()
	}
	return out
}

// newestFirst filters ledger (oldest first) by symbol and returns at most
// limit entries, newest first.
func newestFirst(ledger []model.OrderResult, symbol string, limit int) []model.OrderResult {
	if limit <= 0 {
		limit = DefaultOrderLimit
	}
	result := make([]model.OrderResult, 0, min(limit, len(ledger)))
	for i := len(ledger) - 1; i >= 0 && len(result) < limit; i-- {
		if symbol != "" && ledger[i].Symbol != symbol {
			continue
		}
		result = append(result, ledger[i])
	}
	return result
}
