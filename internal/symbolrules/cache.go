package symbolrules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/exec-engine/internal/model"
)

// Source fetches filters from the exchange.
type Source interface {
	SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error)
}

// Cache is a read-through cache of SymbolFilters keyed by symbol. Filters
// are immutable for the session, so entries never expire. Concurrent misses
// for the same symbol share one fetch.
type Cache struct {
	src    Source
	mu     sync.RWMutex
	byName map[string]model.SymbolFilters
	group  singleflight.Group
}

// NewCache creates a cache over src.
func NewCache(src Source) *Cache {
	return &Cache{
		src:    src,
		byName: make(map[string]model.SymbolFilters),
	}
}

// Get returns the cached filters for symbol, fetching them on first use.
func (c *Cache) Get(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.byName[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	v, err, _ := c.group.Do(symbol, func() (any, error) {
		f, err := c.src.SymbolFilters(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("symbol filters %s: %w", symbol, err)
		}
		c.mu.Lock()
		c.byName[symbol] = f
		c.mu.Unlock()
		slog.Debug("symbol filters cached",
			"symbol", symbol,
			"step", f.StepSize.String(),
			"min_qty", f.MinQty.String(),
			"min_notional", f.MinNotional.String(),
		)
		return f, nil
	})
	if err != nil {
		return model.SymbolFilters{}, err
	}
	return v.(model.SymbolFilters), nil
}
