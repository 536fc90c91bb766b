package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/exec-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store. Keys are
// namespaced with prefix so several engines can share one Redis.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string) *CachedStore {
	if prefix == "" {
		prefix = "exec"
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePositions(ctx context.Context, positions map[string]model.Position) error {
	if err := s.primary.SavePositions(ctx, positions); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, s.positionsKey())
	return nil
}

func (s *CachedStore) RecordOrder(ctx context.Context, result model.OrderResult) error {
	if err := s.primary.RecordOrder(ctx, result); err != nil {
		return err
	}
	s.invalidate(ctx, s.ordersKey(""), s.ordersKey(result.Symbol))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadPositions(ctx context.Context) (map[string]model.Position, error) {
	data, err := s.rdb.Get(ctx, s.positionsKey()).Bytes()
	if err == nil {
		positions := make(map[string]model.Position)
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss: read from primary.
	positions, err := s.primary.LoadPositions(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, s.positionsKey(), data, s.ttl)
	}
	return positions, nil
}

// ListOrders caches only the default page per symbol; other limits pass
// through to the primary.
func (s *CachedStore) ListOrders(ctx context.Context, symbol string, limit int) ([]model.OrderResult, error) {
	if limit > 0 && limit != DefaultOrderLimit {
		return s.primary.ListOrders(ctx, symbol, limit)
	}

	key := s.ordersKey(symbol)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var orders []model.OrderResult
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	orders, err := s.primary.ListOrders(ctx, symbol, DefaultOrderLimit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return orders, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func (s *CachedStore) positionsKey() string { return fmt.Sprintf("%s:positions", s.prefix) }

func (s *CachedStore) ordersKey(symbol string) string {
	if symbol == "" {
		symbol = "*"
	}
	return fmt.Sprintf("%s:orders:%s", s.prefix, symbol)
}
