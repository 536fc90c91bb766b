package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/model"
)

// Schema creates the tables PostgresStore expects. Positions are stored as
// JSONB documents, one row per symbol; the order ledger keeps NUMERIC
// columns for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	symbol     TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	reason          TEXT NOT NULL,
	order_id        BIGINT NOT NULL,
	client_order_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	executed_qty    NUMERIC NOT NULL,
	avg_price       NUMERIC NOT NULL,
	fee             NUMERIC NOT NULL,
	fee_asset       TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_symbol_timestamp_idx ON orders (symbol, timestamp DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadPositions(ctx context.Context) (map[string]model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, data FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]model.Position)
	for rows.Next() {
		var symbol string
		var data []byte
		if err := rows.Scan(&symbol, &data); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		var p model.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", symbol, err)
		}
		p.Symbol = symbol
		p.Recalculate()
		positions[symbol] = p
	}
	return positions, rows.Err()
}

// SavePositions replaces every stored row in one transaction, so readers
// never observe a half-written snapshot.
func (s *PostgresStore) SavePositions(ctx context.Context, positions map[string]model.Position) error {
	now := s.now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions`); err != nil {
			return fmt.Errorf("clear positions: %w", err)
		}
		for symbol, p := range positions {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode position %s: %w", symbol, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (symbol, data, updated_at) VALUES ($1, $2::JSONB, $3)`,
				symbol, string(data), now,
			); err != nil {
				return fmt.Errorf("save position %s: %w", symbol, err)
			}
		}
		return nil
	})
}

// RecordOrder inserts a ledger row. Rows are immutable; a repeated id is
// ignored.
func (s *PostgresStore) RecordOrder(ctx context.Context, r model.OrderResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, symbol, side, reason, order_id, client_order_id, status,
		                     executed_qty, avg_price, fee, fee_asset, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Symbol, r.Side, r.Reason, r.OrderID, r.ClientOrderID, r.Status,
		r.ExecutedQty.String(), r.AvgPrice.String(), r.Fee.String(), r.FeeAsset,
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", r.ClientOrderID, err)
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, symbol string, limit int) ([]model.OrderResult, error) {
	if limit <= 0 {
		limit = DefaultOrderLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, reason, order_id, client_order_id, status,
		        executed_qty::TEXT, avg_price::TEXT, fee::TEXT, fee_asset, timestamp
		 FROM orders
		 WHERE $1 = '' OR symbol = $1
		 ORDER BY timestamp DESC
		 LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// pgxRows is the subset of pgx.Rows used by scanOrders.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.OrderResult, error) {
	var orders []model.OrderResult
	for rows.Next() {
		var r model.OrderResult
		var qtyS, priceS, feeS string

		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Reason, &r.OrderID, &r.ClientOrderID, &r.Status,
			&qtyS, &priceS, &feeS, &r.FeeAsset, &r.Timestamp); err != nil {
			return nil, err
		}

		r.ExecutedQty, _ = decimal.NewFromString(qtyS)
		r.AvgPrice, _ = decimal.NewFromString(priceS)
		r.Fee, _ = decimal.NewFromString(feeS)

		orders = append(orders, r)
	}
	return orders, rows.Err()
}
