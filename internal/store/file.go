package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/atmx/exec-engine/internal/model"
)

// FileStore persists the position snapshot as a JSON object keyed by
// symbol. Writes go to a temp file in the same directory and are renamed
// over the target, so a crash never leaves a truncated state file.
// The order ledger is kept in memory only.
type FileStore struct {
	path string

	mu     sync.Mutex
	ledger []model.OrderResult
}

// NewFileStore creates a store backed by the JSON file at path. The file
// is created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadPositions(_ context.Context) (map[string]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]model.Position), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return make(map[string]model.Position), nil
	}

	positions := make(map[string]model.Position)
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	for sym, p := range positions {
		if p.Symbol == "" {
			p.Symbol = sym
		}
		p.Recalculate()
		positions[sym] = p
	}
	return positions, nil
}

func (s *FileStore) SavePositions(_ context.Context, positions map[string]model.Position) error {
	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) RecordOrder(_ context.Context, result model.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, result)
	return nil
}

func (s *FileStore) ListOrders(_ context.Context, symbol string, limit int) ([]model.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return newestFirst(s.ledger, symbol, limit), nil
}
