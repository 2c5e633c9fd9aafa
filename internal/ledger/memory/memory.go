// Package memory provides an in-memory ledger used in tests and local
// development. Updates are serialized per store with a mutex, so the
// atomicity contract matches the durable adapters.
package memory

import (
	"context"
	"sync"

	"github.com/poic/licensing/internal/ledger"
)

func New() ledger.Store {
	return &store{
		records: map[string][]byte{},
	}
}

type store struct {
	mu      sync.Mutex
	records map[string][]byte
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.records[key]
	if !ok {
		return nil, ledger.ErrNotFound
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.records[key] = cp
	return nil
}

func (s *store) Update(ctx context.Context, key string, fn ledger.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.records[key]
	next, err := fn(current)
	if err != nil {
		return err
	}

	s.records[key] = next
	return nil
}

func (s *store) Ping(ctx context.Context) error {
	return nil
}

func (s *store) Close() error {
	return nil
}
