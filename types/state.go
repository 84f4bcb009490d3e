package types

import (
	"context"
	"sync"
)

// StateRecord is one versioned, JSON encoded snapshot of a ledger.
type StateRecord struct {
	Key     string
	Version int
	Data    []byte
}

// StateStore persists ledger snapshots. Implementations must be safe for
// concurrent use and should only do bounded local writes.
type StateStore interface {
	LoadState(ctx context.Context, key string) (StateRecord, bool, error)
	SaveState(ctx context.Context, rec StateRecord) error
}

// MemoryStateStore keeps snapshots in memory, it loses everything on restart.
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string]StateRecord
	// Err, when set, is returned by SaveState.
	Err error
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]StateRecord)}
}

func (s *MemoryStateStore) LoadState(_ context.Context, key string) (StateRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStateStore) SaveState(_ context.Context, rec StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	s.records[rec.Key] = rec
	return nil
}

// Len returns how many records are stored.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
