package ledger

import (
	"context"
	"sync"

	"github.com/sells-group/pick-engine/internal/model"
)

// MemoryStore is an in-process Store. Inserts are atomic under its mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[model.IdempotencyKey]model.IdempotencyRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.IdempotencyKey]model.IdempotencyRecord)}
}

// GetRecord implements Store.
func (s *MemoryStore) GetRecord(_ context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return &rec, nil
}

// InsertRecord implements Store.
func (s *MemoryStore) InsertRecord(_ context.Context, rec *model.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *rec
	cp.Body = append([]byte(nil), rec.Body...)
	s.records[rec.IdempotencyKey] = cp
	return true, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
