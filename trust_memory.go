package client

import (
	"context"
	"sort"
	"sync"
)

// MemoryRecordStore is an in-process [TrustRecordStore].
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]TrustRecord
}

// NewMemoryRecordStore returns an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]TrustRecord),
	}
}

func (s *MemoryRecordStore) Get(_ context.Context, host string, port int) (TrustRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[trustKey(host, port)]
	return rec, ok, nil
}

func (s *MemoryRecordStore) Create(_ context.Context, rec TrustRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

func (s *MemoryRecordStore) Replace(_ context.Context, rec TrustRecord, previous string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	current, exists := s.records[key]
	if !exists || current.Fingerprint != previous {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

func (s *MemoryRecordStore) List(_ context.Context) ([]TrustRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrustRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
