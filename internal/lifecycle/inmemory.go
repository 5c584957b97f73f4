package lifecycle

import (
	"context"
	"sync"
)

// InMemoryStore keeps records for the life of the process.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.MeetingID] = rec.clone()
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, meetingID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[meetingID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *InMemoryStore) Close() error { return nil }
