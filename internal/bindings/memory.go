package bindings

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryEntry struct {
	binding   Binding
	expiresAt time.Time
}

// MemoryStore is the single-process Store used when no Redis is configured.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	byToken map[string]memoryEntry
	byCall  map[string]string
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		byToken: make(map[string]memoryEntry),
		byCall:  make(map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, b Binding) error {
	if b.Token == "" {
		return errors.New("binding token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.byToken[b.Token] = memoryEntry{binding: b, expiresAt: s.now().Add(s.ttl)}
	if b.CallConnectionID != "" {
		s.byCall[b.CallConnectionID] = b.Token
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(token)
}

func (s *MemoryStore) ByCallConnection(_ context.Context, callConnectionID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.byCall[callConnectionID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return s.getLocked(token)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) getLocked(token string) (Binding, error) {
	e, ok := s.byToken[token]
	if !ok || !s.now().Before(e.expiresAt) {
		return Binding{}, ErrNotFound
	}
	return e.binding, nil
}

func (s *MemoryStore) sweepLocked() {
	now := s.now()
	for token, e := range s.byToken {
		if now.Before(e.expiresAt) {
			continue
		}
		delete(s.byToken, token)
		if e.binding.CallConnectionID != "" && s.byCall[e.binding.CallConnectionID] == token {
			delete(s.byCall, e.binding.CallConnectionID)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
