package session

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already registered")
)

// Bridge is the part of an audio bridge the registry needs for teardown.
type Bridge interface {
	Stop(ctx context.Context) error
}

// Entry pairs a live session with the bridge serving it.
type Entry struct {
	Session *Session
	Bridge  Bridge
}

// Registry tracks live sessions by session id and by call connection id.
// Lookups racing a removal simply miss.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	byCall  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		byCall:  make(map[string]string),
	}
}

func (r *Registry) Register(s *Session, b Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.ID()]; ok {
		return ErrDuplicate
	}
	r.entries[s.ID()] = Entry{Session: s, Bridge: b}
	if ccid := s.CallConnectionID(); ccid != "" {
		r.byCall[ccid] = s.ID()
	}
	return nil
}

func (r *Registry) Get(sessionID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *Registry) ByCallConnection(callConnectionID string) (Entry, error) {
	if callConnectionID == "" {
		return Entry{}, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCall[callConnectionID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// ByMeeting finds the live session serving meetingID.
func (r *Registry) ByMeeting(meetingID string) (Entry, error) {
	if meetingID == "" {
		return Entry{}, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Session.MeetingID() == meetingID {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// BindCallConnection records the call connection id of a session that
// registered before the id was known.
func (r *Registry) BindCallConnection(sessionID, callConnectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	if prev := e.Session.CallConnectionID(); prev != "" && prev != callConnectionID {
		delete(r.byCall, prev)
	}
	e.Session.SetCallConnectionID(callConnectionID)
	if callConnectionID != "" {
		r.byCall[callConnectionID] = sessionID
	}
	return nil
}

func (r *Registry) Remove(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, sessionID)
	for ccid, id := range r.byCall {
		if id == sessionID {
			delete(r.byCall, ccid)
		}
	}
	return e, true
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.entries = make(map[string]Entry)
	r.byCall = make(map[string]string)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
