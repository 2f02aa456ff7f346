package intent

import (
	"sync"
	"time"
)

// Store is an in-memory cache of an agent's own intents. Expired intents are
// excluded from Active even if never explicitly removed.
type Store struct {
	mu      sync.RWMutex
	intents map[string]*Intent
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{intents: make(map[string]*Intent)}
}

// Add inserts or replaces an intent.
func (s *Store) Add(in *Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = in
}

// Get returns the intent with the given id, or nil.
func (s *Store) Get(id string) *Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intents[id]
}

// Remove deletes an intent and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.intents[id]
	delete(s.intents, id)
	return ok
}

// Active returns all intents whose TTL has not elapsed.
func (s *Store) Active() []*Intent {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Intent
	for _, in := range s.intents {
		if !in.Expired(now) {
			out = append(out, in)
		}
	}
	return out
}

// PruneExpired removes lapsed intents and returns how many were dropped.
func (s *Store) PruneExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, in := range s.intents {
		if in.Expired(now) {
			delete(s.intents, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached intents, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents)
}
