// Package session implements the practice session state machine: the state
// store, the orchestrator that drives screens and generation calls, and the
// write-through persistence of the transcript.
package session

import (
	"sync"

	"github.com/ashureev/langplay/internal/domain"
)

// Listener receives a snapshot after every committed change.
type Listener func(state domain.SessionState)

// Store holds the SessionState. Readers only ever see committed snapshots.
type Store struct {
	mu        sync.RWMutex
	state     domain.SessionState
	listeners map[int]Listener
	nextID    int
}

// NewStore creates a store holding initial.
func NewStore(initial domain.SessionState) *Store {
	return &Store{
		state:     initial.Clone(),
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update applies fn to a working copy and commits it if fn returns true.
// It returns the state after the call and whether a commit happened.
func (s *Store) Update(fn func(st *domain.SessionState) bool) (domain.SessionState, bool) {
	s.mu.Lock()
	working := s.state.Clone()
	if !fn(&working) {
		current := s.state.Clone()
		s.mu.Unlock()
		return current, false
	}
	s.state = working
	committed := working.Clone()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(committed.Clone())
	}
	return committed, true
}

// Replace swaps the whole state.
func (s *Store) Replace(state domain.SessionState) domain.SessionState {
	next, _ := s.Update(func(st *domain.SessionState) bool {
		*st = state.Clone()
		return true
	})
	return next
}

// Subscribe registers fn for committed changes.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}
