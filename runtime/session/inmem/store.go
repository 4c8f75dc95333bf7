// Package inmem provides an in-memory session.Store for tests and local
// tooling. Data does not survive the process.
package inmem

import (
	"context"
	"sync"

	"goa.design/agentstate/runtime/session"
)

// Store is a mutex-guarded map of sessions keyed by ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

var _ session.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Create inserts s unless its ID is already taken.
func (s *Store) Create(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return session.Session{}, session.ErrSessionExists
	}
	s.sessions[sess.ID] = sess.Clone()
	return sess.Clone(), nil
}

// Get returns a copy of the stored session.
func (s *Store) Get(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Update applies fields to the stored session.
func (s *Store) Update(_ context.Context, id string, fields session.Fields) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	sess = sess.ApplyFields(fields)
	s.sessions[id] = sess
	return sess.Clone(), nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Reset clears all stored sessions (useful in tests).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]session.Session)
}
