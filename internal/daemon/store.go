package daemon

import (
	"fmt"
	"sync"

	"github.com/datasage-ai/datasage/internal/session"
)

// Store keeps live sessions in memory. Turn serialization is the runner's
// job; the store only guards the map itself.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Create registers a new session.
func (s *Store) Create() *session.Session {
	sess := session.New()
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get looks a session up by id.
func (s *Store) Get(id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return sess, nil
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
