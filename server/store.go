package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when a session or pending login is missing or expired.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists relying-party sessions and pending logins.
type SessionStore interface {
	SaveSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	SavePending(ctx context.Context, p PendingLogin) error
	ConsumePending(ctx context.Context, state string) (PendingLogin, error)
	Close() error
}

// sweepInterval bounds how often writes purge expired entries.
const sweepInterval = time.Minute

// InMemoryStore keeps sessions for a single process.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	pending   map[string]PendingLogin
	lastSweep time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Session),
		pending:  make(map[string]PendingLogin),
	}
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a live session by ID.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// SavePending stores a login awaiting its callback.
func (s *InMemoryStore) SavePending(_ context.Context, p PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())
	s.pending[p.State] = p
	return nil
}

// ConsumePending retrieves and removes a pending login.
func (s *InMemoryStore) ConsumePending(_ context.Context, state string) (PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return PendingLogin{}, ErrSessionNotFound
	}
	delete(s.pending, state)
	if time.Now().After(p.ExpiresAt) {
		return PendingLogin{}, ErrSessionNotFound
	}
	return p, nil
}

// sweepLocked drops expired sessions and abandoned logins. Callers hold mu.
func (s *InMemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
	for state, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, state)
		}
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
