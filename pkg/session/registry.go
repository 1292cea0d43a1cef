package session

import (
	"errors"
	"fmt"
	"sync"
)

// Key identifies a session: one participant editing one document.
type Key struct {
	DocumentID    string
	ParticipantID string
}

func (k Key) String() string {
	return k.DocumentID + "/" + k.ParticipantID
}

// Factory builds the session for key. The registry owns what it returns.
type Factory func(key Key) (*Session, error)

// Registry hands out one live session per key so that callers sharing a document share its
// replica instead of each opening their own.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	sessions map[Key]*Session
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, sessions: make(map[Key]*Session)}
}

// Acquire returns the session for key, creating it on first use or after it was destroyed.
func (r *Registry) Acquire(key Key) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && s.Status() != StatusDestroyed {
		return s, nil
	}
	s, err := r.factory(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", key, err)
	}
	r.sessions[key] = s
	return s, nil
}

func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Release destroys the session for key and forgets it. Unknown keys are ignored.
func (r *Registry) Release(key Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Destroy()
}

// Close destroys every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()

	var errs []error
	for key, s := range sessions {
		if err := s.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
