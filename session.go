package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemorySessionStore is an in-memory SessionStore with per-session expiry. Expired sessions are
// evicted by a background janitor running every quarter of the TTL.
//
// Instances should be created using NewMemorySessionStore and closed using Close.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	done   chan struct{}
	closed chan struct{}
	once   *sync.Once
}

// MemorySessionStoreOption represents the options for the MemorySessionStore.
type MemorySessionStoreOption func(*MemorySessionStore)

var defaultSessionTTL = 30 * time.Minute

// NewMemorySessionStore creates the store and starts its janitor goroutine.
func NewMemorySessionStore(options ...MemorySessionStoreOption) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]Session),
		ttl:      defaultSessionTTL,
		now:      time.Now,
		logger:   slog.Default(),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		once:     &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = defaultSessionTTL
	}

	go s.cleanup()

	return s
}

// WithSessionTTL sets how long a session lives after it is created.
func WithSessionTTL(ttl time.Duration) MemorySessionStoreOption {
	return func(s *MemorySessionStore) {
		s.ttl = ttl
	}
}

// WithSessionStoreLogger sets the logger for the store.
func WithSessionStoreLogger(logger *slog.Logger) MemorySessionStoreOption {
	return func(s *MemorySessionStore) {
		s.logger = logger.With(
			slog.String("package", "mcp-handshake"),
			slog.String("component", "session-store"),
		)
	}
}

// withSessionClock replaces the store's clock, for tests.
func withSessionClock(now func() time.Time) MemorySessionStoreOption {
	return func(s *MemorySessionStore) {
		s.now = now
	}
}

// TTL returns the lifetime given to new sessions.
func (s *MemorySessionStore) TTL() time.Duration { return s.ttl }

// Create implements SessionStore. A zero ExpiresAt is replaced by now plus the store's TTL.
func (s *MemorySessionStore) Create(_ context.Context, sess Session) error {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.ID]; ok && now.Before(existing.ExpiresAt) {
		return fmt.Errorf("session %q already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Load implements SessionStore.
func (s *MemorySessionStore) Load(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Update implements SessionStore. The expiry of the stored session is kept.
func (s *MemorySessionStore) Update(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.now().Before(existing.ExpiresAt) {
		return ErrSessionExpired
	}
	sess.CreatedAt = existing.CreatedAt
	sess.ExpiresAt = existing.ExpiresAt
	s.sessions[sess.ID] = sess
	return nil
}

// Len returns the number of stored sessions, expired ones included until the janitor runs.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close implements SessionStore. It stops the janitor and waits for it to exit.
func (s *MemorySessionStore) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	<-s.closed
	return nil
}

func (s *MemorySessionStore) cleanup() {
	defer close(s.closed)

	interval := s.ttl / 4
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.evictExpired(); n > 0 {
				s.logger.Debug("evicted expired sessions", slog.Int("count", n))
			}
		}
	}
}

func (s *MemorySessionStore) evictExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
