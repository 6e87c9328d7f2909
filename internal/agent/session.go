package agent

import (
	"context"
	"sync"
	"time"

	"ordercall/internal/ai"
)

// SessionStore holds per-session conversation memory. Implementations must
// evict idle sessions so a long-running process does not grow without bound.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, msgs ...ai.Message) error
	History(ctx context.Context, sessionID string) ([]ai.Message, error)
	Clear(ctx context.Context, sessionID string) error
}

type memorySession struct {
	msgs     []ai.Message
	lastSeen time.Time
}

// MemorySessionStore is the in-process SessionStore used in development and
// tests. Sessions idle longer than the TTL are swept on access.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	ttl      time.Duration
	now      func() time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemorySessionStore{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemorySessionStore) Append(ctx context.Context, sessionID string, msgs ...ai.Message) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIdleLocked()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	sess.msgs = append(sess.msgs, msgs...)
	sess.lastSeen = s.now()
	return nil
}

func (s *MemorySessionStore) History(ctx context.Context, sessionID string) ([]ai.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIdleLocked()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	sess.lastSeen = s.now()
	out := make([]ai.Message, len(sess.msgs))
	copy(out, sess.msgs)
	return out, nil
}

func (s *MemorySessionStore) Clear(ctx context.Context, sessionID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemorySessionStore) evictIdleLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
