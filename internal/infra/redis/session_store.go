package redis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kauschie/knewit/internal/app"
	"github.com/redis/go-redis/v9"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
// Sessions stay in a local map so the in-process fan-out keeps working; Redis claims the session
// code with SETNX so two instances sharing a Redis never hand out the same code.
type SessionStore struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Put(session *app.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.sessions[session.ID()]; taken {
		return false
	}
	claimed, err := s.client.SetNX(context.Background(), s.key(session.ID()), session.HostID(), s.ttl).Result()
	if err == nil && !claimed {
		return false
	}
	// Redis being unavailable only costs cross-instance uniqueness.
	s.sessions[session.ID()] = session
	return true
}

func (s *SessionStore) Get(sessionID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return
	}
	delete(s.sessions, sessionID)
	_ = s.client.Del(context.Background(), s.key(sessionID)).Err()
}

func (s *SessionStore) List() []*app.Session {
	s.mu.RLock()
	out := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Refresh extends the liveness marker of every local session.
func (s *SessionStore) Refresh(ctx context.Context) error {
	pipe := s.client.Pipeline()
	s.mu.RLock()
	for id := range s.sessions {
		pipe.Expire(ctx, s.key(id), s.ttl)
	}
	s.mu.RUnlock()
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SessionStore) key(sessionID string) string {
	return "quiz:session:" + sessionID
}
