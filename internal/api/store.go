package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/rwkvrun/internal/metrics"
	"github.com/samcharles93/rwkvrun/internal/rwkv"
)

var ErrSessionLimit = errors.New("session limit reached")

// session owns one recurrent state. mu serialises forward calls on it.
type session struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	state     rwkv.State
	tokens    int
}

func (s *session) snapshot() SessionResponse {
	return SessionResponse{
		ID:        s.id,
		Object:    "session",
		CreatedAt: s.createdAt.Unix(),
		Tokens:    s.tokens,
	}
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	limit    int
}

// NewSessionStore returns a store holding at most limit sessions; 0 means
// no limit.
func NewSessionStore(limit int) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
		limit:    limit,
	}
}

func (s *SessionStore) Create(now time.Time) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.sessions) >= s.limit {
		return nil, ErrSessionLimit
	}
	sess := &session{id: newSessionID(), createdAt: now}
	s.sessions[sess.id] = sess
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return sess, nil
}

func (s *SessionStore) Get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}
