package identity

import (
	"context"
	"sync"
	"time"
)

// StoredSession is the provider-side record of a signed-in client.
type StoredSession struct {
	Client       ClientID
	User         User
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// SessionStore persists sessions. Get returns (nil, nil) when the client
// has no session.
type SessionStore interface {
	GetSession(ctx context.Context, client ClientID) (*StoredSession, error)
	PutSession(ctx context.Context, s StoredSession) error
	DeleteSession(ctx context.Context, client ClientID) error
	// ExpiringSessions lists sessions with a refresh token whose access
	// token expires before the given time.
	ExpiringSessions(ctx context.Context, before time.Time) ([]StoredSession, error)
	UpdateTokens(ctx context.Context, client ClientID, access, refresh string, expiry time.Time, scope string) error
}

// MemorySessions is an in-process SessionStore.
type MemorySessions struct {
	mu sync.RWMutex
	m  map[ClientID]StoredSession
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{m: make(map[ClientID]StoredSession)}
}

func (s *MemorySessions) GetSession(_ context.Context, client ClientID) (*StoredSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.m[client]
	if !ok {
		return nil, nil
	}
	return &ss, nil
}

func (s *MemorySessions) PutSession(_ context.Context, ss StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[ss.Client] = ss
	return nil
}

func (s *MemorySessions) DeleteSession(_ context.Context, client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, client)
	return nil
}

func (s *MemorySessions) ExpiringSessions(_ context.Context, before time.Time) ([]StoredSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredSession
	for _, ss := range s.m {
		if ss.RefreshToken != "" && ss.Expiry.Before(before) {
			out = append(out, ss)
		}
	}
	return out, nil
}

func (s *MemorySessions) UpdateTokens(_ context.Context, client ClientID, access, refresh string, expiry time.Time, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.m[client]
	if !ok {
		return nil
	}
	ss.AccessToken = access
	if refresh != "" {
		ss.RefreshToken = refresh
	}
	ss.Expiry = expiry
	if scope != "" {
		ss.Scope = scope
	}
	s.m[client] = ss
	return nil
}
