package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/rank"
)

// Session represents an active client connection
type Session struct {
	ID          uint64
	Conn        *SafeConn // Connection with automatic write synchronization
	RemoteAddr  string
	Transport   string // "tcp", "ssh" or "websocket"
	ConnectedAt time.Time

	mu     sync.RWMutex   // Protects user
	user   *database.User // nil until authentication succeeds
	closed atomic.Bool    // set once the session leaves the registry
}

// User returns a copy of the bound user and whether the session is
// authenticated.
func (s *Session) User() (database.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return database.User{}, false
	}
	return *s.user, true
}

// Authenticated reports whether a user is bound to the session.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Username returns "" for unauthenticated sessions.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Username
}

// Role returns 0 for unauthenticated sessions.
func (s *Session) Role() rank.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.Role
}

func (s *Session) setUser(u *database.User) {
	copied := *u
	s.mu.Lock()
	s.user = &copied
	s.mu.Unlock()
}

func (s *Session) setRole(role rank.Role) {
	s.mu.Lock()
	if s.user != nil {
		s.user.Role = role
	}
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}
