package engine

import (
	"errors"
	"sync"
)

// ErrSignedOut is returned by operations that need a current user when the
// session has been cleared.
var ErrSignedOut = errors.New("engine: signed out")

// Session holds the signed-in user. Operations read the user through the
// session instead of caching the id, so sign-out takes effect immediately.
type Session struct {
	mu     sync.RWMutex
	userID string
}

// NewSession creates a session for userID.
func NewSession(userID string) *Session {
	return &Session{userID: userID}
}

// UserID returns the signed-in user id, or ErrSignedOut.
func (s *Session) UserID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", ErrSignedOut
	}
	return s.userID, nil
}

// SignIn replaces the session user.
func (s *Session) SignIn(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// Clear signs the user out.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
}
