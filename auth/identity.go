package auth

import (
	"sync"
	"time"
)

// StaticIdentity is a client-side identity holding one token for one user.
// Valid reports false once the token expired or Revoke was called.
type StaticIdentity struct {
	mu        sync.RWMutex
	userID    string
	token     string
	expiresAt time.Time
	revoked   bool
	now       func() time.Time
}

// NewStaticIdentity returns an identity for userID. A zero expiresAt never expires.
func NewStaticIdentity(userID, token string, expiresAt time.Time) *StaticIdentity {
	return &StaticIdentity{
		userID:    userID,
		token:     token,
		expiresAt: expiresAt,
		now:       time.Now,
	}
}

// IdentityFromToken builds a StaticIdentity from a token the issuer signed.
func (i *Issuer) IdentityFromToken(token string) (*StaticIdentity, error) {
	claims, err := i.Verify(token)
	if err != nil {
		return nil, err
	}
	identity := NewStaticIdentity(claims.UserID, token, claims.ExpiresAt)
	identity.now = i.now
	return identity, nil
}

func (s *StaticIdentity) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *StaticIdentity) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *StaticIdentity) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.revoked || s.userID == "" || s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.now().Before(s.expiresAt)
}

// Revoke ends the session.
func (s *StaticIdentity) Revoke() {
	s.mu.Lock()
	s.revoked = true
	s.mu.Unlock()
}
