package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session doesn't exist
var ErrSessionNotFound = errors.New("session not found")

// Credential is the platform's own session credential: the token used to
// authenticate against internal services, plus the refresh token that can
// renew it. Distinct from any provider token flowing through a callback.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Session is a platform login session. Created at login (outside this
// service); this service reads it and refreshes its credential in place.
type Session struct {
	Token      string     `json:"token"` // cookie value, also the store key
	UserID     string     `json:"user_id"`
	Credential Credential `json:"credential"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Expired reports whether the session itself (not its credential) is past
// its lifetime.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// SessionStore is the injected session store contract. The callback
// pipeline reads then writes within a single request; idempotency of
// concurrent writes for the same token is the store's concern.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*Session, error)
	PutSession(ctx context.Context, token string, session *Session) error
	DeleteSession(ctx context.Context, token string) error

	// DeleteExpiredSessions removes sessions past their expiry and
	// returns how many were deleted.
	DeleteExpiredSessions(ctx context.Context) (int, error)
}
