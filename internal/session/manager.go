package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/helixops/connectd/internal/cookie"
	"github.com/helixops/connectd/internal/log"
	"github.com/helixops/connectd/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNoCredential is returned when no platform credential of any kind is
// available and auth enforcement is enabled. The caller routes this to a
// login redirect, not a generic error.
var ErrNoCredential = errors.New("no platform session credential available")

// DevBypassToken is the placeholder credential substituted when auth
// enforcement is globally disabled. Internal services recognize and
// bypass it.
const DevBypassToken = "dev-bypass-token"

const (
	refreshTimeout = 10 * time.Second

	// cookieExpiryMargin keeps the reissued cookie expiring slightly
	// before the credential itself, as a guard against clock skew.
	cookieExpiryMargin = 60 * time.Second
)

// Manager reads and proactively refreshes platform session credentials.
// The callback can run minutes after the browser last touched the
// platform, so the platform's own token may be near expiry by the time
// the internal RPC needs it; refreshing before use turns a race into a
// deterministic refresh-then-use sequence.
type Manager struct {
	store        storage.SessionStore
	tokenURL     string
	authDisabled bool
	group        singleflight.Group
}

// NewManager creates a session credential manager.
// tokenURL is the platform's own token endpoint (refresh-token grant).
func NewManager(store storage.SessionStore, tokenURL string, authDisabled bool) *Manager {
	return &Manager{
		store:        store,
		tokenURL:     tokenURL,
		authDisabled: authDisabled,
	}
}

// Load resolves the session for a request from its cookie.
// A missing cookie or unknown token returns (nil, nil): absence of a
// session is an expected state the caller classifies, not an error.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*storage.Session, error) {
	token, err := cookie.GetSession(r)
	if err != nil || token == "" {
		return nil, nil
	}

	sess, err := m.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Expired() {
		return nil, nil
	}
	return sess, nil
}

// EnsureFresh returns a credential safe to use for the internal RPC.
//
// With a refresh token present it performs exactly one proactive
// refresh-token exchange before the credential is used; a failed or
// skipped refresh falls back to the existing access token, which may
// still be valid. Concurrent callbacks for the same session (a
// double-submitted tab) share one refresh via singleflight.
func (m *Manager) EnsureFresh(ctx context.Context, w http.ResponseWriter, sess *storage.Session) (*storage.Credential, error) {
	if m.authDisabled {
		return &storage.Credential{AccessToken: DevBypassToken}, nil
	}

	if sess == nil {
		return nil, ErrNoCredential
	}

	cred := sess.Credential
	if cred.RefreshToken != "" {
		refreshed, err := m.refresh(ctx, sess)
		if err != nil {
			// Not fatal: the existing access token may still be valid.
			log.LogWarnWithFields("session", "Proactive refresh failed, falling back to existing credential", map[string]any{
				"user":  sess.UserID,
				"error": err.Error(),
			})
		} else {
			cred = *refreshed
			m.reissueCookie(w, sess.Token, cred.ExpiresAt)
		}
	}

	if cred.AccessToken == "" {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// refresh performs the refresh-token grant and persists the new
// credential. Deduplicated per session token.
func (m *Manager) refresh(ctx context.Context, sess *storage.Session) (*storage.Credential, error) {
	v, err, _ := m.group.Do(sess.Token, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()

		conf := &oauth2.Config{
			Endpoint: oauth2.Endpoint{TokenURL: m.tokenURL},
		}
		// Expiry in the past forces the token source to use the
		// refresh grant instead of returning the stale token.
		source := conf.TokenSource(refreshCtx, &oauth2.Token{
			RefreshToken: sess.Credential.RefreshToken,
			Expiry:       time.Now().Add(-time.Minute),
		})

		token, err := source.Token()
		if err != nil {
			return nil, fmt.Errorf("refresh grant: %w", err)
		}

		cred := storage.Credential{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.Expiry,
		}
		if cred.RefreshToken == "" {
			cred.RefreshToken = sess.Credential.RefreshToken
		}

		sess.Credential = cred
		if err := m.store.PutSession(ctx, sess.Token, sess); err != nil {
			// The refreshed credential is still usable this request
			// even if persisting it failed.
			log.LogErrorWithFields("session", "Failed to persist refreshed credential", map[string]any{
				"user":  sess.UserID,
				"error": err.Error(),
			})
		}

		log.LogInfoWithFields("session", "Session credential refreshed", map[string]any{
			"user":   sess.UserID,
			"expiry": cred.ExpiresAt,
		})
		return &cred, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Credential), nil
}

// reissueCookie extends the session cookie to just short of the new
// credential lifetime.
func (m *Manager) reissueCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	if w == nil || expiresAt.IsZero() {
		return
	}
	maxAge := time.Until(expiresAt) - cookieExpiryMargin
	if maxAge <= 0 {
		return
	}
	cookie.SetSession(w, token, maxAge)
}
