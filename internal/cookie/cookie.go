package cookie

import (
	"net/http"
	"time"

	"github.com/helixops/connectd/internal/envutil"
	"github.com/helixops/connectd/internal/log"
)

// DefaultSessionCookie is the name of the platform session cookie
// unless overridden in config.
const DefaultSessionCookie = "helix_session"

var sessionCookie = DefaultSessionCookie

// SetSessionName overrides the session cookie name. Called once at
// startup, before any request is served.
func SetSessionName(name string) {
	if name != "" {
		sessionCookie = name
	}
}

// SessionName returns the active session cookie name
func SessionName() string {
	return sessionCookie
}

// SetSession sets the session cookie with appropriate security settings.
// maxAge should already include any clock-skew safety margin.
func SetSession(w http.ResponseWriter, value string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogDebugWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

// ClearSession removes the session cookie
func ClearSession(w http.ResponseWriter) {
	Clear(w, sessionCookie)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// GetSession retrieves the session cookie value
func GetSession(r *http.Request) (string, error) {
	return Get(r, sessionCookie)
}
