package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/helixops/connectd/internal/config"
	"github.com/helixops/connectd/internal/connector"
	"github.com/helixops/connectd/internal/crypto"
	"github.com/helixops/connectd/internal/githubauth"
	"github.com/helixops/connectd/internal/session"
	"github.com/helixops/connectd/internal/state"
	"github.com/helixops/connectd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callbackFixture wires the handlers against fake provider and platform
// endpoints, counting every outbound call.
type callbackFixture struct {
	handlers *ConnectionHandlers
	store    *storage.MemoryStore

	tokenCalls    int
	identityCalls int
	accountsCalls int
	refreshCalls  int

	lastTokenForm    url.Values
	lastAccountsBody map[string]any
	lastAccountsPath string
}

type fixtureOption func(*config.Config)

func withSigningKey(key string) fixtureOption {
	return func(c *config.Config) { c.StateSigningKey = config.Secret(key) }
}

func withAuthDisabled() fixtureOption {
	return func(c *config.Config) { c.Platform.AuthDisabled = true }
}

func withoutGitHubCredentials() fixtureOption {
	return func(c *config.Config) {
		c.GitHub.ClientID = ""
		c.GitHub.ClientSecret = ""
	}
}

func newCallbackFixture(t *testing.T, opts ...fixtureOption) *callbackFixture {
	t.Helper()
	f := &callbackFixture{store: storage.NewMemoryStore()}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls++
		require.NoError(t, r.ParseForm())
		f.lastTokenForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "gho_upstream",
			"token_type":   "bearer",
			"scope":        "read:user",
		})
	}))
	t.Cleanup(tokenServer.Close)

	identityServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.identityCalls++
		_ = json.NewEncoder(w).Encode(map[string]string{"login": "octocat"})
	}))
	t.Cleanup(identityServer.Close)

	accountsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.accountsCalls++
		f.lastAccountsPath = r.URL.Path
		f.lastAccountsBody = nil
		_ = json.NewDecoder(r.Body).Decode(&f.lastAccountsBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	t.Cleanup(accountsServer.Close)

	refreshServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-platform-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(refreshServer.Close)

	cfg := config.Config{
		Server: config.ServerConfig{
			BaseURL:      "https://connect.example.com",
			Addr:         ":8080",
			SettingsPath: "/settings/connections",
			LoginPath:    "/login",
		},
		GitHub: config.GitHubConfig{
			ClientID:     "gh-client",
			ClientSecret: "gh-secret",
			TokenURL:     tokenServer.URL,
			UserURL:      identityServer.URL,
		},
		Platform: config.PlatformConfig{
			TokenURL:    refreshServer.URL,
			AccountsURL: accountsServer.URL,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	github := githubauth.NewClient(cfg.GitHub)
	sessions := session.NewManager(f.store, cfg.Platform.TokenURL, cfg.Platform.AuthDisabled)
	platform := connector.NewClient(cfg.Platform.AccountsURL)

	var signer *crypto.TokenSigner
	if cfg.StateSigningKey != "" {
		s := crypto.NewTokenSigner([]byte(cfg.StateSigningKey), 15*time.Minute)
		signer = &s
	}

	f.handlers = NewConnectionHandlers(&cfg, github, sessions, platform, signer)
	return f
}

func (f *callbackFixture) outboundCalls() int {
	return f.tokenCalls + f.identityCalls + f.accountsCalls + f.refreshCalls
}

func (f *callbackFixture) seedSession(t *testing.T, cred storage.Credential) {
	t.Helper()
	sess := &storage.Session{
		Token:      "sess-token",
		UserID:     "user-1",
		Credential: cred,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.PutSession(context.Background(), sess.Token, sess))
}

func callbackRequest(target string, withCookie bool) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if withCookie {
		r.AddCookie(&http.Cookie{Name: "helix_session", Value: "sess-token"})
	}
	return r
}

func redirectTarget(t *testing.T, rec *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Path, loc.Query()
}

func TestCallbackProviderErrorShortCircuits(t *testing.T) {
	f := newCallbackFixture(t)
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?error=access_denied", true))

	path, q := redirectTarget(t, rec)
	assert.Equal(t, "/settings/connections", path)
	assert.Equal(t, "access_denied", q.Get("error"))
	assert.Zero(t, f.outboundCalls())
}

func TestCallbackMissingCodeShortCircuits(t *testing.T) {
	f := newCallbackFixture(t)
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "missing_code", q.Get("error"))
	assert.Zero(t, f.outboundCalls())
}

func TestCallbackMissingCredentialsIsConfigurationError(t *testing.T) {
	f := newCallbackFixture(t, withoutGitHubCredentials())
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "configuration_error", q.Get("error"))
	assert.Zero(t, f.outboundCalls())
}

func TestCallbackSuccessUserScope(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	path, q := redirectTarget(t, rec)
	assert.Equal(t, "/settings/connections", path)
	assert.Equal(t, "true", q.Get("success"))
	assert.Equal(t, "octocat", q.Get("username"))
	assert.Empty(t, q.Get("orgId"))

	assert.Equal(t, 1, f.tokenCalls)
	assert.Equal(t, 1, f.identityCalls)
	assert.Equal(t, 1, f.accountsCalls)
	assert.Equal(t, "/internal/v1/connections/user", f.lastAccountsPath)
	assert.Equal(t, "gho_upstream", f.lastAccountsBody["accessToken"])
}

func TestCallbackSuccessOrganizationScope(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})
	stateParam := state.Encode(state.Envelope{Scope: state.ScopeOrganization, OrgID: "org-42"})
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc&state="+url.QueryEscape(stateParam), true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "true", q.Get("success"))
	assert.Equal(t, "org-42", q.Get("orgId"))
	assert.Equal(t, "/internal/v1/connections/organization", f.lastAccountsPath)
	assert.Equal(t, "org-42", f.lastAccountsBody["organizationId"])
}

func TestCallbackMalformedStateDefaultsToUserScope(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc&state=%21%21garbage", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "true", q.Get("success"))
	assert.Equal(t, "/internal/v1/connections/user", f.lastAccountsPath)
}

func TestCallbackRedirectURIDerivation(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		headers map[string]string
		want    string
	}{
		{
			name: "direct request",
			host: "connect.example.com",
			want: "http://connect.example.com/oauth/callback",
		},
		{
			name: "behind proxy",
			host: "internal:8080",
			headers: map[string]string{
				"X-Forwarded-Proto": "https",
				"X-Forwarded-Host":  "connect.example.com",
			},
			want: "https://connect.example.com/oauth/callback",
		},
		{
			name: "proxy chain takes first proto",
			host: "internal:8080",
			headers: map[string]string{
				"X-Forwarded-Proto": "https, http",
				"X-Forwarded-Host":  "connect.example.com",
			},
			want: "https://connect.example.com/oauth/callback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallbackFixture(t)
			f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

			r := callbackRequest("/oauth/callback?code=abc", true)
			r.Host = tt.host
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			f.handlers.CallbackHandler(rec, r)

			require.Equal(t, 1, f.tokenCalls)
			assert.Equal(t, tt.want, f.lastTokenForm.Get("redirect_uri"))
		})
	}
}

func TestCallbackWithoutSessionRedirectsToLogin(t *testing.T) {
	f := newCallbackFixture(t)
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc&state=xyz", false))

	path, q := redirectTarget(t, rec)
	assert.Equal(t, "/login", path)
	assert.Equal(t, "/oauth/callback?code=abc&state=xyz", q.Get("redirect"))
	// the one-time code must not be spent before the user can log in
	assert.Zero(t, f.tokenCalls)
}

func TestCallbackRefreshesPlatformCredentialBeforeDispatch(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{
		AccessToken:  "stale-access",
		RefreshToken: "platform-refresh",
	})
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "true", q.Get("success"))
	assert.Equal(t, 1, f.refreshCalls)

	stored, err := f.store.GetSession(context.Background(), "sess-token")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-platform-access", stored.Credential.AccessToken)
}

func TestCallbackDevModeSkipsSessionEntirely(t *testing.T) {
	f := newCallbackFixture(t, withAuthDisabled())
	rec := httptest.NewRecorder()

	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", false))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "true", q.Get("success"))
	assert.Zero(t, f.refreshCalls)
}

func TestCallbackExchangeFailureRedirectsWithoutLeakingSecrets(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	// replace the token endpoint with one that reports a provider error
	errServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
	}))
	t.Cleanup(errServer.Close)
	cfg := *f.handlers.cfg
	cfg.GitHub.TokenURL = errServer.URL
	f.handlers.github = githubauth.NewClient(cfg.GitHub)

	rec := httptest.NewRecorder()
	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "exchange_failed", q.Get("error"))
	assert.NotContains(t, rec.Header().Get("Location"), "gho_")
	assert.NotContains(t, rec.Header().Get("Location"), "platform-access")
	assert.Zero(t, f.identityCalls)
	assert.Zero(t, f.accountsCalls)
}

func TestCallbackDispatchUnauthenticatedRedirectsToLogin(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(rejecting.Close)
	f.handlers.platform = connector.NewClient(rejecting.URL)

	rec := httptest.NewRecorder()
	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	path, _ := redirectTarget(t, rec)
	assert.Equal(t, "/login", path)
}

func TestCallbackDispatchDeclined(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	declining := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "already linked"})
	}))
	t.Cleanup(declining.Close)
	f.handlers.platform = connector.NewClient(declining.URL)

	rec := httptest.NewRecorder()
	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "declined", q.Get("error"))
	assert.Contains(t, q.Get("message"), "already linked")
}

func TestCallbackSignedStateRoundTrip(t *testing.T) {
	f := newCallbackFixture(t, withSigningKey("state-signing-key-for-tests-32ch"))
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	stateParam, err := f.handlers.encodeState(state.Envelope{Scope: state.ScopeOrganization, OrgID: "org-9"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc&state="+url.QueryEscape(stateParam), true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "true", q.Get("success"))
	assert.Equal(t, "org-9", q.Get("orgId"))
}

func TestCallbackSignedStateTamperIsTerminal(t *testing.T) {
	f := newCallbackFixture(t, withSigningKey("state-signing-key-for-tests-32ch"))
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	rec := httptest.NewRecorder()
	f.handlers.CallbackHandler(rec, callbackRequest("/oauth/callback?code=abc&state=forged-state", true))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "invalid_state", q.Get("error"))
	assert.Zero(t, f.tokenCalls)
	assert.Zero(t, f.accountsCalls)
}

func TestConnectRedirectsToAuthorization(t *testing.T) {
	f := newCallbackFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/oauth/connect?scope=organization&orgId=org-3", nil)
	r.Host = "connect.example.com"
	rec := httptest.NewRecorder()

	f.handlers.ConnectHandler(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	q := loc.Query()
	assert.Equal(t, "gh-client", q.Get("client_id"))
	assert.Equal(t, "http://connect.example.com/oauth/callback", q.Get("redirect_uri"))

	env := state.Decode(q.Get("state"))
	assert.Equal(t, state.ScopeOrganization, env.Scope)
	assert.Equal(t, "org-3", env.OrgID)
}

func TestConnectWithoutCredentialsRedirectsToSettings(t *testing.T) {
	f := newCallbackFixture(t, withoutGitHubCredentials())

	rec := httptest.NewRecorder()
	f.handlers.ConnectHandler(rec, httptest.NewRequest(http.MethodGet, "/oauth/connect", nil))

	_, q := redirectTarget(t, rec)
	assert.Equal(t, "configuration_error", q.Get("error"))
}

func TestDisconnectRemovesConnection(t *testing.T) {
	f := newCallbackFixture(t)
	f.seedSession(t, storage.Credential{AccessToken: "platform-access"})

	body := `{"scope":"user"}`
	r := httptest.NewRequest(http.MethodPost, "/oauth/disconnect", strings.NewReader(body))
	r.AddCookie(&http.Cookie{Name: "helix_session", Value: "sess-token"})
	rec := httptest.NewRecorder()

	f.handlers.DisconnectHandler(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/internal/v1/connections/user", f.lastAccountsPath)
}

func TestDisconnectWithoutSessionIsUnauthorized(t *testing.T) {
	f := newCallbackFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/oauth/disconnect", strings.NewReader(`{"scope":"user"}`))
	rec := httptest.NewRecorder()

	f.handlers.DisconnectHandler(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.accountsCalls)
}

func TestDisconnectRejectsGet(t *testing.T) {
	f := newCallbackFixture(t)

	rec := httptest.NewRecorder()
	f.handlers.DisconnectHandler(rec, httptest.NewRequest(http.MethodGet, "/oauth/disconnect", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
