package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/helixops/connectd/internal/githubauth"
	"github.com/helixops/connectd/internal/state"
	"github.com/helixops/connectd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newAccountsServer(t *testing.T, status int, response map[string]any) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		requests = append(requests, rec)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(ts.Close)
	return ts, &requests
}

func testExchange() *githubauth.ExchangeResult {
	return &githubauth.ExchangeResult{AccessToken: "gho_upstream", TokenType: "bearer", Scope: "read:user"}
}

func testIdentity() *githubauth.Identity {
	return &githubauth.Identity{Login: "octocat"}
}

func testCred() *storage.Credential {
	return &storage.Credential{AccessToken: "platform-access"}
}

func TestDispatchUserScope(t *testing.T) {
	ts, requests := newAccountsServer(t, http.StatusOK, map[string]any{"success": true})
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.Nil(t, err)
	require.Len(t, *requests, 1)
	got := (*requests)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/internal/v1/connections/user", got.path)
	assert.Equal(t, "Bearer platform-access", got.auth)
	assert.Equal(t, "gho_upstream", got.body["accessToken"])
	assert.Equal(t, "octocat", got.body["username"])
	assert.NotContains(t, got.body, "organizationId")
}

func TestDispatchOrganizationScope(t *testing.T) {
	ts, requests := newAccountsServer(t, http.StatusOK, map[string]any{"success": true})
	client := NewClient(ts.URL)
	env := state.Envelope{Scope: state.ScopeOrganization, OrgID: "org-99"}

	err := client.Dispatch(context.Background(), env, testExchange(), testIdentity(), testCred())

	require.Nil(t, err)
	require.Len(t, *requests, 1)
	got := (*requests)[0]
	assert.Equal(t, "/internal/v1/connections/organization", got.path)
	assert.Equal(t, "org-99", got.body["organizationId"])
}

func TestDispatchOrganizationWithoutIDDowngradesToUser(t *testing.T) {
	ts, requests := newAccountsServer(t, http.StatusOK, map[string]any{"success": true})
	client := NewClient(ts.URL)
	env := state.Envelope{Scope: state.ScopeOrganization}

	err := client.Dispatch(context.Background(), env, testExchange(), testIdentity(), testCred())

	require.Nil(t, err)
	require.Len(t, *requests, 1)
	got := (*requests)[0]
	assert.Equal(t, "/internal/v1/connections/user", got.path)
	assert.NotContains(t, got.body, "organizationId")
}

func TestDispatchDeclined(t *testing.T) {
	ts, _ := newAccountsServer(t, http.StatusOK, map[string]any{"success": false, "error": "organization plan does not allow connections"})
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.NotNil(t, err)
	assert.Equal(t, FailureDeclined, err.Class)
	assert.Contains(t, err.Message, "plan does not allow")
}

func TestDispatchUnauthenticatedStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		ts, _ := newAccountsServer(t, status, map[string]any{})
		client := NewClient(ts.URL)

		err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

		require.NotNil(t, err)
		assert.Equal(t, FailureUnauthenticated, err.Class)
	}
}

func TestDispatchUnauthenticatedMarkerInBody(t *testing.T) {
	ts, _ := newAccountsServer(t, http.StatusOK, map[string]any{"success": false, "error": "request unauthenticated: token expired"})
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.NotNil(t, err)
	assert.Equal(t, FailureUnauthenticated, err.Class)
}

func TestDispatchServerError(t *testing.T) {
	ts, _ := newAccountsServer(t, http.StatusBadGateway, map[string]any{})
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.NotNil(t, err)
	assert.Equal(t, FailureUnavailable, err.Class)
}

func TestDispatchUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.NotNil(t, err)
	assert.Equal(t, FailureUnavailable, err.Class)
}

func TestDispatchMalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(ts.Close)
	client := NewClient(ts.URL)

	err := client.Dispatch(context.Background(), state.Envelope{Scope: state.ScopeUser}, testExchange(), testIdentity(), testCred())

	require.NotNil(t, err)
	assert.Equal(t, FailureInternal, err.Class)
}

func TestUnlinkRoutesByScope(t *testing.T) {
	ts, requests := newAccountsServer(t, http.StatusOK, map[string]any{"success": true})
	client := NewClient(ts.URL)

	err := client.Unlink(context.Background(), state.Envelope{Scope: state.ScopeOrganization, OrgID: "org-7"}, testCred())
	require.Nil(t, err)

	err = client.Unlink(context.Background(), state.Envelope{Scope: state.ScopeUser}, testCred())
	require.Nil(t, err)

	require.Len(t, *requests, 2)
	assert.Equal(t, http.MethodDelete, (*requests)[0].method)
	assert.Equal(t, "/internal/v1/connections/organization", (*requests)[0].path)
	assert.Equal(t, "organizationId=org-7", (*requests)[0].query)
	assert.Equal(t, "/internal/v1/connections/user", (*requests)[1].path)
}
