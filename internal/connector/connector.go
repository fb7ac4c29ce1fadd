package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helixops/connectd/internal/githubauth"
	"github.com/helixops/connectd/internal/log"
	"github.com/helixops/connectd/internal/state"
	"github.com/helixops/connectd/internal/storage"
	"github.com/helixops/connectd/internal/urlutil"
)

// FailureClass partitions dispatch failures so the caller never has to
// inspect error strings to decide between a login redirect and an
// error banner.
type FailureClass int

const (
	// FailureUnauthenticated means the platform rejected the session
	// credential. The user needs to log in again.
	FailureUnauthenticated FailureClass = iota

	// FailureDeclined means the platform processed the request and
	// refused it (policy, plan limits, duplicate link).
	FailureDeclined

	// FailureUnavailable means the platform could not be reached or
	// answered with a server error.
	FailureUnavailable

	// FailureInternal covers everything else: malformed responses,
	// encoding failures on our side.
	FailureInternal
)

func (c FailureClass) String() string {
	switch c {
	case FailureUnauthenticated:
		return "unauthenticated"
	case FailureDeclined:
		return "declined"
	case FailureUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// DispatchError carries the failure class alongside a message safe to
// log. It never contains tokens.
type DispatchError struct {
	Class   FailureClass
	Message string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("connection dispatch %s: %s", e.Class, e.Message)
}

const dispatchTimeout = 10 * time.Second

// Client talks to the platform's internal connection endpoints.
type Client struct {
	accountsURL string
	httpClient  *http.Client
}

func NewClient(accountsURL string) *Client {
	return &Client{
		accountsURL: accountsURL,
		httpClient:  &http.Client{Timeout: dispatchTimeout},
	}
}

type linkRequest struct {
	AccessToken    string `json:"accessToken"`
	Username       string `json:"username"`
	Scope          string `json:"scope,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

type linkResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// connectionPath picks exactly one of the user or organization
// endpoints. An organization envelope without an organization ID is
// treated as a user link: a half-specified org request must not create
// an org-level connection by accident.
func connectionPath(env state.Envelope) (string, state.Scope) {
	if env.Scope == state.ScopeOrganization && env.OrgID != "" {
		return "/internal/v1/connections/organization", state.ScopeOrganization
	}
	return "/internal/v1/connections/user", state.ScopeUser
}

// Dispatch records a newly linked upstream account with the platform,
// routed by the envelope's scope.
func (c *Client) Dispatch(ctx context.Context, env state.Envelope, exchange *githubauth.ExchangeResult, identity *githubauth.Identity, cred *storage.Credential) *DispatchError {
	if env.Scope == state.ScopeOrganization && env.OrgID == "" {
		log.LogWarnWithFields("connector", "Organization envelope without organization id, downgrading to user link", map[string]any{
			"username": identity.Login,
		})
	}
	path, scope := connectionPath(env)

	body := &linkRequest{
		AccessToken: exchange.AccessToken,
		Username:    identity.Login,
		Scope:       exchange.Scope,
	}
	if scope == state.ScopeOrganization {
		body.OrganizationID = env.OrgID
	}

	return c.do(ctx, http.MethodPost, path, body, cred)
}

// Unlink removes an existing connection, routed the same way as
// Dispatch. The platform identifies the owner from the credential.
func (c *Client) Unlink(ctx context.Context, env state.Envelope, cred *storage.Credential) *DispatchError {
	path, scope := connectionPath(env)
	if scope == state.ScopeOrganization {
		path += "?organizationId=" + url.QueryEscape(env.OrgID)
	}
	return c.do(ctx, http.MethodDelete, path, nil, cred)
}

func (c *Client) do(ctx context.Context, method, path string, body *linkRequest, cred *storage.Credential) *DispatchError {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &DispatchError{Class: FailureInternal, Message: fmt.Sprintf("encoding request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	endpoint, query, _ := strings.Cut(path, "?")
	target, err := urlutil.JoinPath(c.accountsURL, endpoint)
	if err != nil {
		return &DispatchError{Class: FailureInternal, Message: fmt.Sprintf("building request url: %v", err)}
	}
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &DispatchError{Class: FailureInternal, Message: fmt.Sprintf("building request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DispatchError{Class: FailureUnavailable, Message: "platform unreachable"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &DispatchError{Class: FailureUnauthenticated, Message: fmt.Sprintf("platform rejected credential: status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &DispatchError{Class: FailureUnavailable, Message: fmt.Sprintf("platform error: status %d", resp.StatusCode)}
	}

	var result linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &DispatchError{Class: FailureInternal, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	if !result.Success {
		if isUnauthenticatedMarker(result.Error) {
			return &DispatchError{Class: FailureUnauthenticated, Message: result.Error}
		}
		msg := result.Error
		if msg == "" {
			msg = "request declined"
		}
		return &DispatchError{Class: FailureDeclined, Message: msg}
	}
	return nil
}

func isUnauthenticatedMarker(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "invalid token")
}
