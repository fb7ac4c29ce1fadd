package githubauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helixops/connectd/internal/config"
	"github.com/helixops/connectd/internal/log"
)

// Default GitHub endpoints; overridable via config for tests and GHE.
const (
	DefaultAuthorizationURL = "https://github.com/login/oauth/authorize"
	DefaultTokenURL         = "https://github.com/login/oauth/access_token"
	DefaultUserURL          = "https://api.github.com/user"

	exchangeTimeout = 10 * time.Second
)

// ExchangeReason classifies why a code exchange failed. A provider-reported
// error, an empty token in an otherwise well-formed response, and a
// transport failure are distinct conditions with distinct diagnostics.
type ExchangeReason int

const (
	ReasonNetwork ExchangeReason = iota
	ReasonProvider
	ReasonEmptyToken
)

// ExchangeError is the classified failure of a token exchange
type ExchangeError struct {
	Reason       ExchangeReason
	ProviderCode string // provider's error field, when Reason is ReasonProvider
	Message      string // user-readable, never contains token material
}

func (e *ExchangeError) Error() string {
	return e.Message
}

// ExchangeResult is the provider token obtained for an authorization code.
// It lives for the duration of one callback request and is never persisted
// or logged in full by this service.
type ExchangeResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// Client talks to the GitHub OAuth and API endpoints
type Client struct {
	cfg        config.GitHubConfig
	httpClient *http.Client
}

// NewClient creates a GitHub client from config, filling in default
// endpoint URLs where the config leaves them empty.
func NewClient(cfg config.GitHubConfig) *Client {
	if cfg.AuthorizationURL == "" {
		cfg.AuthorizationURL = DefaultAuthorizationURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = DefaultUserURL
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: exchangeTimeout},
	}
}

// AuthorizationURL returns the configured provider authorize endpoint
func (c *Client) AuthorizationURL() string {
	return c.cfg.AuthorizationURL
}

// TokenURL returns the resolved token endpoint.
func (c *Client) TokenURL() string {
	return c.cfg.TokenURL
}

// Configured reports whether the OAuth app credentials are present.
// Checked before any network call so a missing deployment secret maps to
// a fixed configuration error instead of a confusing provider rejection.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// tokenResponse is the provider's token endpoint body. GitHub reports
// errors in this same shape, with HTTP 200.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades an authorization code for an access token.
// Authorization codes are single-use; the request is never retried.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*ExchangeResult, *ExchangeError) {
	form := url.Values{}
	form.Set("client_id", string(c.cfg.ClientID))
	form.Set("client_secret", string(c.cfg.ClientSecret))
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ExchangeError{Reason: ReasonNetwork, Message: "failed to build token request"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.LogErrorWithFields("githubauth", "Token exchange request failed", map[string]any{
			"error": err.Error(),
		})
		return nil, &ExchangeError{Reason: ReasonNetwork, Message: "could not reach the provider token endpoint"}
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.LogErrorWithFields("githubauth", "Token exchange response unreadable", map[string]any{
			"status": resp.StatusCode,
			"error":  err.Error(),
		})
		return nil, &ExchangeError{Reason: ReasonNetwork, Message: "provider token response was unreadable"}
	}

	// GitHub returns errors with a 200 status; the error field is the
	// only reliable signal.
	if body.Error != "" {
		return nil, classifyProviderError(body.Error, body.ErrorDescription)
	}

	if body.AccessToken == "" {
		log.LogErrorWithFields("githubauth", "Token exchange returned empty access token", map[string]any{
			"status": resp.StatusCode,
		})
		return nil, &ExchangeError{Reason: ReasonEmptyToken, Message: "provider returned no access token"}
	}

	return &ExchangeResult{
		AccessToken: body.AccessToken,
		TokenType:   body.TokenType,
		Scope:       body.Scope,
	}, nil
}

// classifyProviderError rewrites known provider error codes to actionable
// messages; unrecognized codes pass through with the provider description.
func classifyProviderError(code, description string) *ExchangeError {
	e := &ExchangeError{Reason: ReasonProvider, ProviderCode: code}
	switch code {
	case "bad_verification_code":
		e.Message = "The verification code expired or was already used. Start the connection again."
	case "redirect_uri_mismatch":
		e.Message = "The callback address did not match the one registered with the provider. Check the OAuth app configuration."
	default:
		if description != "" {
			e.Message = fmt.Sprintf("Provider rejected the exchange: %s (%s)", code, description)
		} else {
			e.Message = fmt.Sprintf("Provider rejected the exchange: %s", code)
		}
	}
	return e
}
