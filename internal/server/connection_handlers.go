package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/helixops/connectd/internal/config"
	"github.com/helixops/connectd/internal/connector"
	"github.com/helixops/connectd/internal/crypto"
	"github.com/helixops/connectd/internal/githubauth"
	jsonwriter "github.com/helixops/connectd/internal/json"
	"github.com/helixops/connectd/internal/log"
	"github.com/helixops/connectd/internal/outcome"
	"github.com/helixops/connectd/internal/session"
	"github.com/helixops/connectd/internal/state"
	"golang.org/x/oauth2"
)

const CallbackPath = "/oauth/callback"

// ConnectionHandlers implements the GitHub account linking flow:
// sending the browser to GitHub, receiving the callback, and removing
// an existing connection.
type ConnectionHandlers struct {
	cfg      *config.Config
	github   *githubauth.Client
	sessions *session.Manager
	platform *connector.Client
	signer   *crypto.TokenSigner // nil when state signing is not configured
}

func NewConnectionHandlers(cfg *config.Config, github *githubauth.Client, sessions *session.Manager, platform *connector.Client, signer *crypto.TokenSigner) *ConnectionHandlers {
	return &ConnectionHandlers{
		cfg:      cfg,
		github:   github,
		sessions: sessions,
		platform: platform,
		signer:   signer,
	}
}

// signedState wraps the envelope with a nonce so two connect clicks
// never produce the same state parameter.
type signedState struct {
	Envelope state.Envelope `json:"envelope"`
	Nonce    string         `json:"nonce"`
}

// ConnectHandler sends the browser to GitHub's authorization page with
// the link scope encoded in the state parameter.
func (h *ConnectionHandlers) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	if !h.github.Configured() {
		h.redirect(w, r, outcome.ConfigurationError())
		return
	}

	env := state.DefaultEnvelope()
	if r.URL.Query().Get("scope") == string(state.ScopeOrganization) {
		env.Scope = state.ScopeOrganization
		env.OrgID = r.URL.Query().Get("orgId")
	}

	stateParam, err := h.encodeState(env)
	if err != nil {
		log.LogError("Failed to encode state parameter: %v", err)
		h.redirect(w, r, outcome.InvalidState())
		return
	}

	conf := h.oauthConfig(requestBaseURL(r))
	http.Redirect(w, r, conf.AuthCodeURL(stateParam), http.StatusFound)
}

// CallbackHandler receives GitHub's redirect and drives the whole
// linking pipeline. Every exit is a redirect; the handler never renders
// a page of its own.
func (h *ConnectionHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	// Provider-reported errors come before anything else: no code was
	// issued, so nothing upstream should be called.
	if errCode := query.Get("error"); errCode != "" {
		log.LogInfoWithFields("callback", "Provider returned error", map[string]any{
			"error": errCode,
		})
		h.redirect(w, r, outcome.ProviderError(errCode))
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirect(w, r, outcome.MissingCode())
		return
	}

	if !h.github.Configured() {
		log.LogError("GitHub callback received but client credentials are not configured")
		h.redirect(w, r, outcome.ConfigurationError())
		return
	}

	env, ok := h.decodeState(query.Get("state"))
	if !ok {
		h.redirect(w, r, outcome.InvalidState())
		return
	}

	sess, err := h.sessions.Load(ctx, r)
	if err != nil {
		log.LogError("Failed to load session: %v", err)
		h.redirect(w, r, outcome.PersistFailed(""))
		return
	}

	cred, err := h.sessions.EnsureFresh(ctx, w, sess)
	if err != nil {
		if errors.Is(err, session.ErrNoCredential) {
			// Continuation reproduces this callback so the flow can
			// resume after login without a second trip to GitHub.
			h.redirect(w, r, outcome.LoginRequired(r.URL.RequestURI()))
			return
		}
		log.LogError("Failed to prepare session credential: %v", err)
		h.redirect(w, r, outcome.PersistFailed(""))
		return
	}

	exchange, exchErr := h.github.Exchange(ctx, code, requestBaseURL(r)+CallbackPath)
	if exchErr != nil {
		log.LogWarnWithFields("callback", "Authorization code exchange failed", map[string]any{
			"reason":        int(exchErr.Reason),
			"provider_code": exchErr.ProviderCode,
		})
		h.redirect(w, r, outcome.ExchangeFailed(exchErr.Message))
		return
	}

	identity, err := h.github.FetchIdentity(ctx, exchange.AccessToken)
	if err != nil {
		log.LogError("Failed to fetch upstream identity: %v", err)
		h.redirect(w, r, outcome.IdentityFailed())
		return
	}

	if dispatchErr := h.platform.Dispatch(ctx, env, exchange, identity, cred); dispatchErr != nil {
		h.redirect(w, r, h.classifyDispatch(dispatchErr))
		return
	}

	orgID := ""
	if env.Scope == state.ScopeOrganization {
		orgID = env.OrgID
	}
	log.LogInfoWithFields("callback", "GitHub account linked", map[string]any{
		"username": identity.Login,
		"scope":    string(env.Scope),
		"org":      orgID,
	})
	h.redirect(w, r, outcome.Success(identity.Login, orgID))
}

// DisconnectHandler removes an existing connection. Unlike the
// callback this is an API endpoint, so failures are JSON responses
// rather than redirects.
func (h *ConnectionHandlers) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w)
		return
	}
	ctx := r.Context()

	var req struct {
		Scope string `json:"scope"`
		OrgID string `json:"orgId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}

	env := state.DefaultEnvelope()
	if req.Scope == string(state.ScopeOrganization) {
		env.Scope = state.ScopeOrganization
		env.OrgID = req.OrgID
	}

	sess, err := h.sessions.Load(ctx, r)
	if err != nil {
		log.LogError("Failed to load session: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal error")
		return
	}

	cred, err := h.sessions.EnsureFresh(ctx, w, sess)
	if err != nil {
		jsonwriter.WriteUnauthorized(w, "Authentication required")
		return
	}

	if dispatchErr := h.platform.Unlink(ctx, env, cred); dispatchErr != nil {
		log.LogWarnWithFields("disconnect", "Unlink failed", map[string]any{
			"class": dispatchErr.Class.String(),
			"error": dispatchErr.Message,
		})
		switch dispatchErr.Class {
		case connector.FailureUnauthenticated:
			jsonwriter.WriteUnauthorized(w, "Authentication required")
		case connector.FailureDeclined:
			jsonwriter.WriteBadRequest(w, dispatchErr.Message)
		default:
			jsonwriter.WriteInternalServerError(w, "Could not remove connection")
		}
		return
	}

	jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{"success": true})
}

// encodeState renders the envelope for the state parameter, signed
// when a signing key is configured.
func (h *ConnectionHandlers) encodeState(env state.Envelope) (string, error) {
	if h.signer == nil {
		return state.Encode(env), nil
	}
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", err
	}
	return h.signer.Sign(signedState{Envelope: env, Nonce: nonce})
}

// decodeState recovers the envelope from the callback's state
// parameter. Without a signing key decoding is total: malformed input
// falls back to a user-scope envelope. With a signing key a bad
// signature is a hard failure.
func (h *ConnectionHandlers) decodeState(raw string) (state.Envelope, bool) {
	if h.signer == nil {
		return state.Decode(raw), true
	}
	var signed signedState
	if err := h.signer.Verify(raw, &signed); err != nil {
		log.LogWarnWithFields("callback", "State verification failed", map[string]any{
			"error": err.Error(),
		})
		return state.Envelope{}, false
	}
	if signed.Envelope.Scope != state.ScopeUser && signed.Envelope.Scope != state.ScopeOrganization {
		signed.Envelope = state.DefaultEnvelope()
	}
	return signed.Envelope, true
}

func (h *ConnectionHandlers) classifyDispatch(err *connector.DispatchError) outcome.Outcome {
	log.LogWarnWithFields("callback", "Connection dispatch failed", map[string]any{
		"class": err.Class.String(),
		"error": err.Message,
	})
	switch err.Class {
	case connector.FailureUnauthenticated:
		return outcome.LoginRequired(h.cfg.Server.SettingsPath)
	case connector.FailureDeclined:
		return outcome.Declined(err.Message)
	default:
		return outcome.PersistFailed(err.Message)
	}
}

func (h *ConnectionHandlers) redirect(w http.ResponseWriter, r *http.Request, o outcome.Outcome) {
	http.Redirect(w, r, o.RedirectURL(h.cfg.Server.SettingsPath, h.cfg.Server.LoginPath), http.StatusFound)
}

func (h *ConnectionHandlers) oauthConfig(baseURL string) *oauth2.Config {
	scopes := h.cfg.GitHub.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user"}
	}
	return &oauth2.Config{
		ClientID: string(h.cfg.GitHub.ClientID),
		Scopes:   scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  h.github.AuthorizationURL(),
			TokenURL: h.github.TokenURL(),
		},
		RedirectURL: baseURL + CallbackPath,
	}
}
