// Package outcome maps every way the callback pipeline can end onto a
// browser redirect. The mapping is total: every outcome has exactly one
// destination, and nothing sensitive ever rides in the URL.
package outcome

import (
	"net/url"
)

type Kind int

const (
	KindSuccess Kind = iota
	KindProviderError
	KindMissingCode
	KindConfigurationError
	KindInvalidState
	KindExchangeFailed
	KindIdentityFailed
	KindLoginRequired
	KindDeclined
	KindPersistFailed
)

// code is the stable machine-readable error identifier carried in the
// redirect. The settings page switches on it; Message is display text.
func (k Kind) code() string {
	switch k {
	case KindProviderError:
		return "provider_error"
	case KindMissingCode:
		return "missing_code"
	case KindConfigurationError:
		return "configuration_error"
	case KindInvalidState:
		return "invalid_state"
	case KindExchangeFailed:
		return "exchange_failed"
	case KindIdentityFailed:
		return "identity_failed"
	case KindDeclined:
		return "declined"
	case KindPersistFailed:
		return "persist_failed"
	default:
		return "internal_error"
	}
}

// Outcome is the terminal result of one callback request. Message is
// the user-facing text for error outcomes; Continuation is the path to
// resume after login for KindLoginRequired. Code overrides the Kind's
// error identifier for provider-reported errors, where the provider's
// own code is forwarded verbatim.
type Outcome struct {
	Kind         Kind
	Code         string
	Message      string
	Continuation string
	Username     string
	OrgID        string
}

func Success(username, orgID string) Outcome {
	return Outcome{Kind: KindSuccess, Username: username, OrgID: orgID}
}

// ProviderError covers the provider redirecting back with an error
// parameter: the user declined, or the provider rejected the request
// before issuing a code. The provider's code rides in the redirect
// unchanged so the settings page sees exactly what the provider said.
func ProviderError(code string) Outcome {
	msg := "The provider reported an error during authorization"
	switch code {
	case "access_denied":
		msg = "Authorization was cancelled"
	case "server_error", "temporarily_unavailable":
		msg = "The provider is temporarily unavailable, please try again"
	}
	return Outcome{Kind: KindProviderError, Code: code, Message: msg}
}

func MissingCode() Outcome {
	return Outcome{Kind: KindMissingCode, Message: "The provider response was missing an authorization code"}
}

func ConfigurationError() Outcome {
	return Outcome{Kind: KindConfigurationError, Message: "GitHub integration is not configured"}
}

func InvalidState() Outcome {
	return Outcome{Kind: KindInvalidState, Message: "The request could not be verified, please try connecting again"}
}

func ExchangeFailed(message string) Outcome {
	return Outcome{Kind: KindExchangeFailed, Message: message}
}

func IdentityFailed() Outcome {
	return Outcome{Kind: KindIdentityFailed, Message: "Could not read your account details from the provider"}
}

// LoginRequired sends the user to log in and come back. continuation
// must be a relative path; anything else is dropped so the login
// redirect can never leave the site.
func LoginRequired(continuation string) Outcome {
	if continuation == "" || continuation[0] != '/' {
		continuation = ""
	}
	return Outcome{Kind: KindLoginRequired, Continuation: continuation}
}

func Declined(message string) Outcome {
	if message == "" {
		message = "The connection was declined"
	}
	return Outcome{Kind: KindDeclined, Message: message}
}

func PersistFailed(message string) Outcome {
	if message == "" {
		message = "Something went wrong saving the connection, please try again"
	}
	return Outcome{Kind: KindPersistFailed, Message: message}
}

// RedirectURL renders the outcome as a redirect destination.
// settingsPath receives success and error results, loginPath receives
// KindLoginRequired with an optional redirect continuation.
func (o Outcome) RedirectURL(settingsPath, loginPath string) string {
	switch o.Kind {
	case KindSuccess:
		v := url.Values{}
		v.Set("success", "true")
		v.Set("username", o.Username)
		if o.OrgID != "" {
			v.Set("orgId", o.OrgID)
		}
		return settingsPath + "?" + v.Encode()
	case KindLoginRequired:
		if o.Continuation == "" {
			return loginPath
		}
		return loginPath + "?redirect=" + url.QueryEscape(o.Continuation)
	default:
		code := o.Code
		if code == "" {
			code = o.Kind.code()
		}
		v := url.Values{}
		v.Set("error", code)
		if o.Message != "" {
			v.Set("message", o.Message)
		}
		return settingsPath + "?" + v.Encode()
	}
}
