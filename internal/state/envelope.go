package state

import (
	"encoding/base64"
	"encoding/json"
)

// Scope identifies which kind of platform account a connection binds to.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeOrganization Scope = "organization"
)

// Envelope is the context round-tripped through the provider's redirect
// as the OAuth state parameter: which account scope initiated the flow
// and, for organizations, which one.
type Envelope struct {
	Scope Scope  `json:"type"`
	OrgID string `json:"orgId,omitempty"`
}

// DefaultEnvelope is the fallback when state is absent or unreadable:
// a user-scoped connection with no organization.
func DefaultEnvelope() Envelope {
	return Envelope{Scope: ScopeUser}
}

// Encode serializes an envelope as base64(JSON). Inverse of Decode for
// every valid envelope.
func Encode(e Envelope) string {
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope has no unmarshalable fields; this cannot happen.
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Decode parses a raw state parameter. It is total: malformed base64,
// malformed JSON, or a missing/unknown scope all yield DefaultEnvelope.
func Decode(raw string) Envelope {
	if raw == "" {
		return DefaultEnvelope()
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some encoders emit the URL-safe alphabet; accept both.
		data, err = base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return DefaultEnvelope()
		}
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return DefaultEnvelope()
	}

	switch e.Scope {
	case ScopeUser, ScopeOrganization:
		return e
	default:
		return DefaultEnvelope()
	}
}
