package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenSigner produces opaque HMAC-signed tokens carrying a JSON value,
// shaped as base64(payload) "." signature. Tokens are verified with the
// same key that signed them; a ttl of zero disables expiry.
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
}

func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
	}
}

type tokenPayload struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// Sign wraps v in a payload, stamps the expiry, and signs the result.
func (ts *TokenSigner) Sign(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling token value: %w", err)
	}

	payload := tokenPayload{Data: data}
	if ts.ttl > 0 {
		payload.ExpiresAt = time.Now().Add(ts.ttl)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling token payload: %w", err)
	}

	return base64.URLEncoding.EncodeToString(raw) + "." + SignData(string(raw), ts.signingKey), nil
}

// Verify checks the signature and expiry, then unmarshals the carried
// value into v. The signature is validated before the payload is parsed
// so unauthenticated input never reaches the JSON decoder.
func (ts *TokenSigner) Verify(token string, v any) error {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("malformed token")
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding token payload: %w", err)
	}

	if !ValidateSignedData(string(raw), signature, ts.signingKey) {
		return fmt.Errorf("signature mismatch")
	}

	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshaling token payload: %w", err)
	}

	if !payload.ExpiresAt.IsZero() && time.Now().After(payload.ExpiresAt) {
		return fmt.Errorf("token expired")
	}

	if err := json.Unmarshal(payload.Data, v); err != nil {
		return fmt.Errorf("unmarshaling token value: %w", err)
	}
	return nil
}
