package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON resolves a plain string or a {"$env": "VAR"} reference
func (s *Secret) UnmarshalJSON(data []byte) error {
	value, err := resolveValue(data)
	if err != nil {
		return err
	}
	*s = Secret(value)
	return nil
}

// Duration wraps time.Duration to accept "30m"-style JSON strings
type Duration time.Duration

// UnmarshalJSON parses a duration string like "24h" or "90s"
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StorageKind selects the session store backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
)

// ServerConfig holds the HTTP surface addressing
type ServerConfig struct {
	BaseURL      string `json:"baseURL"`
	Addr         string `json:"addr"`
	SettingsPath string `json:"settingsPath"` // same-origin path for success/error redirects
	LoginPath    string `json:"loginPath"`    // same-origin path for login redirects
}

// GitHubConfig holds the OAuth app credentials and provider endpoints.
// The endpoint URLs default to github.com and exist so tests and GHE
// deployments can point elsewhere.
type GitHubConfig struct {
	ClientID         Secret   `json:"clientId"`
	ClientSecret     Secret   `json:"clientSecret"`
	Scopes           []string `json:"scopes,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty"`
	TokenURL         string   `json:"tokenUrl,omitempty"`
	UserURL          string   `json:"userUrl,omitempty"`
}

// PlatformConfig holds the platform-internal endpoints the callback
// pipeline talks to: the platform's own token endpoint (refresh grant)
// and the accounts service that persists connection records.
type PlatformConfig struct {
	TokenURL     string `json:"tokenUrl"`
	AccountsURL  string `json:"accountsUrl"`
	AuthDisabled bool   `json:"authDisabled,omitempty"` // development mode only
}

// SessionConfig controls session lifetime and store cleanup
type SessionConfig struct {
	CookieName      string   `json:"cookieName,omitempty"`
	TTL             Duration `json:"ttl,omitempty"`
	CleanupInterval Duration `json:"cleanupInterval,omitempty"`
}

// StorageConfig selects and parameterizes the session store backend
type StorageConfig struct {
	Kind       StorageKind `json:"kind,omitempty"`
	GCPProject string      `json:"gcpProject,omitempty"`
	Database   string      `json:"database,omitempty"`
	Collection string      `json:"collection,omitempty"`
}

// Config is the resolved connectd configuration
type Config struct {
	Server          ServerConfig   `json:"server"`
	GitHub          GitHubConfig   `json:"github"`
	Platform        PlatformConfig `json:"platform"`
	Session         SessionConfig  `json:"session"`
	Storage         StorageConfig  `json:"storage"`
	StateSigningKey Secret         `json:"stateSigningKey,omitempty"`
	EncryptionKey   Secret         `json:"encryptionKey,omitempty"`
}

// resolveValue resolves a JSON value that is either a plain string or an
// {"$env": "VAR_NAME"} reference. The explicit reference object keeps
// secrets out of config files and avoids accidental shell expansion of
// $VAR-style placeholders.
func resolveValue(data []byte) (string, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	return value, nil
}
