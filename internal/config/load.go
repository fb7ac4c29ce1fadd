package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Defaults applied by Load when the config file omits optional fields
const (
	DefaultSettingsPath    = "/settings/connections"
	DefaultLoginPath       = "/login"
	defaultSessionTTL      = "720h" // 30 days, matches platform login sessions
	defaultCleanupInterval = "1h"
)

// Load reads, resolves, and validates the config file.
// Env var references are resolved during unmarshal via the Secret type.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Server.SettingsPath == "" {
		config.Server.SettingsPath = DefaultSettingsPath
	}
	if config.Server.LoginPath == "" {
		config.Server.LoginPath = DefaultLoginPath
	}
	if config.Session.TTL == 0 {
		_ = json.Unmarshal([]byte(`"`+defaultSessionTTL+`"`), &config.Session.TTL)
	}
	if config.Session.CleanupInterval == 0 {
		_ = json.Unmarshal([]byte(`"`+defaultCleanupInterval+`"`), &config.Session.CleanupInterval)
	}
	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageMemory
	}
}

// validateRawConfig enforces that secrets use env var references before
// any resolution happens, so a misconfigured file fails fast with a
// pointed message instead of leaking a literal secret into the process.
func validateRawConfig(rawConfig map[string]any) error {
	secrets := []string{"stateSigningKey", "encryptionKey"}
	for _, name := range secrets {
		if value, exists := rawConfig[name]; exists {
			if err := requireEnvRef(name, value); err != nil {
				return err
			}
		}
	}

	if github, ok := rawConfig["github"].(map[string]any); ok {
		if value, exists := github["clientSecret"]; exists {
			if err := requireEnvRef("github.clientSecret", value); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireEnvRef(name string, value any) error {
	if _, isString := value.(string); isString {
		return fmt.Errorf("%s must use environment variable reference for security", name)
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(config.Server.SettingsPath, "/") {
		return fmt.Errorf("server.settingsPath must be a same-origin path starting with /")
	}
	if !strings.HasPrefix(config.Server.LoginPath, "/") {
		return fmt.Errorf("server.loginPath must be a same-origin path starting with /")
	}

	if config.Platform.TokenURL == "" {
		return fmt.Errorf("platform.tokenUrl is required")
	}
	if config.Platform.AccountsURL == "" {
		return fmt.Errorf("platform.accountsUrl is required")
	}

	if config.StateSigningKey != "" && len(config.StateSigningKey) < 32 {
		return fmt.Errorf("stateSigningKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(config.StateSigningKey))
	}

	switch config.Storage.Kind {
	case StorageMemory:
	case StorageFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when using firestore storage")
		}
		if len(config.EncryptionKey) != 32 {
			return fmt.Errorf("encryptionKey must be exactly 32 characters when using firestore storage (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(config.EncryptionKey))
		}
	default:
		return fmt.Errorf("storage.kind must be memory or firestore, got %q", config.Storage.Kind)
	}

	// GitHub credentials are not required at startup. A missing client id
	// or secret surfaces per-request as a configuration_error redirect.
	return nil
}
