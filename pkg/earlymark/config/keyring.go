// Package config – keyring.go resolves the model API key from the operating
// system keyring, the environment, or the config file, in that order.
package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "earlymark"
	keyringAPIKey  = "api_key"

	// GenericKeyEnv is checked after the provider's own variable.
	GenericKeyEnv = "EARLYMARK_API_KEY"
)

// StoreAPIKey saves the model API key in the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteAPIKey removes the model API key from the OS keyring.
func DeleteAPIKey() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// ProviderKeyEnv is the provider-specific API key variable.
func ProviderKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveAPIKey fills cfg.Model.APIKey using keyring → provider env var →
// EARLYMARK_API_KEY → config value, and reports where it came from. The
// embedding provider inherits the key when it shares the model provider
// and has none of its own.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) string {
	source := resolveModelKey(cfg)
	if logger != nil {
		logger.Debug("model API key resolved", "source", source)
	}

	if cfg.Memory.APIKey == "" || IsEnvReference(cfg.Memory.APIKey) {
		if strings.EqualFold(cfg.Memory.Provider, cfg.Model.Provider) {
			cfg.Memory.APIKey = cfg.Model.APIKey
		} else if v := os.Getenv(ProviderKeyEnv(cfg.Memory.Provider)); v != "" {
			cfg.Memory.APIKey = v
		}
	}
	return source
}

func resolveModelKey(cfg *Config) string {
	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		cfg.Model.APIKey = val
		return "keyring"
	}
	if v := os.Getenv(ProviderKeyEnv(cfg.Model.Provider)); v != "" {
		cfg.Model.APIKey = v
		return "env:" + ProviderKeyEnv(cfg.Model.Provider)
	}
	if v := os.Getenv(GenericKeyEnv); v != "" {
		cfg.Model.APIKey = v
		return "env:" + GenericKeyEnv
	}
	if cfg.Model.APIKey != "" && !IsEnvReference(cfg.Model.APIKey) {
		return "config"
	}
	cfg.Model.APIKey = ""
	return "none"
}
