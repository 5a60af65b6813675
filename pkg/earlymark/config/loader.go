// Package config – loader.go reads the YAML configuration file, loading
// .env files first and expanding environment references in the raw text.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// envFiles are loaded before the config is parsed. Existing environment
// variables are never overwritten.
var envFiles = []string{".env", ".env.local"}

// Load reads path, expands environment references and overlays the result
// on DefaultConfig. The returned config is validated.
func Load(path string) (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is non-empty, otherwise the first
// config file found in the standard locations, otherwise the defaults.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		for _, f := range envFiles {
			_ = godotenv.Load(f)
		}
		return DefaultConfig(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse expands environment references in data and decodes it over the
// defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// ExpandEnv replaces environment references in s. Unset variables expand
// to their default, or to "" when none is given. A ${VAR:?message}
// reference to an unset variable is an error.
func ExpandEnv(s string) (string, error) {
	var missing []error
	out := envRef.ReplaceAllStringFunc(s, func(match string) string {
		m := envRef.FindStringSubmatch(match)
		name, op, arg := m[1], m[2], m[3]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch op {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, arg))
		}
		return ""
	})
	if len(missing) > 0 {
		return "", errors.Join(missing...)
	}
	return out, nil
}

// FindConfigFile returns the first existing config file in the standard
// locations, or "".
func FindConfigFile() string {
	for _, p := range []string{"earlymark.yaml", "earlymark.yml", "config.yaml", "configs/earlymark.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "${")
}
