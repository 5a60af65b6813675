// Package config – config.go defines the earlymark configuration file and
// its defaults. Every section maps onto the Config type of the package
// that consumes it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/gateway"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/memory"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	// Name identifies this deployment in logs.
	Name string `yaml:"name"`

	Model     llm.ProviderConfig     `yaml:"model"`
	Agent     agent.Config           `yaml:"agent"`
	Context   assembler.Budget       `yaml:"context"`
	Memory    memory.EmbeddingConfig `yaml:"memory"`
	Tools     ToolsConfig            `yaml:"tools"`
	Triage    TriageConfig           `yaml:"triage"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Database  store.Config           `yaml:"database"`
	Gateway   gateway.Config         `yaml:"gateway"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// ToolsConfig configures the tool sandbox.
type ToolsConfig struct {
	// MaxParallel bounds concurrent non-committing tool calls (default: 4).
	MaxParallel int `yaml:"max_parallel" validate:"gte=0,lte=32"`
}

// TriageConfig configures lead triage.
type TriageConfig struct {
	// DefaultRadiusKm applies when a workspace has no service radius (default: 20).
	DefaultRadiusKm float64 `yaml:"default_radius_km" validate:"gte=0"`
}

// TelemetryConfig configures latency telemetry.
type TelemetryConfig struct {
	// WindowSize is the per-metric ring size (default: 500).
	WindowSize int `yaml:"window_size" validate:"gte=0"`

	// ReportSchedule is a cron spec for the periodic latency report.
	// Empty disables the report.
	ReportSchedule string `yaml:"report_schedule"`

	// Prometheus mirrors samples into a histogram served on /metrics.
	Prometheus bool `yaml:"prometheus"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "earlymark",
		Model: llm.ProviderConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Agent:   agent.DefaultConfig(),
		Context: assembler.DefaultBudget(),
		Memory:  memory.DefaultEmbeddingConfig(),
		Tools:   ToolsConfig{MaxParallel: tools.DefaultMaxParallel},
		Triage:  TriageConfig{DefaultRadiusKm: triage.DefaultRadiusKm},
		Telemetry: TelemetryConfig{
			WindowSize:     telemetry.DefaultWindowSize,
			ReportSchedule: "@every 15m",
			Prometheus:     true,
		},
		Database: store.DefaultConfig(),
		Gateway:  gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. API keys are not required here; they
// are checked when the model is built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SlogLevel maps Logging.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
