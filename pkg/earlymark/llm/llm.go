// Package llm defines the language-model capability the reasoning loop
// depends on and adapters for the supported providers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a model message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string

	// Assistant messages that requested tools.
	ToolCalls []ToolCall

	// Tool messages answer the call with this ID and name.
	ToolCallID string
	ToolName   string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is a single model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the complete result of one invocation.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamFunc receives text fragments as they arrive.
type StreamFunc func(fragment string)

// Model produces either text or tool calls for a request. Implementations
// call onText for every text fragment before returning the full response.
type Model interface {
	Generate(ctx context.Context, req Request, onText StreamFunc) (*Response, error)
	Name() string
}

// ProviderConfig selects and configures a model provider.
type ProviderConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "gemini".
	Provider string `yaml:"provider" validate:"required,oneof=openai gemini"`

	// Model is the provider's model identifier.
	Model string `yaml:"model" validate:"required"`

	// APIKey is normally resolved from the keyring or environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the OpenAI endpoint.
	BaseURL string `yaml:"base_url"`

	// Temperature is passed through when non-zero.
	Temperature float32 `yaml:"temperature"`
}

// New builds the model for cfg.
func New(ctx context.Context, cfg ProviderConfig) (Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: missing API key", cfg.Provider)
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
