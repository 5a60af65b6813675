// Package memory – embeddings.go implements embedding generation for
// workspace memory search. Supports Gemini (google.golang.org/genai),
// OpenAI-compatible endpoints, and a zero-cost null provider that leaves
// search to keyword matching.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "gemini", "openai" or "none".
	Provider string `yaml:"provider" validate:"omitempty,oneof=gemini openai none"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the output dimensionality (0 = model default).
	Dimensions int `yaml:"dimensions" validate:"gte=0"`

	// APIKey for the provider. Resolved from the keyring or environment
	// when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
}

// DefaultEmbeddingConfig returns the defaults: no embeddings, keyword search.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider: "none",
	}
}

const (
	defaultGeminiModel = "gemini-embedding-001"
	defaultOpenAIModel = string(openai.SmallEmbedding3)

	// Gemini task types for stored memories and incoming queries.
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// ErrMissingAPIKey is returned when a remote provider has no key.
var ErrMissingAPIKey = errors.New("embedding provider requires an API key")

// NewEmbeddingProvider creates the provider named in cfg.
func NewEmbeddingProvider(ctx context.Context, cfg EmbeddingConfig) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return NullEmbedder{}, nil
	case "gemini":
		return NewGenAIEmbedder(ctx, cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// ---------- Null ----------

// NullEmbedder produces no vectors.
type NullEmbedder struct{}

func (NullEmbedder) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (NullEmbedder) Name() string                                         { return "none" }

// ---------- Gemini ----------

// GenAIEmbedder generates embeddings with the Gemini API.
type GenAIEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
	taskType   string
}

// NewGenAIEmbedder creates a Gemini embedding provider.
func NewGenAIEmbedder(ctx context.Context, cfg EmbeddingConfig) (*GenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GenAIEmbedder{
		client:     client,
		model:      model,
		dimensions: int32(cfg.Dimensions),
		taskType:   taskRetrievalDocument,
	}, nil
}

// ForQueries returns a copy of e that embeds search queries.
func (e *GenAIEmbedder) ForQueries() EmbeddingProvider {
	q := *e
	q.taskType = taskRetrievalQuery
	return &q
}

// Embed implements EmbeddingProvider. All texts go in one request.
func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: e.taskType}
	if e.dimensions > 0 {
		dims := e.dimensions
		cfg.OutputDimensionality = &dims
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GenAIEmbedder) Name() string { return "gemini:" + e.model }

// ---------- OpenAI ----------

// OpenAIEmbedder generates embeddings with an OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an OpenAI embedding provider.
func NewOpenAIEmbedder(cfg EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(oc),
		model:      model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed implements EmbeddingProvider.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai: missing embedding for input %d", i)
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) Name() string { return "openai:" + e.model }
