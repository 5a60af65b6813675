package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiModel talks to the Gemini API.
type GeminiModel struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGemini creates a Gemini model client.
func NewGemini(ctx context.Context, cfg ProviderConfig) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiModel{client: client, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Name returns the provider-qualified model name.
func (m *GeminiModel) Name() string { return "gemini:" + m.model }

// Close releases the underlying client.
func (m *GeminiModel) Close() error { return m.client.Close() }

// Generate streams a response. Gemini returns whole function calls, so
// only text is delivered incrementally.
func (m *GeminiModel) Generate(ctx context.Context, req Request, onText StreamFunc) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini: empty conversation")
	}

	gm := m.client.GenerativeModel(m.model)
	if m.temperature != 0 {
		gm.SetTemperature(m.temperature)
	}
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			params, err := toGenaiSchema(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("gemini: tool %s: %w", t.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	history := toGenaiContents(req.Messages)
	last := history[len(history)-1]
	cs := gm.StartChat()
	cs.History = history[:len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	var (
		content strings.Builder
		resp    Response
	)
	for {
		chunk, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini: stream: %w", err)
		}
		if u := chunk.UsageMetadata; u != nil {
			resp.Usage = Usage{
				PromptTokens:     int(u.PromptTokenCount),
				CompletionTokens: int(u.CandidatesTokenCount),
			}
		}
		for _, cand := range chunk.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					content.WriteString(string(p))
					if onText != nil {
						onText(string(p))
					}
				case genai.FunctionCall:
					args, err := json.Marshal(p.Args)
					if err != nil {
						return nil, fmt.Errorf("gemini: encode args for %s: %w", p.Name, err)
					}
					resp.ToolCalls = append(resp.ToolCalls, ToolCall{
						ID:        "call-" + uuid.NewString(),
						Name:      p.Name,
						Arguments: args,
					})
				}
			}
		}
	}
	resp.Content = content.String()
	return &resp, nil
}

// toGenaiContents converts messages, merging consecutive tool results into
// a single content so function responses answer their calls in one turn.
func toGenaiContents(msgs []Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		var (
			role  string
			parts []genai.Part
		)
		switch m.Role {
		case RoleAssistant:
			role = "model"
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
		case RoleTool:
			role = "user"
			parts = append(parts, genai.FunctionResponse{
				Name:     m.ToolName,
				Response: map[string]any{"result": m.Content},
			})
			if n := len(out); n > 0 && isFunctionResponse(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, parts...)
				continue
			}
		default:
			role = "user"
			parts = append(parts, genai.Text(m.Content))
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func isFunctionResponse(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	_, ok := c.Parts[0].(genai.FunctionResponse)
	return ok
}

// jsonSchema is the subset of JSON Schema the tool catalogue uses.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enum        []string               `json:"enum"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
	Items       *jsonSchema            `json:"items"`
}

func toGenaiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return convertSchema(&s), nil
}

func convertSchema(s *jsonSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = convertSchema(p)
		}
	}
	out.Items = convertSchema(s.Items)
	return out
}
