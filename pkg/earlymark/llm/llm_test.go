package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScripted(t *testing.T) {
	ctx := context.Background()

	t.Run("replays in order and streams text", func(t *testing.T) {
		m := NewScripted(ToolStep("c1", "log_note", `{"content":"x"}`), TextStep("all done now"))

		r1, err := m.Generate(ctx, Request{}, nil)
		require.NoError(t, err)
		require.Len(t, r1.ToolCalls, 1)

		var frags []string
		r2, err := m.Generate(ctx, Request{}, func(f string) { frags = append(frags, f) })
		require.NoError(t, err)
		assert.Equal(t, "all done now", r2.Content)
		assert.Equal(t, "all done now", strings.Join(frags, ""))
		assert.Greater(t, len(frags), 1)

		_, err = m.Generate(ctx, Request{}, nil)
		assert.ErrorIs(t, err, ErrScriptExhausted)
		assert.Equal(t, 3, m.Calls())
	})

	t.Run("repeat keeps answering with the last step", func(t *testing.T) {
		m := NewScripted(TextStep("again")).Repeat()
		for i := 0; i < 3; i++ {
			r, err := m.Generate(ctx, Request{}, nil)
			require.NoError(t, err)
			assert.Equal(t, "again", r.Content)
		}
	})

	t.Run("honours context during delay", func(t *testing.T) {
		m := NewScripted(ScriptStep{Delay: time.Second})
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := m.Generate(cctx, Request{}, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returns scripted errors", func(t *testing.T) {
		boom := errors.New("provider 500")
		_, err := NewScripted(ScriptStep{Err: boom}).Generate(ctx, Request{}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), ProviderConfig{Provider: "openai", Model: "gpt-4o-mini"})
	assert.ErrorContains(t, err, "missing API key")

	_, err = New(context.Background(), ProviderConfig{Provider: "palm", Model: "x", APIKey: "k"})
	assert.ErrorContains(t, err, "unknown model provider")
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages(Request{
		System: "be nice",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "check_availability", Arguments: json.RawMessage(`{"date":"2026-01-02"}`)}}},
			{Role: RoleTool, ToolCallID: "c1", ToolName: "check_availability", Content: "09:00 - 10:00"},
		},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, `{"date":"2026-01-02"}`, msgs[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
}

func TestToGenaiContents(t *testing.T) {
	contents := toGenaiContents([]Message{
		{Role: RoleUser, Content: "book me"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "a", Name: "check_availability", Arguments: json.RawMessage(`{"date":"2026-01-02"}`)},
			{ID: "b", Name: "search_contacts", Arguments: json.RawMessage(`{"query":"Sam"}`)},
		}},
		{Role: RoleTool, ToolName: "check_availability", Content: "free"},
		{Role: RoleTool, ToolName: "search_contacts", Content: "none"},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	assert.Len(t, contents[1].Parts, 2)
	assert.Len(t, contents[2].Parts, 2)
	fr, ok := contents[2].Parts[1].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "search_contacts", fr.Name)
}

func TestToGenaiSchema(t *testing.T) {
	s, err := toGenaiSchema(json.RawMessage(`{
		"type": "object",
		"properties": {
			"stage": {"type": "string", "enum": ["NEW", "WON"]},
			"value": {"type": "number"},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["stage"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"stage"}, s.Required)
	assert.Equal(t, []string{"NEW", "WON"}, s.Properties["stage"].Enum)
	assert.Equal(t, genai.TypeNumber, s.Properties["value"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
}
