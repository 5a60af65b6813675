package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrScriptExhausted is returned when a Scripted model runs out of turns.
var ErrScriptExhausted = errors.New("scripted model: no more responses")

// ScriptStep is one canned model turn.
type ScriptStep struct {
	Response Response
	Err      error

	// Delay is waited (or ctx is honoured) before answering.
	Delay time.Duration
}

// Scripted replays canned responses in order. It backs dry runs of the
// chat command and tests of the reasoning loop.
type Scripted struct {
	mu       sync.Mutex
	steps    []ScriptStep
	repeat   bool
	requests []Request
}

// NewScripted creates a model that answers with steps in order.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Repeat makes the last step answer every call after the script ends.
func (s *Scripted) Repeat() *Scripted {
	s.mu.Lock()
	s.repeat = true
	s.mu.Unlock()
	return s
}

// Name implements Model.
func (s *Scripted) Name() string { return "scripted" }

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of Generate calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Generate implements Model. Text is streamed word by word.
func (s *Scripted) Generate(ctx context.Context, req Request, onText StreamFunc) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	if len(s.steps) > 1 || !s.repeat {
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	if onText != nil && step.Response.Content != "" {
		for _, frag := range strings.SplitAfter(step.Response.Content, " ") {
			onText(frag)
		}
	}
	resp := step.Response
	return &resp, nil
}

// TextStep is a step answering with plain text.
func TextStep(text string) ScriptStep {
	return ScriptStep{Response: Response{Content: text}}
}

// ToolStep is a step requesting one tool call.
func ToolStep(id, name, args string) ScriptStep {
	return ScriptStep{Response: Response{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: []byte(args)}}}}
}
