package agent

import (
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
)

// EventKind names a step of the reasoning loop.
type EventKind string

const (
	EventModelText      EventKind = "model_text"
	EventModelToolCall  EventKind = "model_tool_call"
	EventToolResult     EventKind = "tool_result"
	EventPolicyRejected EventKind = "policy_rejected"
	EventStepExhausted  EventKind = "step_exhausted"
	EventCancelled      EventKind = "cancelled"
	EventModelError     EventKind = "model_error"
	EventDeclined       EventKind = "declined"
)

// Event is emitted to Hooks.OnEvent as the loop progresses.
type Event struct {
	Kind EventKind
	Step int

	Text   string
	Call   *llm.ToolCall
	Record *tools.Record
	Err    error
}

// TerminalReason says why a run ended.
type TerminalReason string

const (
	TerminalText         TerminalReason = "text"
	TerminalStepLimit    TerminalReason = "step_limit"
	TerminalModelError   TerminalReason = "model_error"
	TerminalContextError TerminalReason = "context_error"
	TerminalCancelled    TerminalReason = "cancelled"
	TerminalDeclined     TerminalReason = "declined"
)

// state is a position in the reasoning loop.
type state int

const (
	stateAwaitModel state = iota
	stateExecuteTools
)

// Hooks receive incremental output from a run. Both are optional and are
// called from the goroutine running HandleInbound.
type Hooks struct {
	// OnText receives assistant text fragments as they are produced.
	OnText func(fragment string)

	// OnEvent receives loop events.
	OnEvent func(Event)
}

func (h Hooks) text(s string) {
	if h.OnText != nil && s != "" {
		h.OnText(s)
	}
}

func (h Hooks) event(e Event) {
	if h.OnEvent != nil {
		h.OnEvent(e)
	}
}
