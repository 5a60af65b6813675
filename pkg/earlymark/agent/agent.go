// Package agent – agent.go implements the reasoning loop that answers one
// inbound customer message. The loop alternates between calling the model
// and executing the tools it asks for until the model replies with text,
// the step ceiling is reached, or the run is cancelled.
//
// Architecture:
//   - The user turn is persisted before the first model call; the assistant
//     turn is persisted once the loop ends.
//   - A step is one model call plus the tools it triggers. There are at
//     most MaxSteps model calls per inbound message.
//   - The tool set is filtered by the workspace autonomy mode before the
//     model sees it, and enforced again by the sandbox.
//   - Provider failures produce a generic apology; the loop never retries.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/autonomy"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

const (
	// DefaultMaxSteps is the model-call ceiling per inbound message.
	DefaultMaxSteps = 5

	// DefaultModelCallTimeout bounds a single model call.
	DefaultModelCallTimeout = 60 * time.Second

	DefaultFallbackMessage = "Thanks for your message. Let me get back to you shortly."
	DefaultApologyMessage  = "I encountered an error trying to process your request. Please try again in a moment."
	DefaultHandoffMessage  = "Someone from the team will follow up with you shortly."
)

// Telemetry metric names.
const (
	MetricRun             = "agent.run"
	MetricContextAssembly = "agent.context_assembly"
	MetricModelCall       = "agent.model_call"
)

var (
	ErrInvalidInbound = errors.New("invalid inbound message")
	ErrPersistence    = errors.New("conversation persistence failed")
	ErrCancelled      = errors.New("run cancelled")
)

var (
	tracer   = otel.Tracer("earlymark/agent")
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Config holds reasoning loop parameters.
type Config struct {
	// MaxSteps is the model-call ceiling per inbound message (default: 5).
	MaxSteps int `yaml:"max_steps" validate:"gte=0,lte=20"`

	// ModelTimeoutSeconds bounds each model call (default: 60).
	ModelTimeoutSeconds int `yaml:"model_timeout_seconds" validate:"gte=0"`

	// ToolTimeoutSeconds bounds each tool execution (default: 30).
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds" validate:"gte=0"`

	// Timezone is the IANA zone used for dates in prompts and tools.
	Timezone string `yaml:"timezone"`

	FallbackMessage string `yaml:"fallback_message"`
	ApologyMessage  string `yaml:"apology_message"`
	HandoffMessage  string `yaml:"handoff_message"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:            DefaultMaxSteps,
		ModelTimeoutSeconds: int(DefaultModelCallTimeout / time.Second),
		ToolTimeoutSeconds:  int(tools.DefaultToolTimeout / time.Second),
		FallbackMessage:     DefaultFallbackMessage,
		ApologyMessage:      DefaultApologyMessage,
		HandoffMessage:      DefaultHandoffMessage,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.ModelTimeoutSeconds <= 0 {
		c.ModelTimeoutSeconds = d.ModelTimeoutSeconds
	}
	if c.ToolTimeoutSeconds <= 0 {
		c.ToolTimeoutSeconds = d.ToolTimeoutSeconds
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = d.FallbackMessage
	}
	if c.ApologyMessage == "" {
		c.ApologyMessage = d.ApologyMessage
	}
	if c.HandoffMessage == "" {
		c.HandoffMessage = d.HandoffMessage
	}
	return c
}

// Inbound is a customer message delivered by a channel adapter.
type Inbound struct {
	WorkspaceID     string         `json:"workspace_id" validate:"required"`
	Channel         domain.Channel `json:"channel" validate:"required,oneof=chat sms email voice"`
	FromIdentity    string         `json:"from"`
	Text            string         `json:"text" validate:"required"`
	ConversationRef string         `json:"conversation_ref" validate:"required"`

	// Lead, when present, is triaged before the model is involved.
	Lead *domain.Lead `json:"lead,omitempty"`
}

// Validate checks the required fields. Failures wrap ErrInvalidInbound.
func (in Inbound) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInbound, err)
	}
	return nil
}

// Outcome describes a completed run.
type Outcome struct {
	Text        string
	Terminal    TerminalReason
	Steps       int
	Invocations []tools.Record
	Verdict     *triage.Verdict
}

// Deps are the collaborators an Agent needs. Triage and Recorder are optional.
type Deps struct {
	Model     llm.Model
	Registry  *tools.Registry
	Assembler *assembler.Assembler
	Turns     domain.TurnWriter
	Triage    *triage.Engine
	Recorder  *telemetry.Recorder
}

// Agent answers inbound messages. It is safe for concurrent use; each
// call to HandleInbound is an independent run.
type Agent struct {
	deps   Deps
	cfg    Config
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	modelTimeout time.Duration
}

// New creates an Agent.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Agent, error) {
	if deps.Model == nil || deps.Registry == nil || deps.Assembler == nil || deps.Turns == nil {
		return nil, errors.New("agent: model, registry, assembler and turn writer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NewRecorder()
	}
	cfg = cfg.withDefaults()

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("agent: timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	return &Agent{
		deps:   deps,
		cfg:    cfg,
		loc:    loc,
		logger: logger.With("component", "agent"),
		now:    time.Now,

		modelTimeout: time.Duration(cfg.ModelTimeoutSeconds) * time.Second,
	}, nil
}

// Config returns the effective configuration.
func (a *Agent) Config() Config { return a.cfg }

// run is the mutable state of one HandleInbound call.
type run struct {
	in      Inbound
	hooks   Hooks
	logger  *slog.Logger
	out     *Outcome
	userID  string
	scope   tools.Scope
	req     llm.Request
	pending []llm.ToolCall

	// lastText is the most recent non-empty model text.
	lastText string
}

// HandleInbound answers one inbound message. Text fragments are delivered
// to hooks.OnText as they arrive; the complete reply is Outcome.Text.
//
// A persistence failure is returned as an error wrapping ErrPersistence.
// Cancellation returns the partial outcome with an error wrapping
// ErrCancelled. Every other failure is folded into the reply.
func (a *Agent) HandleInbound(ctx context.Context, in Inbound, hooks Hooks) (*Outcome, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "agent.handle_inbound", trace.WithAttributes(
		attribute.String("workspace.id", in.WorkspaceID),
		attribute.String("channel", string(in.Channel)),
	))
	defer span.End()
	defer a.deps.Recorder.Time(MetricRun)()

	r := &run{
		in:     in,
		hooks:  hooks,
		logger: a.logger.With("workspace", in.WorkspaceID, "conversation", in.ConversationRef, "channel", in.Channel),
		out:    &Outcome{},
		userID: uuid.NewString(),
	}

	if err := a.persist(ctx, domain.ConversationTurn{
		ID:              r.userID,
		WorkspaceID:     in.WorkspaceID,
		ConversationRef: in.ConversationRef,
		Channel:         in.Channel,
		Role:            domain.RoleUser,
		Content:         in.Text,
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if in.Lead != nil && a.deps.Triage != nil {
		v := a.deps.Triage.Triage(ctx, in.WorkspaceID, *in.Lead)
		r.out.Verdict = &v
		if v.Recommendation == triage.Decline {
			text := declineMessage(v.MatchedRule)
			hooks.event(Event{Kind: EventDeclined, Text: v.MatchedRule})
			hooks.text(text)
			return a.finish(ctx, r, text, TerminalDeclined)
		}
	}

	stopAssembly := a.deps.Recorder.Time(MetricContextAssembly)
	bundle, err := a.deps.Assembler.Assemble(ctx, assembler.Request{
		WorkspaceID:     in.WorkspaceID,
		ConversationRef: in.ConversationRef,
		Channel:         in.Channel,
		Message:         in.Text,
	})
	stopAssembly()
	if err != nil {
		if ctx.Err() != nil {
			return a.cancelled(r, ctx.Err())
		}
		r.logger.Error("context assembly failed", "error", err)
		hooks.text(a.cfg.ApologyMessage)
		return a.finish(ctx, r, a.cfg.ApologyMessage, TerminalContextError)
	}

	a.prepare(r, bundle)
	text, terminal, err := a.loop(ctx, r)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return r.out, err
	}
	if terminal == TerminalCancelled {
		return a.cancelled(r, ctx.Err())
	}

	if autonomy.RequiresHandoff(bundle.AutonomyMode()) && terminal != TerminalModelError && !promisesFollowUp(text) {
		suffix := a.cfg.HandoffMessage
		if text != "" {
			suffix = "\n\n" + suffix
		}
		hooks.text(suffix)
		text += suffix
	}
	return a.finish(ctx, r, text, terminal)
}

// prepare builds the model request and tool scope from the bundle.
func (a *Agent) prepare(r *run, b *assembler.Bundle) {
	mode := b.AutonomyMode()
	offered := autonomy.FilterTools(mode, a.deps.Registry.Definitions())

	start, end := b.Settings.WorkingHours()
	r.scope = tools.Scope{
		WorkspaceID:       r.in.WorkspaceID,
		ConversationRef:   r.in.ConversationRef,
		Channel:           r.in.Channel,
		FromIdentity:      r.in.FromIdentity,
		WorkingHoursStart: start,
		WorkingHoursEnd:   end,
		Location:          a.loc,
		Permitted:         autonomy.PermittedNames(offered),
	}

	specs := make([]llm.ToolSpec, 0, len(offered))
	for _, d := range offered {
		specs = append(specs, llm.ToolSpec{Name: string(d.Name), Description: d.Description, Parameters: d.InputSchema})
	}

	r.req = llm.Request{
		System:   BuildSystemPrompt(b, mode, a.now().In(a.loc)),
		Messages: historyMessages(b.History, r.userID, r.in.Text),
		Tools:    specs,
	}
	r.logger.Debug("run prepared", "mode", mode, "tools", len(specs), "history", len(b.History))
}

// loop drives the state machine until a terminal state. The only error it
// returns is a failure to persist a tool turn.
func (a *Agent) loop(ctx context.Context, r *run) (string, TerminalReason, error) {
	st := stateAwaitModel
	for {
		switch st {
		case stateAwaitModel:
			if ctx.Err() != nil {
				r.hooks.event(Event{Kind: EventCancelled, Step: r.out.Steps})
				return "", TerminalCancelled, nil
			}
			if r.out.Steps >= a.cfg.MaxSteps {
				r.hooks.event(Event{Kind: EventStepExhausted, Step: r.out.Steps})
				r.logger.Warn("step ceiling reached", "steps", r.out.Steps)
				if r.lastText != "" {
					return r.lastText, TerminalStepLimit, nil
				}
				r.hooks.text(a.cfg.FallbackMessage)
				return a.cfg.FallbackMessage, TerminalStepLimit, nil
			}

			r.out.Steps++
			resp, err := a.callModel(ctx, r)
			if err != nil {
				if ctx.Err() != nil {
					r.hooks.event(Event{Kind: EventCancelled, Step: r.out.Steps})
					return "", TerminalCancelled, nil
				}
				r.hooks.event(Event{Kind: EventModelError, Step: r.out.Steps, Err: err})
				r.logger.Error("model call failed", "step", r.out.Steps, "error", err)
				r.hooks.text(a.cfg.ApologyMessage)
				return a.cfg.ApologyMessage, TerminalModelError, nil
			}

			if resp.Content != "" {
				r.lastText = resp.Content
				r.hooks.event(Event{Kind: EventModelText, Step: r.out.Steps, Text: resp.Content})
			}
			if len(resp.ToolCalls) == 0 {
				if resp.Content == "" {
					r.hooks.text(a.cfg.FallbackMessage)
					return a.cfg.FallbackMessage, TerminalText, nil
				}
				return resp.Content, TerminalText, nil
			}

			for i := range resp.ToolCalls {
				if resp.ToolCalls[i].ID == "" {
					resp.ToolCalls[i].ID = "call_" + uuid.NewString()
				}
			}
			r.pending = resp.ToolCalls
			r.req.Messages = append(r.req.Messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			st = stateExecuteTools

		case stateExecuteTools:
			if err := a.executeTools(ctx, r); err != nil {
				r.logger.Error("tool turn not persisted", "error", err)
				return "", "", err
			}
			st = stateAwaitModel
		}
	}
}

// callModel performs one model call under the per-step timeout.
func (a *Agent) callModel(ctx context.Context, r *run) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.modelTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "agent.model_call", trace.WithAttributes(
		attribute.Int("step", r.out.Steps),
		attribute.String("model", a.deps.Model.Name()),
		attribute.Int("tools", len(r.req.Tools)),
	))
	defer span.End()

	stop := a.deps.Recorder.Time(MetricModelCall)
	resp, err := a.deps.Model.Generate(ctx, r.req, r.hooks.OnText)
	d := stop()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.logger.Debug("model responded", "step", r.out.Steps, "duration_ms", d.Milliseconds(),
		"tool_calls", len(resp.ToolCalls), "prompt_tokens", resp.Usage.PromptTokens)
	return resp, nil
}

// executeTools runs the pending calls and appends their results as tool
// turns. Calls outside the permitted set never reach the registry: they
// are answered with a "tool not available" result and are not counted as
// invocations. Calls skipped because the run was cancelled are dropped.
func (a *Agent) executeTools(ctx context.Context, r *run) error {
	records := make([]tools.Record, len(r.pending))
	rejected := make([]bool, len(r.pending))
	calls := make([]tools.Call, 0, len(r.pending))
	index := make([]int, 0, len(r.pending))
	for i := range r.pending {
		tc := r.pending[i]
		r.hooks.event(Event{Kind: EventModelToolCall, Step: r.out.Steps, Call: &tc})
		if !r.scope.Permits(tools.Name(tc.Name)) {
			rejected[i] = true
			records[i] = tools.Record{
				CallID:    tc.ID,
				Tool:      tools.Name(tc.Name),
				Err:       tools.ErrToolNotAvailable,
				StartedAt: a.now(),
			}
			continue
		}
		calls = append(calls, tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		index = append(index, i)
	}
	r.pending = nil

	for j, rec := range a.deps.Registry.ExecuteBatch(ctx, r.scope, calls) {
		records[index[j]] = rec
	}

	var persistErr error
	for i := range records {
		rec := records[i]
		switch {
		case rejected[i]:
			r.logger.Warn("tool rejected by autonomy policy", "tool", rec.Tool)
			r.hooks.event(Event{Kind: EventPolicyRejected, Step: r.out.Steps, Record: &rec})
		case errors.Is(rec.Err, tools.ErrToolCancelled):
			r.logger.Debug("tool call skipped after cancellation", "tool", rec.Tool)
			continue
		default:
			if errors.Is(rec.Err, tools.ErrToolNotAvailable) {
				r.hooks.event(Event{Kind: EventPolicyRejected, Step: r.out.Steps, Record: &rec})
			}
			r.hooks.event(Event{Kind: EventToolResult, Step: r.out.Steps, Record: &rec})
			r.out.Invocations = append(r.out.Invocations, rec)
		}

		content := rec.Content()
		r.req.Messages = append(r.req.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: rec.CallID,
			ToolName:   string(rec.Tool),
		})

		turn := domain.ConversationTurn{
			WorkspaceID:     r.in.WorkspaceID,
			ConversationRef: r.in.ConversationRef,
			Channel:         r.in.Channel,
			Role:            domain.RoleTool,
			Content:         content,
			ToolName:        string(rec.Tool),
			ToolCallID:      rec.CallID,
			ToolArgs:        rec.Args,
		}
		if rec.Err != nil {
			turn.ToolError = rec.Err.Error()
		}
		if err := a.persist(ctx, turn); err != nil && persistErr == nil {
			persistErr = err
		}
	}
	return persistErr
}

// finish persists the assistant turn and completes the outcome.
func (a *Agent) finish(ctx context.Context, r *run, text string, terminal TerminalReason) (*Outcome, error) {
	r.out.Text = text
	r.out.Terminal = terminal
	err := a.persist(ctx, domain.ConversationTurn{
		WorkspaceID:     r.in.WorkspaceID,
		ConversationRef: r.in.ConversationRef,
		Channel:         r.in.Channel,
		Role:            domain.RoleAssistant,
		Content:         text,
	})
	if err != nil {
		return r.out, err
	}
	r.logger.Info("inbound handled", "terminal", terminal, "steps", r.out.Steps, "tool_calls", len(r.out.Invocations))
	return r.out, nil
}

func (a *Agent) cancelled(r *run, cause error) (*Outcome, error) {
	r.out.Terminal = TerminalCancelled
	r.out.Text = r.lastText
	r.logger.Info("run cancelled", "steps", r.out.Steps)
	return r.out, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// persist writes a turn. Writes are detached from cancellation so a run
// that is being cancelled still records what already happened.
func (a *Agent) persist(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = a.now().UTC()
	}
	if err := a.deps.Turns.AppendTurn(context.WithoutCancel(ctx), turn); err != nil {
		return fmt.Errorf("%w: %s turn: %w", ErrPersistence, turn.Role, err)
	}
	return nil
}

// historyMessages converts stored turns into model messages, making sure
// the current user message is last.
func historyMessages(history []domain.ConversationTurn, userID, text string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	seen := false
	for _, t := range history {
		switch t.Role {
		case domain.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
			if t.ID == userID {
				seen = true
			}
		case domain.RoleAssistant:
			if t.Content != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
			}
		}
	}
	if !seen {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	}
	return msgs
}

func declineMessage(rule string) string {
	phrase := triage.RulePhrase(rule)
	if phrase == "" {
		return "I'm sorry, we don't currently take on this kind of job."
	}
	return fmt.Sprintf("I'm sorry, we don't currently handle %s.", phrase)
}

var followUpPhrases = []string{"follow up", "follow-up", "be in touch", "get back to you", "call you back", "contact you"}

func promisesFollowUp(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range followUpPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
