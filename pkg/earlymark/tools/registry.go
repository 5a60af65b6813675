// Package tools – registry.go holds the closed set of callable CRM tools
// and runs them in a sandbox: arguments are validated against each tool's
// JSON schema, execution is bounded by a per-tool timeout, panics and
// errors become failed invocation records, and every invocation's
// duration lands in telemetry.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// DefaultMaxParallel bounds concurrent tool executions in one batch.
const DefaultMaxParallel = 4

// maxOutputChars caps tool output fed back to the model.
const maxOutputChars = 8000

// unavailableMetric collects durations of calls to unknown tool names so
// model-invented names never create new metric keys.
const unavailableMetric = "tool.unavailable"

var (
	// ErrToolNotAvailable is returned for unknown tools and for tools
	// outside the caller's permitted set.
	ErrToolNotAvailable = errors.New("tool not available")

	// ErrToolCancelled marks calls skipped because the run was cancelled
	// before they started.
	ErrToolCancelled = errors.New("tool call cancelled before start")

	ErrToolTimeout    = errors.New("tool timed out")
	ErrRegistrySealed = errors.New("tool registry is sealed")
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrUnknownName    = errors.New("unknown tool name")
)

var tracer = otel.Tracer("earlymark/tools")

// HandlerFunc executes a tool with validated arguments.
type HandlerFunc func(ctx context.Context, scope Scope, args map[string]any) (any, error)

// Definition describes one tool.
type Definition struct {
	Name        Name
	Description string

	// InputSchema is a JSON Schema object. Empty means {"type":"object"}.
	InputSchema json.RawMessage

	// CommitsResource marks tools whose effect is visible outside the
	// workspace or binds the business (sending messages, booking jobs).
	CommitsResource bool

	// InformationalOnly marks tools that only record what the customer
	// said. These are the only tools a receptionist may use.
	InformationalOnly bool

	// Proposes marks tools that draft something for owner confirmation.
	Proposes bool

	// Timeout overrides the registry default when positive.
	Timeout time.Duration

	Handler HandlerFunc
}

// Scope carries the per-request context a handler runs in.
type Scope struct {
	WorkspaceID     string
	ConversationRef string
	Channel         domain.Channel
	FromIdentity    string

	WorkingHoursStart string
	WorkingHoursEnd   string
	Location          *time.Location

	// Permitted restricts execution to these tools when non-nil.
	Permitted []Name
}

// Permits reports whether n may run in this scope.
func (s Scope) Permits(n Name) bool {
	return s.Permitted == nil || slices.Contains(s.Permitted, n)
}

func (s Scope) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// Call is a tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Record is the outcome of one invocation.
type Record struct {
	CallID    string
	Tool      Name
	Args      map[string]any
	Result    string
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Failed reports whether the invocation produced an error.
func (r Record) Failed() bool { return r.Err != nil }

// Content is what the model sees for this invocation.
func (r Record) Content() string {
	if r.Err != nil {
		return formatToolError(string(r.Tool), r.Err)
	}
	return r.Result
}

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool     Name
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

type entry struct {
	def    Definition
	schema *gojsonschema.Schema
}

// Registry is the set of tools available to the agent. It is populated at
// startup, sealed, and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[Name]*entry
	order   []Name
	sealed  bool

	timeout     time.Duration
	maxParallel int

	recorder *telemetry.Recorder
	logger   *slog.Logger
}

// NewRegistry creates an empty registry reporting durations to recorder.
func NewRegistry(recorder *telemetry.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = telemetry.NewRecorder()
	}
	return &Registry{
		entries:     make(map[Name]*entry),
		timeout:     DefaultToolTimeout,
		maxParallel: DefaultMaxParallel,
		recorder:    recorder,
		logger:      logger.With("component", "tools"),
	}
}

// SetTimeout changes the default per-tool timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.mu.Lock()
		r.timeout = d
		r.mu.Unlock()
	}
}

// SetMaxParallel changes the batch concurrency limit.
func (r *Registry) SetMaxParallel(n int) {
	if n > 0 {
		r.mu.Lock()
		r.maxParallel = n
		r.mu.Unlock()
	}
}

// Register adds a tool. It fails for unknown names, duplicates, invalid
// schemas, and after Seal.
func (r *Registry) Register(def Definition) error {
	if !def.Name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownName, def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: nil handler", def.Name)
	}
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, dup := r.entries[def.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.entries[def.Name] = &entry{def: def, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// RegisterAll registers defs in order, stopping at the first error.
func (r *Registry) RegisterAll(defs []Definition) error {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Definitions returns all tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.entries[n].def)
	}
	return out
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name Name) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Execute runs one call. It never returns an error: every failure is
// captured in the returned Record.
func (r *Registry) Execute(ctx context.Context, scope Scope, call Call) (rec Record) {
	name := Name(call.Name)
	start := time.Now()
	rec = Record{CallID: call.ID, Tool: name, StartedAt: start}

	r.mu.RLock()
	e, known := r.entries[name]
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("workspace.id", scope.WorkspaceID),
	))
	defer func() {
		rec.Duration = time.Since(start)
		metric := call.Name
		if !known {
			metric = unavailableMetric
		}
		r.recorder.Observe(metric, rec.Duration)

		if rec.Err != nil {
			span.RecordError(rec.Err)
			span.SetStatus(codes.Error, rec.Err.Error())
			r.logger.Warn("tool failed", "tool", call.Name, "workspace", scope.WorkspaceID,
				"duration_ms", rec.Duration.Milliseconds(), "error", rec.Err)
		} else {
			r.logger.Debug("tool executed", "tool", call.Name, "workspace", scope.WorkspaceID,
				"duration_ms", rec.Duration.Milliseconds())
		}
		span.End()
	}()

	if !known || !scope.Permits(name) {
		rec.Err = ErrToolNotAvailable
		return rec
	}

	args, err := parseToolArgs(call.Arguments)
	if err != nil {
		rec.Err = &ValidationError{Tool: name, Problems: []string{err.Error()}}
		return rec
	}
	rec.Args = args

	if problems := e.validate(args); len(problems) > 0 {
		rec.Err = &ValidationError{Tool: name, Problems: problems}
		return rec
	}

	if e.def.Timeout > 0 {
		timeout = e.def.Timeout
	}
	out, err := run(ctx, e.def, scope, args, timeout)
	if err != nil {
		rec.Err = err
		return rec
	}
	rec.Result = formatToolOutput(out)
	return rec
}

// ExecuteBatch runs calls and returns records in call order. Calls run in
// parallel unless any of them commits a resource, in which case they run
// sequentially in the order the model issued them.
func (r *Registry) ExecuteBatch(ctx context.Context, scope Scope, calls []Call) []Record {
	records := make([]Record, len(calls))
	if len(calls) == 0 {
		return records
	}

	sequential := len(calls) == 1
	for _, c := range calls {
		if def, ok := r.Lookup(Name(c.Name)); ok && def.CommitsResource {
			sequential = true
			break
		}
	}
	if sequential {
		for i, c := range calls {
			records[i] = r.executeUnlessCancelled(ctx, scope, c)
		}
		return records
	}

	r.mu.RLock()
	limit := r.maxParallel
	r.mu.RUnlock()

	p := pool.New().WithMaxGoroutines(limit)
	for i, c := range calls {
		p.Go(func() {
			records[i] = r.executeUnlessCancelled(ctx, scope, c)
		})
	}
	p.Wait()
	return records
}

// executeUnlessCancelled skips calls whose run has already been
// cancelled. Skipped calls are not observed by telemetry.
func (r *Registry) executeUnlessCancelled(ctx context.Context, scope Scope, call Call) Record {
	if err := ctx.Err(); err != nil {
		r.logger.Debug("tool call skipped", "tool", call.Name, "workspace", scope.WorkspaceID, "error", err)
		return Record{
			CallID:    call.ID,
			Tool:      Name(call.Name),
			Err:       fmt.Errorf("%w: %w", ErrToolCancelled, err),
			StartedAt: time.Now(),
		}
	}
	return r.Execute(ctx, scope, call)
}

func (e *entry) validate(args map[string]any) []string {
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return []string{err.Error()}
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		problems = append(problems, re.String())
	}
	return problems
}

// run executes the handler with a timeout. The handler's context is
// detached from the caller's cancellation so a started tool finishes even
// when the conversation is cancelled; only the timeout stops it.
func run(ctx context.Context, def Definition, scope Scope, args map[string]any, timeout time.Duration) (any, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", def.Name, p)}
			}
		}()
		v, err := def.Handler(runCtx, scope, args)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, timeout)
		}
		return o.val, o.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, timeout)
	}
}

// parseToolArgs decodes raw JSON arguments into a map. Empty input is an
// empty object.
func parseToolArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// formatToolOutput renders a handler result for the model.
func formatToolOutput(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		s = "ok"
	case string:
		s = val
	case fmt.Stringer:
		s = val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(b)
		}
	}
	if len(s) > maxOutputChars {
		s = s[:maxOutputChars] + "\n... (output truncated)"
	}
	return s
}

// formatToolError builds the structured error payload returned to the
// model so it can decide how to recover.
func formatToolError(tool string, err error) string {
	b, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   tool,
		"error":  err.Error(),
	})
	return string(b)
}
