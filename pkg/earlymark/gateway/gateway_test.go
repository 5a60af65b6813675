package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store/memstore"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

const ws = "ws-1"

type fixture struct {
	server   *httptest.Server
	store    *memstore.Store
	recorder *telemetry.Recorder
	model    *llm.Scripted
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg Config, steps ...llm.ScriptStep) *fixture {
	t.Helper()
	st := memstore.New()
	st.PutSettings(domain.WorkspaceSettings{WorkspaceID: ws, BusinessName: "Acme Plumbing", AutonomyMode: domain.ModeExecute})

	promReg := prometheus.NewRegistry()
	rec := telemetry.NewRecorder(telemetry.WithRegisterer(promReg))
	reg := tools.NewRegistry(rec, quietLogger())
	require.NoError(t, reg.RegisterAll(tools.Builtin(st)))
	reg.Seal()

	model := llm.NewScripted(steps...)
	triager := triage.NewEngine(st, quietLogger())
	a, err := agent.New(agent.Deps{
		Model:     model,
		Registry:  reg,
		Assembler: assembler.New(st, st, st, assembler.DefaultBudget(), quietLogger()),
		Turns:     st,
		Triage:    triager,
		Recorder:  rec,
	}, agent.Config{Timezone: "UTC"}, quietLogger())
	require.NoError(t, err)

	g := New(Deps{
		Agent:    a,
		Triage:   triager,
		Verdicts: st,
		Latency:  rec,
		Metrics:  promReg,
	}, cfg, quietLogger())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: st, recorder: rec, model: model}
}

func (f *fixture) post(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func inboundBody(text string) map[string]any {
	return map[string]any{
		"workspace_id":     ws,
		"channel":          "sms",
		"from":             "+61400000001",
		"text":             text,
		"conversation_ref": "conv-1",
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	resp, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestInboundJSON(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		llm.ToolStep("c1", "log_note", `{"content":"Wants a quote for a tap"}`),
		llm.TextStep("Thanks, noted."),
	)

	resp := f.post(t, "/api/inbound", inboundBody("Can you fix my tap?"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out inboundResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Thanks, noted.", out.Text)
	assert.Equal(t, string(agent.TerminalText), out.Terminal)
	assert.Equal(t, 2, out.Steps)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "log_note", out.ToolCalls[0].Name)
	assert.Empty(t, out.ToolCalls[0].Error)

	turns := f.store.Turns(ws, "conv-1")
	require.NotEmpty(t, turns)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
}

func TestInboundHidesToolErrors(t *testing.T) {
	const secret = "dial tcp 10.0.4.12:5432: password authentication failed for user crm_admin"

	for _, accept := range []string{"application/json", "text/event-stream"} {
		t.Run(accept, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(),
				llm.ToolStep("c1", "create_task", `{"title":"Call back about the drain"}`),
				llm.TextStep("I'll sort that out."),
			)
			f.store.FailWith("CreateTask", errors.New(secret))

			resp := f.post(t, "/api/inbound", inboundBody("please call me back"), map[string]string{"Accept": accept})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.NotContains(t, string(body), "10.0.4.12")
			assert.NotContains(t, string(body), "crm_admin")
			assert.Contains(t, string(body), `"error":"failed"`)
		})
	}
}

func TestToolErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&tools.ValidationError{Tool: tools.LogNote, Problems: []string{"content is required"}}, "validation"},
		{tools.ErrToolNotAvailable, "not_available"},
		{fmt.Errorf("%w after 30s", tools.ErrToolTimeout), "timeout"},
		{fmt.Errorf("%w: %w", tools.ErrToolCancelled, context.Canceled), "cancelled"},
		{errors.New("constraint violation on deals.contact_id"), "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toolErrorCode(tt.err), "%v", tt.err)
	}
}

func TestInboundStream(t *testing.T) {
	f := newFixture(t, DefaultConfig(), llm.TextStep("Hello there friend"))

	resp := f.post(t, "/api/inbound", inboundBody("hi"), map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		fragments []string
		event     string
		done      inboundResponse
		sawDone   bool
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "done" {
				require.NoError(t, json.Unmarshal([]byte(data), &done))
				sawDone = true
			} else if event == "" {
				var frag map[string]string
				require.NoError(t, json.Unmarshal([]byte(data), &frag))
				fragments = append(fragments, frag["text"])
			}
		case line == "":
			event = ""
		}
	}
	require.NoError(t, sc.Err())
	require.True(t, sawDone)
	assert.Equal(t, "Hello there friend", strings.Join(fragments, ""))
	assert.Equal(t, "Hello there friend", done.Text)
}

func TestInboundValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	t.Run("bad json", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/api/inbound", strings.NewReader("{"))
		resp, err := f.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown channel", func(t *testing.T) {
		body := inboundBody("hi")
		body["channel"] = "fax"
		resp := f.post(t, "/api/inbound", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing text", func(t *testing.T) {
		body := inboundBody("")
		resp := f.post(t, "/api/inbound", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	assert.Zero(t, f.model.Calls())
}

func TestInboundPersistenceFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), llm.TextStep("never sent"))
	f.store.FailWith("AppendTurn", assert.AnError)

	resp := f.post(t, "/api/inbound", inboundBody("hi"), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "internal error", e.Error.Message)
}

func TestInboundRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 1
	f := newFixture(t, cfg, llm.TextStep("ok"))

	first := f.post(t, "/api/inbound", inboundBody("one"), nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := f.post(t, "/api/inbound", inboundBody("two"), nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	other := inboundBody("three")
	other["workspace_id"] = "ws-2"
	// A different workspace has its own bucket; the script is exhausted so
	// the agent apologises, but the request is admitted.
	third := f.post(t, "/api/inbound", other, nil)
	assert.Equal(t, http.StatusOK, third.StatusCode)
}

func TestAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthToken = "secret"
	f := newFixture(t, cfg)

	get := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := f.server.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/health", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/diagnostics/latency", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/diagnostics/latency", "wrong"))
	assert.Equal(t, http.StatusOK, get("/api/diagnostics/latency", "secret"))
}

func TestTriageEndpoint(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.AddRule(ws, domain.CategoryNegativeScope, "No gas work")
	lead := f.store.AddDeal(domain.Deal{WorkspaceID: ws, Title: "Gas heater", CreatedAt: time.Now()})

	resp := f.post(t, "/api/leads/triage", map[string]any{
		"workspace_id": ws,
		"lead_id":      lead.ID,
		"title":        "Gas work on a heater",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v triage.Verdict
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, triage.Decline, v.Recommendation)
	assert.Equal(t, "No gas work", v.MatchedRule)

	saved, ok := f.store.Deal(ws, lead.ID)
	require.True(t, ok)
	assert.Equal(t, string(triage.Decline), saved.TriageRecommendation)

	t.Run("unknown lead still answers", func(t *testing.T) {
		resp := f.post(t, "/api/leads/triage", map[string]any{
			"workspace_id": ws,
			"lead_id":      "missing",
			"title":        "Leaking tap",
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("workspace required", func(t *testing.T) {
		resp := f.post(t, "/api/leads/triage", map[string]any{"title": "x"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLatencyDiagnostics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminToken = "admin"
	f := newFixture(t, cfg)
	f.recorder.Record("agent.run", 120)
	f.recorder.Record("agent.run", 80)

	resp, err := f.server.Client().Get(f.server.URL + "/api/diagnostics/latency")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap telemetry.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 2, snap.Metrics["agent.run"].Count)

	denied := f.post(t, "/api/diagnostics/latency/reset", map[string]any{}, map[string]string{"X-Admin-Token": "nope"})
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)
	assert.Equal(t, 2, f.recorder.Snapshot().Metrics["agent.run"].Count)

	ok := f.post(t, "/api/diagnostics/latency/reset", map[string]any{}, map[string]string{"X-Admin-Token": "admin"})
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Empty(t, f.recorder.Snapshot().Metrics)

	metrics, err := f.server.Client().Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestResetDisabledWithoutAdminToken(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	resp := f.post(t, "/api/diagnostics/latency/reset", map[string]any{}, map[string]string{"X-Admin-Token": ""})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:8090"))
	assert.True(t, isLoopback("localhost:80"))
	assert.False(t, isLoopback(":8090"))
	assert.False(t, isLoopback("0.0.0.0:8090"))
}
