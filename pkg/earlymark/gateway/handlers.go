package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type leadPayload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Address     string   `json:"address"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
}

func (p *leadPayload) toLead() *domain.Lead {
	if p == nil {
		return nil
	}
	lead := &domain.Lead{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Address:     p.Address,
	}
	if p.Lat != nil && p.Lng != nil {
		lead.Location = &domain.GeoPoint{Lat: *p.Lat, Lng: *p.Lng}
	}
	return lead
}

type inboundRequest struct {
	WorkspaceID     string       `json:"workspace_id"`
	Channel         string       `json:"channel"`
	From            string       `json:"from"`
	Text            string       `json:"text"`
	ConversationRef string       `json:"conversation_ref"`
	Lead            *leadPayload `json:"lead,omitempty"`
}

type toolCallSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type inboundResponse struct {
	Text      string            `json:"text"`
	Steps     int               `json:"steps"`
	Terminal  string            `json:"terminal"`
	ToolCalls []toolCallSummary `json:"tool_calls"`
	Verdict   *triage.Verdict   `json:"verdict,omitempty"`
}

type triageRequest struct {
	WorkspaceID string `json:"workspace_id"`
	LeadID      string `json:"lead_id"`
	leadPayload
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  uptime,
	})
}

// handleInbound implements POST /api/inbound.
func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	in := agent.Inbound{
		WorkspaceID:     req.WorkspaceID,
		Channel:         domain.Channel(strings.ToLower(req.Channel)),
		FromIdentity:    req.From,
		Text:            req.Text,
		ConversationRef: req.ConversationRef,
		Lead:            req.Lead.toLead(),
	}
	if err := in.Validate(); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !g.allow(in.WorkspaceID) {
		g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		g.streamInbound(w, r, in)
		return
	}

	out, err := g.deps.Agent.HandleInbound(r.Context(), in, agent.Hooks{})
	if err != nil {
		g.logger.Error("inbound failed",
			"workspace", in.WorkspaceID, "conversation", in.ConversationRef, "error", err)
		g.writeError(w, inboundErrorMessage(err), inboundErrorStatus(err))
		return
	}
	g.writeJSON(w, http.StatusOK, g.toResponse(out))
}

// streamInbound answers with SSE: one data frame per text fragment, tool
// frames as tools finish, then a done frame carrying the full outcome.
func (g *Gateway) streamInbound(w http.ResponseWriter, r *http.Request, in agent.Inbound) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(event string, v any) {
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(v))
		if flusher != nil {
			flusher.Flush()
		}
	}

	hooks := agent.Hooks{
		OnText: func(fragment string) {
			send("", map[string]string{"text": fragment})
		},
		OnEvent: func(e agent.Event) {
			if e.Kind == agent.EventToolResult && e.Record != nil {
				send("tool", summarize(*e.Record))
			}
		},
	}

	out, err := g.deps.Agent.HandleInbound(r.Context(), in, hooks)
	if err != nil {
		g.logger.Error("inbound stream failed",
			"workspace", in.WorkspaceID, "conversation", in.ConversationRef, "error", err)
		send("error", map[string]string{"message": inboundErrorMessage(err)})
		return
	}
	send("done", g.toResponse(out))
}

// toResponse builds the client view of out. Tool failures are logged in
// full here and reported to the client by code only.
func (g *Gateway) toResponse(out *agent.Outcome) inboundResponse {
	resp := inboundResponse{
		Text:      out.Text,
		Steps:     out.Steps,
		Terminal:  string(out.Terminal),
		ToolCalls: make([]toolCallSummary, 0, len(out.Invocations)),
		Verdict:   out.Verdict,
	}
	for _, rec := range out.Invocations {
		if rec.Err != nil {
			g.logger.Warn("tool call failed", "tool", rec.Tool, "call", rec.CallID, "error", rec.Err)
		}
		resp.ToolCalls = append(resp.ToolCalls, summarize(rec))
	}
	return resp
}

func summarize(rec tools.Record) toolCallSummary {
	return toolCallSummary{
		ID:         rec.CallID,
		Name:       string(rec.Tool),
		Error:      toolErrorCode(rec.Err),
		DurationMs: rec.Duration.Milliseconds(),
	}
}

// Tool error codes exposed to clients.
const (
	toolErrValidation   = "validation"
	toolErrNotAvailable = "not_available"
	toolErrTimeout      = "timeout"
	toolErrCancelled    = "cancelled"
	toolErrFailed       = "failed"
)

func toolErrorCode(err error) string {
	var verr *tools.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return toolErrValidation
	case errors.Is(err, tools.ErrToolNotAvailable):
		return toolErrNotAvailable
	case errors.Is(err, tools.ErrToolTimeout):
		return toolErrTimeout
	case errors.Is(err, tools.ErrToolCancelled), errors.Is(err, context.Canceled):
		return toolErrCancelled
	default:
		return toolErrFailed
	}
}

func inboundErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidInbound):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// inboundErrorMessage never echoes internal errors to the channel.
func inboundErrorMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrInvalidInbound):
		return err.Error()
	case errors.Is(err, agent.ErrCancelled):
		return "request cancelled"
	default:
		return "internal error"
	}
}

// handleTriage implements POST /api/leads/triage.
func (g *Gateway) handleTriage(w http.ResponseWriter, r *http.Request) {
	if g.deps.Triage == nil {
		g.writeError(w, "triage not configured", http.StatusNotFound)
		return
	}
	var req triageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		g.writeError(w, "workspace_id required", http.StatusBadRequest)
		return
	}
	lead := req.leadPayload.toLead()
	if req.LeadID != "" {
		lead.ID = req.LeadID
	}

	verdict := g.deps.Triage.Triage(r.Context(), req.WorkspaceID, *lead)

	if lead.ID != "" && g.deps.Verdicts != nil {
		err := g.deps.Verdicts.SaveTriageVerdict(r.Context(), req.WorkspaceID, lead.ID,
			string(verdict.Recommendation), verdict.Flags)
		if err != nil {
			g.logger.Warn("saving triage verdict failed",
				"workspace", req.WorkspaceID, "lead", lead.ID, "error", err)
		}
	}
	g.writeJSON(w, http.StatusOK, verdict)
}

// handleLatency implements GET /api/diagnostics/latency.
func (g *Gateway) handleLatency(w http.ResponseWriter, r *http.Request) {
	if g.deps.Latency == nil {
		g.writeError(w, "telemetry not configured", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, g.deps.Latency.Snapshot())
}

// handleLatencyReset implements POST /api/diagnostics/latency/reset. It
// requires the admin token in X-Admin-Token.
func (g *Gateway) handleLatencyReset(w http.ResponseWriter, r *http.Request) {
	if g.deps.Latency == nil {
		g.writeError(w, "telemetry not configured", http.StatusNotFound)
		return
	}
	if g.config.AdminToken == "" {
		g.writeError(w, "reset disabled", http.StatusForbidden)
		return
	}
	if !compareTokens(r.Header.Get("X-Admin-Token"), g.config.AdminToken) {
		g.writeError(w, "invalid admin token", http.StatusForbidden)
		return
	}
	g.deps.Latency.Reset()
	g.logger.Info("latency telemetry reset")
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
