// Package gateway – gateway.go serves the HTTP channel adapter surface:
// inbound messages (JSON or SSE), lead triage, latency diagnostics and
// Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

const version = "0.1.0"

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address (default: 127.0.0.1:8090).
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on /api/*.
	AuthToken string `yaml:"auth_token"`

	// AdminToken guards the diagnostics reset. Empty disables the reset.
	AdminToken string `yaml:"admin_token"`

	// RateLimitPerMinute bounds inbound messages per workspace. 0 disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" validate:"gte=0"`

	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Address:            "127.0.0.1:8090",
		RateLimitPerMinute: 60,
	}
}

// InboundHandler answers inbound channel messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in agent.Inbound, hooks agent.Hooks) (*agent.Outcome, error)
}

// LeadTriager evaluates a lead.
type LeadTriager interface {
	Triage(ctx context.Context, workspaceID string, lead domain.Lead) triage.Verdict
}

// VerdictSaver persists a triage verdict onto a lead.
type VerdictSaver interface {
	SaveTriageVerdict(ctx context.Context, workspaceID, leadID, recommendation string, flags []string) error
}

// LatencySource exposes the latency ring buffers.
type LatencySource interface {
	Snapshot() telemetry.Snapshot
	Reset()
}

// Deps are the gateway's collaborators. Verdicts, Latency and Metrics are
// optional; the routes they back answer 404 when absent.
type Deps struct {
	Agent    InboundHandler
	Triage   LeadTriager
	Verdicts VerdictSaver
	Latency  LatencySource
	Metrics  prometheus.Gatherer
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	deps      Deps
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates a Gateway.
func New(deps Deps, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /api/inbound", g.handleInbound)
	mux.HandleFunc("POST /api/leads/triage", g.handleTriage)
	mux.HandleFunc("GET /api/diagnostics/latency", g.handleLatency)
	mux.HandleFunc("POST /api/diagnostics/latency/reset", g.handleLatencyReset)
	if g.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g.deps.Metrics, promhttp.HandlerOpts{}))
	}

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start listens in the background until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// allow reports whether workspaceID may send another inbound message.
func (g *Gateway) allow(workspaceID string) bool {
	if g.config.RateLimitPerMinute <= 0 {
		return true
	}
	g.limitersMu.Lock()
	lim, ok := g.limiters[workspaceID]
	if !ok {
		n := g.config.RateLimitPerMinute
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		g.limiters[workspaceID] = lim
	}
	g.limitersMu.Unlock()
	return lim.Allow()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
