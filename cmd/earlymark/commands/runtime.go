package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/config"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/memory"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

// backend is the data layer the runtime needs. Both the sqlite store and
// the in-memory store satisfy it.
type backend interface {
	domain.WorkspaceReader
	domain.HistoryReader
	domain.TurnWriter
	domain.TriageRecorder
	domain.Operations
}

// runtime holds the wired components shared by serve and chat.
type runtime struct {
	agent    *agent.Agent
	triage   *triage.Engine
	recorder *telemetry.Recorder
	registry *prometheus.Registry
}

// loadConfig loads the config named by --config, or the first one found,
// and resolves the model API key.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if found != "" {
		logger.Debug("config loaded", "path", found)
	}
	config.ResolveAPIKey(cfg, logger)
	return cfg, nil
}

// newLogger builds the slog logger from the logging section. --verbose
// forces debug.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("app", cfg.Name)
}

// bootstrap loads config with a provisional logger, then rebuilds the
// logger from the loaded config.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd, newLogger(cmd, config.DefaultConfig()))
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cmd, cfg), nil
}

// openStore opens and migrates the sqlite database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if _, err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newSearcher builds the embedding-backed memory searcher over st.
func newSearcher(ctx context.Context, cfg *config.Config, st memory.Source, logger *slog.Logger) *memory.Searcher {
	embedder, err := memory.NewEmbeddingProvider(ctx, cfg.Memory)
	if err != nil {
		logger.Warn("embeddings unavailable, memory search is keyword only", "error", err)
		embedder = nil
	}
	return memory.NewSearcher(st, embedder, logger)
}

// buildRuntime wires telemetry, tools, triage, context assembly and the
// agent on top of data and model.
func buildRuntime(cfg *config.Config, data backend, mem domain.MemorySearcher, model llm.Model, logger *slog.Logger) (*runtime, error) {
	var (
		promReg *prometheus.Registry
		opts    = []telemetry.Option{telemetry.WithWindowSize(cfg.Telemetry.WindowSize)}
	)
	if cfg.Telemetry.Prometheus {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, telemetry.WithRegisterer(promReg))
	}
	rec := telemetry.NewRecorder(opts...)

	reg := tools.NewRegistry(rec, logger)
	reg.SetTimeout(time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second)
	reg.SetMaxParallel(cfg.Tools.MaxParallel)
	if err := reg.RegisterAll(tools.Builtin(data)); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	reg.Seal()

	engine := triage.NewEngine(data, logger)
	engine.SetDefaultRadius(cfg.Triage.DefaultRadiusKm)

	a, err := agent.New(agent.Deps{
		Model:     model,
		Registry:  reg,
		Assembler: assembler.New(data, data, mem, cfg.Context, logger),
		Turns:     data,
		Triage:    engine,
		Recorder:  rec,
	}, cfg.Agent, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{agent: a, triage: engine, recorder: rec, registry: promReg}, nil
}
