package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/gateway"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/scheduler"
)

// newServeCmd creates the `earlymark serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and background jobs",
		Long: `Start earlymark as a daemon: opens and migrates the database, connects
to the model provider, and serves the channel adapter API.

Examples:
  earlymark serve
  earlymark serve --addr 0.0.0.0:8090
  earlymark serve --config ./earlymark.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides gateway.address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Gateway.Address = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Data ──
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	searcher := newSearcher(ctx, cfg, st, logger)

	// ── Model ──
	model, err := llm.New(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("model provider: %w", err)
	}

	rt, err := buildRuntime(cfg, st, searcher, model, logger)
	if err != nil {
		return err
	}

	// ── Gateway ──
	deps := gateway.Deps{
		Agent:    rt.agent,
		Triage:   rt.triage,
		Verdicts: st,
		Latency:  rt.recorder,
	}
	if rt.registry != nil {
		deps.Metrics = rt.registry
	}
	gw := gateway.New(deps, cfg.Gateway, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	// ── Scheduler ──
	sched := scheduler.New(logger)
	if cfg.Telemetry.ReportSchedule != "" {
		if err := sched.Add(scheduler.Job{
			Name:     scheduler.LatencyReportJob,
			Schedule: cfg.Telemetry.ReportSchedule,
			Run:      scheduler.LatencyReport(rt.recorder, logger),
		}); err != nil {
			return err
		}
	}
	sched.Start()

	logger.Info("earlymark running. Press Ctrl+C to stop.",
		"model", model.Name(),
		"embeddings", cfg.Memory.Provider,
		"address", cfg.Gateway.Address,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	sched.Stop()
	logger.Info("shutdown complete")
	return nil
}
