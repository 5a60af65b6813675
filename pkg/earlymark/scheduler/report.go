package scheduler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
)

// LatencyReportJob is the name of the periodic latency report.
const LatencyReportJob = "latency-report"

// SnapshotSource provides latency snapshots.
type SnapshotSource interface {
	Snapshot() telemetry.Snapshot
}

// LatencyReport logs one line per metric with its window summary.
func LatencyReport(src SnapshotSource, logger *slog.Logger) JobFunc {
	logger = logger.With("component", "latency-report")
	return func(ctx context.Context) error {
		snap := src.Snapshot()
		if len(snap.Metrics) == 0 {
			logger.Debug("no latency samples")
			return nil
		}
		names := make([]string, 0, len(snap.Metrics))
		for name := range snap.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := snap.Metrics[name]
			logger.InfoContext(ctx, "latency",
				"metric", name,
				"count", m.Count,
				"avg_ms", m.AvgMs,
				"p50_ms", m.P50Ms,
				"p95_ms", m.P95Ms,
				"max_ms", m.MaxMs,
			)
		}
		return nil
	}
}
