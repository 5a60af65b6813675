package telemetry

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderSanitizesSamples(t *testing.T) {
	rec := NewRecorder()

	rec.Record("m", -5)
	rec.Record("m", math.NaN())
	rec.Record("m", math.Inf(1))
	rec.Record("m", 12.6)

	s := rec.Snapshot().Metrics["m"]
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, int64(0), s.MinMs)
	assert.Equal(t, int64(13), s.MaxMs)
}

func TestRecorderWindowCapacity(t *testing.T) {
	t.Run("default window keeps the newest 500", func(t *testing.T) {
		rec := NewRecorder()
		for i := 1; i <= 600; i++ {
			rec.Record("m", float64(i))
		}
		s := rec.Snapshot().Metrics["m"]
		assert.Equal(t, 500, s.Count)
		assert.Equal(t, int64(101), s.MinMs)
		assert.Equal(t, int64(600), s.MaxMs)
	})

	t.Run("custom window", func(t *testing.T) {
		rec := NewRecorder(WithWindowSize(3))
		for _, v := range []float64{1, 2, 3, 4} {
			rec.Record("m", v)
		}
		s := rec.Snapshot().Metrics["m"]
		assert.Equal(t, 3, s.Count)
		assert.Equal(t, int64(2), s.MinMs)
		assert.Equal(t, int64(3), s.AvgMs)
	})
}

func TestRecorderSummary(t *testing.T) {
	rec := NewRecorder()
	for i := 1; i <= 100; i++ {
		rec.Record("tool", float64(i))
	}
	s := rec.Snapshot().Metrics["tool"]

	assert.Equal(t, 100, s.Count)
	assert.Equal(t, int64(1), s.MinMs)
	assert.Equal(t, int64(100), s.MaxMs)
	assert.Equal(t, int64(51), s.AvgMs) // 50.5 rounds half away from zero
	assert.Equal(t, int64(50), s.P50Ms)
	assert.Equal(t, int64(95), s.P95Ms)
	assert.True(t, s.MinMs <= s.P50Ms && s.P50Ms <= s.P95Ms && s.P95Ms <= s.MaxMs)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []int64
		p      float64
		want   int64
	}{
		{"empty", nil, 50, 0},
		{"single", []int64{7}, 95, 7},
		{"p50 of two", []int64{1, 9}, 50, 1},
		{"p95 of two", []int64{1, 9}, 95, 9},
		{"p0 clamps low", []int64{3, 4, 5}, 0, 3},
		{"p100 clamps high", []int64{3, 4, 5}, 100, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentile(tt.sorted, tt.p))
		})
	}
}

func TestRecorderReset(t *testing.T) {
	rec := NewRecorder()
	rec.Record("a", 1)
	rec.Record("b", 2)
	require.Len(t, rec.Snapshot().Metrics, 2)

	rec.Reset()
	snap := rec.Snapshot()
	assert.Empty(t, snap.Metrics)
	assert.Equal(t, DefaultWindowSize, snap.WindowSize)
}

func TestRecorderTime(t *testing.T) {
	rec := NewRecorder()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	rec.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 40 * time.Millisecond)
	}

	d := rec.Time("agent.run")()
	assert.Equal(t, 40*time.Millisecond, d)
	assert.Equal(t, int64(40), rec.Snapshot().Metrics["agent.run"].MaxMs)
}

func TestRecorderConcurrent(t *testing.T) {
	rec := NewRecorder()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			metric := "m" + strings.Repeat("x", g%2)
			for i := 0; i < 200; i++ {
				rec.Record(metric, float64(i))
				if i%50 == 0 {
					_ = rec.Snapshot()
				}
			}
		}(g)
	}
	wg.Wait()

	snap := rec.Snapshot()
	assert.Equal(t, 500, snap.Metrics["m"].Count)
	assert.Equal(t, 500, snap.Metrics["mx"].Count)
}

func TestRecorderPrometheusMirror(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(WithRegisterer(reg))

	rec.Record("agent.model_call", 250)
	rec.Record("agent.model_call", 750)

	count, err := testutil.GatherAndCount(reg, "earlymark_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
