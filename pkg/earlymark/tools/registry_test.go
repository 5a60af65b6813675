package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func echoDef(name Name) Definition {
	return Definition{
		Name: name,
		InputSchema: schema(`{
			"type": "object",
			"properties": {"text": {"type": "string", "minLength": 1}},
			"required": ["text"]
		}`),
		Handler: func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			return "echo: " + args["text"].(string), nil
		},
	}
}

func call(name Name, args string) Call {
	return Call{ID: "call-1", Name: string(name), Arguments: json.RawMessage(args)}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("rejects names outside the closed set", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		err := r.Register(echoDef("shell_exec"))
		assert.ErrorIs(t, err, ErrUnknownName)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		require.NoError(t, r.Register(echoDef(LogNote)))
		assert.ErrorIs(t, r.Register(echoDef(LogNote)), ErrDuplicateTool)
	})

	t.Run("rejects invalid schema", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		def := echoDef(LogNote)
		def.InputSchema = schema(`{"type": 12}`)
		assert.Error(t, r.Register(def))
	})

	t.Run("sealed registry is read-only", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		require.NoError(t, r.Register(echoDef(LogNote)))
		r.Seal()
		assert.ErrorIs(t, r.Register(echoDef(SearchContacts)), ErrRegistrySealed)
		assert.Len(t, r.Definitions(), 1)
	})

	t.Run("definitions keep registration order", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		require.NoError(t, r.RegisterAll([]Definition{echoDef(SendSMS), echoDef(LogNote)}))
		defs := r.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, SendSMS, defs[0].Name)
		assert.Equal(t, LogNote, defs[1].Name)
	})
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("success records result and duration", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		require.NoError(t, r.Register(echoDef(LogNote)))

		out := r.Execute(ctx, Scope{WorkspaceID: "ws"}, call(LogNote, `{"text":"hi"}`))
		require.False(t, out.Failed())
		assert.Equal(t, "echo: hi", out.Result)
		assert.Equal(t, "echo: hi", out.Content())
		assert.Equal(t, "call-1", out.CallID)
		assert.Equal(t, 1, rec.Snapshot().Metrics[string(LogNote)].Count)
	})

	t.Run("schema violation never reaches the handler", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		var called atomic.Bool
		def := echoDef(LogNote)
		def.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			called.Store(true)
			return nil, nil
		}
		require.NoError(t, r.Register(def))

		out := r.Execute(ctx, Scope{}, call(LogNote, `{"text": 5}`))
		require.True(t, out.Failed())
		var verr *ValidationError
		assert.ErrorAs(t, out.Err, &verr)
		assert.False(t, called.Load())
		assert.Equal(t, 1, rec.Snapshot().Metrics[string(LogNote)].Count)

		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(out.Content()), &payload))
		assert.Equal(t, "error", payload["status"])
		assert.Equal(t, string(LogNote), payload["tool"])
	})

	t.Run("malformed JSON is a validation failure", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		require.NoError(t, r.Register(echoDef(LogNote)))
		out := r.Execute(ctx, Scope{}, call(LogNote, `{"text":`))
		var verr *ValidationError
		assert.ErrorAs(t, out.Err, &verr)
	})

	t.Run("handler error is captured", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		def := echoDef(LogNote)
		def.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			return nil, errors.New("crm offline")
		}
		require.NoError(t, r.Register(def))

		out := r.Execute(ctx, Scope{}, call(LogNote, `{"text":"x"}`))
		assert.EqualError(t, out.Err, "crm offline")
		assert.Equal(t, 1, rec.Snapshot().Metrics[string(LogNote)].Count)
	})

	t.Run("handler panic is captured", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		def := echoDef(LogNote)
		def.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			panic("boom")
		}
		require.NoError(t, r.Register(def))

		out := r.Execute(ctx, Scope{}, call(LogNote, `{"text":"x"}`))
		require.Error(t, out.Err)
		assert.Contains(t, out.Err.Error(), "panicked")
	})

	t.Run("per-tool timeout", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		def := echoDef(LogNote)
		def.Timeout = 20 * time.Millisecond
		def.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		require.NoError(t, r.Register(def))

		out := r.Execute(ctx, Scope{}, call(LogNote, `{"text":"x"}`))
		assert.ErrorIs(t, out.Err, ErrToolTimeout)
		assert.Equal(t, 1, rec.Snapshot().Metrics[string(LogNote)].Count)
	})

	t.Run("unknown tool is not available", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		out := r.Execute(ctx, Scope{}, call("rm_rf", `{}`))
		assert.ErrorIs(t, out.Err, ErrToolNotAvailable)
		snap := rec.Snapshot()
		assert.Equal(t, 1, snap.Metrics[unavailableMetric].Count)
		assert.NotContains(t, snap.Metrics, "rm_rf")
	})

	t.Run("tool outside permitted set is not available", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		var called atomic.Bool
		def := echoDef(SendSMS)
		def.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
			called.Store(true)
			return nil, nil
		}
		require.NoError(t, r.Register(def))

		out := r.Execute(ctx, Scope{Permitted: []Name{LogNote}}, call(SendSMS, `{"text":"x"}`))
		assert.ErrorIs(t, out.Err, ErrToolNotAvailable)
		assert.False(t, called.Load())
	})

	t.Run("caller cancellation does not abort a started tool", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		started := make(chan struct{})
		def := echoDef(LogNote)
		def.Handler = func(hctx context.Context, scope Scope, args map[string]any) (any, error) {
			close(started)
			time.Sleep(30 * time.Millisecond)
			return "finished", hctx.Err()
		}
		require.NoError(t, r.Register(def))

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			<-started
			cancel()
		}()
		out := r.Execute(cctx, Scope{}, call(LogNote, `{"text":"x"}`))
		require.NoError(t, out.Err)
		assert.Equal(t, "finished", out.Result)
	})
}

func TestRegistryExecuteBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("results keep call order", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		require.NoError(t, r.RegisterAll([]Definition{echoDef(LogNote), echoDef(SearchContacts)}))

		calls := []Call{
			{ID: "a", Name: string(SearchContacts), Arguments: json.RawMessage(`{"text":"one"}`)},
			{ID: "b", Name: string(LogNote), Arguments: json.RawMessage(`{"text":"two"}`)},
			{ID: "c", Name: "nope"},
		}
		out := r.ExecuteBatch(ctx, Scope{}, calls)
		require.Len(t, out, 3)
		assert.Equal(t, "echo: one", out[0].Result)
		assert.Equal(t, "echo: two", out[1].Result)
		assert.ErrorIs(t, out[2].Err, ErrToolNotAvailable)
	})

	t.Run("committing batches run sequentially", func(t *testing.T) {
		r := NewRegistry(nil, testLogger())
		var inFlight, maxInFlight atomic.Int32
		mk := func(name Name, commits bool) Definition {
			d := echoDef(name)
			d.CommitsResource = commits
			d.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return "ok", nil
			}
			return d
		}
		require.NoError(t, r.RegisterAll([]Definition{mk(SendSMS, true), mk(LogNote, false)}))

		out := r.ExecuteBatch(ctx, Scope{}, []Call{
			call(SendSMS, `{"text":"x"}`),
			call(LogNote, `{"text":"y"}`),
		})
		require.Len(t, out, 2)
		assert.Equal(t, int32(1), maxInFlight.Load())
	})

	t.Run("calls not yet started are skipped after cancellation", func(t *testing.T) {
		rec := telemetry.NewRecorder()
		r := NewRegistry(rec, testLogger())
		var ran atomic.Int32
		mk := func(name Name, commits bool) Definition {
			d := echoDef(name)
			d.CommitsResource = commits
			d.Handler = func(ctx context.Context, scope Scope, args map[string]any) (any, error) {
				ran.Add(1)
				return "sent", nil
			}
			return d
		}
		require.NoError(t, r.RegisterAll([]Definition{mk(SendSMS, true), mk(LogNote, false), mk(SearchContacts, false)}))

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		for name, calls := range map[string][]Call{
			"sequential": {
				{ID: "a", Name: string(SendSMS), Arguments: json.RawMessage(`{"text":"one"}`)},
				{ID: "b", Name: string(SendSMS), Arguments: json.RawMessage(`{"text":"two"}`)},
			},
			"parallel": {
				{ID: "c", Name: string(LogNote), Arguments: json.RawMessage(`{"text":"one"}`)},
				{ID: "d", Name: string(SearchContacts), Arguments: json.RawMessage(`{"text":"two"}`)},
			},
		} {
			t.Run(name, func(t *testing.T) {
				out := r.ExecuteBatch(cctx, Scope{}, calls)
				require.Len(t, out, 2)
				for i, o := range out {
					assert.Equal(t, calls[i].ID, o.CallID)
					assert.ErrorIs(t, o.Err, ErrToolCancelled)
					assert.ErrorIs(t, o.Err, context.Canceled)
				}
			})
		}
		assert.Zero(t, ran.Load())
		assert.Empty(t, rec.Snapshot().Metrics)
	})
}

func TestFormatToolOutput(t *testing.T) {
	assert.Equal(t, "ok", formatToolOutput(nil))
	assert.Equal(t, "plain", formatToolOutput("plain"))
	assert.Equal(t, `{"a":1}`, formatToolOutput(map[string]int{"a": 1}))

	long := make([]byte, maxOutputChars+10)
	for i := range long {
		long[i] = 'x'
	}
	assert.Contains(t, formatToolOutput(string(long)), "(output truncated)")
}
