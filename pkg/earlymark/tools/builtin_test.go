package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store/memstore"
)

func builtinRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	r := NewRegistry(nil, testLogger())
	require.NoError(t, r.RegisterAll(Builtin(st)))
	r.Seal()
	return r, st
}

func TestBuiltinCatalogue(t *testing.T) {
	defs := Builtin(memstore.New())
	seen := map[Name]bool{}
	for _, d := range defs {
		assert.True(t, d.Name.Valid(), d.Name)
		assert.False(t, seen[d.Name], "duplicate %s", d.Name)
		seen[d.Name] = true
		assert.False(t, d.CommitsResource && d.InformationalOnly, "%s cannot both commit and be informational", d.Name)
	}
	assert.Len(t, seen, len(Names()))
}

func TestBuiltinCheckAvailability(t *testing.T) {
	r, st := builtinRegistry(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	st.AddDeal(domain.Deal{WorkspaceID: "ws", Title: "Booked", ScheduledAt: &at})

	scope := Scope{WorkspaceID: "ws", WorkingHoursStart: "08:00", WorkingHoursEnd: "12:00", Location: time.UTC}
	out := r.Execute(ctx, scope, call(CheckAvailability, `{"date":"2026-03-10"}`))
	require.NoError(t, out.Err)
	assert.Equal(t, "Available slots on 2026-03-10: 08:00 - 09:00, 09:00 - 10:00, 11:00 - 12:00", out.Result)

	bad := r.Execute(ctx, scope, call(CheckAvailability, `{"date":"next tuesday"}`))
	var verr *ValidationError
	assert.ErrorAs(t, bad.Err, &verr)
}

func TestBuiltinScheduleJob(t *testing.T) {
	r, st := builtinRegistry(t)
	ctx := context.Background()
	scope := Scope{WorkspaceID: "ws", Location: time.UTC}

	t.Run("inside working hours", func(t *testing.T) {
		out := r.Execute(ctx, scope, call(ScheduleJob, `{"title":"Replace tap","contactName":"Sam","scheduledAt":"2026-03-11T09:00"}`))
		require.NoError(t, out.Err)
		jobs, err := st.ScheduledJobs(ctx, "ws", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StageScheduled, jobs[0].Stage)
	})

	t.Run("outside working hours", func(t *testing.T) {
		out := r.Execute(ctx, scope, call(ScheduleJob, `{"title":"Late job","contactName":"Sam","scheduledAt":"2026-03-11T19:00"}`))
		require.Error(t, out.Err)
		assert.Contains(t, out.Err.Error(), "outside working hours")
	})
}

func TestBuiltinContactsAndMessaging(t *testing.T) {
	r, st := builtinRegistry(t)
	ctx := context.Background()
	scope := Scope{WorkspaceID: "ws", Channel: domain.ChannelSMS}

	first := r.Execute(ctx, scope, call(RecordContactDetails, `{"name":"Jo Bloggs","phone":"0400111222"}`))
	require.NoError(t, first.Err)
	assert.Contains(t, first.Result, "Saved new contact")

	again := r.Execute(ctx, scope, call(RecordContactDetails, `{"name":"Jo B","phone":"0400111222"}`))
	require.NoError(t, again.Err)
	assert.Contains(t, again.Result, "already on file")

	sms := r.Execute(ctx, scope, call(SendSMS, `{"contactName":"Jo Bloggs","message":"On my way"}`))
	require.NoError(t, sms.Err)
	sent := st.Outbound("ws")
	require.Len(t, sent, 1)
	assert.Equal(t, "0400111222", sent[0].Recipient)

	missing := r.Execute(ctx, scope, call(SendEmail, `{"contactName":"Nobody","subject":"Hi","body":"Hello"}`))
	assert.ErrorIs(t, missing.Err, domain.ErrNotFound)
}

func TestBuiltinProposeBookingAndNote(t *testing.T) {
	r, st := builtinRegistry(t)
	ctx := context.Background()
	scope := Scope{WorkspaceID: "ws", Channel: domain.ChannelChat, Location: time.UTC}

	out := r.Execute(ctx, scope, call(ProposeBooking, `{"contactName":"Sam","description":"Blocked drain","proposedTime":"2026-03-12T14:00"}`))
	require.NoError(t, out.Err)
	assert.Contains(t, out.Result, "confirmed by the owner")
	require.Len(t, st.Proposals("ws"), 1)
	assert.Equal(t, "PENDING", st.Proposals("ws")[0].Status)

	note := r.Execute(ctx, scope, call(LogNote, `{"content":"Prefers mornings"}`))
	require.NoError(t, note.Err)
	acts := st.Activities("ws")
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActivityNote, acts[0].Type)
}
