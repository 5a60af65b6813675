package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/memory"
)

const ws = "ws-1"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	version, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestWorkspaceSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.WorkspaceSettings(ctx, ws)
	require.NoError(t, err)
	assert.Nil(t, got)

	lo, hi := 120.0, 180.0
	require.NoError(t, s.PutSettings(ctx, domain.WorkspaceSettings{
		WorkspaceID:     ws,
		BusinessName:    "Acme Plumbing",
		AutonomyMode:    domain.ModeOrganize,
		CallOutFee:      89,
		Glossary:        []domain.GlossaryEntry{{TaskName: "Tap washer", MinFee: &lo, MaxFee: &hi}},
		ServiceRadiusKm: 30,
	}))

	got, err = s.WorkspaceSettings(ctx, ws)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme Plumbing", got.BusinessName)
	assert.Equal(t, domain.ModeOrganize, got.AutonomyMode)
	assert.Equal(t, 30.0, got.ServiceRadiusKm)
	require.Len(t, got.Glossary, 1)
	assert.Equal(t, 180.0, *got.Glossary[0].MaxFee)

	require.NoError(t, s.PutSettings(ctx, domain.WorkspaceSettings{WorkspaceID: ws, BusinessName: "Acme"}))
	got, err = s.WorkspaceSettings(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.BusinessName)
	assert.Equal(t, domain.ModeReceptionist, got.AutonomyMode)
}

func TestKnowledgeRules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddKnowledgeRule(ctx, ws, domain.CategoryService, "Blocked drains")
	require.NoError(t, err)
	neg, err := s.AddKnowledgeRule(ctx, ws, domain.CategoryNegativeScope, "No gas work")
	require.NoError(t, err)
	_, err = s.AddKnowledgeRule(ctx, "other", domain.CategoryService, "Roofing")
	require.NoError(t, err)

	rules, err := s.KnowledgeRules(ctx, ws, domain.CategoryNegativeScope)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "No gas work", rules[0].RuleContent)

	all, err := s.ActiveKnowledgeRules(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.SetRuleActive(ctx, neg.ID, false))
	rules, err = s.KnowledgeRules(ctx, ws, domain.CategoryNegativeScope)
	require.NoError(t, err)
	assert.Empty(t, rules)

	assert.ErrorIs(t, s.SetRuleActive(ctx, "missing", true), domain.ErrNotFound)
}

func TestBaseCoordinate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.BaseCoordinate(ctx, ws)
	require.NoError(t, err)
	assert.Nil(t, p)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.AddDeal(ctx, domain.Deal{WorkspaceID: ws, Title: "later", Location: &domain.GeoPoint{Lat: 2, Lng: 2}, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.AddDeal(ctx, domain.Deal{WorkspaceID: ws, Title: "no location", CreatedAt: base.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.AddDeal(ctx, domain.Deal{WorkspaceID: ws, Title: "first", Location: &domain.GeoPoint{Lat: -33.87, Lng: 151.21}, CreatedAt: base})
	require.NoError(t, err)

	p, err = s.BaseCoordinate(ctx, ws)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, -33.87, p.Lat)
}

func TestConversationTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i, c := range []string{"one", "two", "three"} {
		role := domain.RoleUser
		if i == 1 {
			role = domain.RoleAssistant
		}
		// identical timestamps: order comes from insertion
		require.NoError(t, s.AppendTurn(ctx, domain.ConversationTurn{
			WorkspaceID: ws, ConversationRef: "c1", Channel: domain.ChannelSMS, Role: role, Content: c, CreatedAt: at,
		}))
	}
	require.NoError(t, s.AppendTurn(ctx, domain.ConversationTurn{
		WorkspaceID: ws, ConversationRef: "c1", Role: domain.RoleTool, ToolName: "log_note", ToolCallID: "call-1",
		ToolArgs: map[string]any{"content": "x"}, ToolError: "boom",
	}))
	require.NoError(t, s.AppendTurn(ctx, domain.ConversationTurn{WorkspaceID: ws, ConversationRef: "c2", Role: domain.RoleUser, Content: "other"}))

	turns, err := s.RecentTurns(ctx, ws, "c1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, domain.RoleTool, turns[0].Role)
	assert.Equal(t, "x", turns[0].ToolArgs["content"])
	assert.Equal(t, "boom", turns[0].ToolError)
	assert.Equal(t, "three", turns[1].Content)
	assert.Equal(t, "two", turns[2].Content)
	assert.Equal(t, domain.ChannelSMS, turns[1].Channel)

	all, err := s.RecentTurns(ctx, ws, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryEntriesWithSearcher(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMemoryEntry(ctx, memory.Entry{WorkspaceID: ws, Content: "vector", Embedding: []float32{0.5, -1.25, 3}}))
	entries, err := s.MemoryEntries(ctx, ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []float32{0.5, -1.25, 3}, entries[0].Embedding)

	searcher := memory.NewSearcher(s, nil, nil)
	_, err = searcher.Remember(ctx, ws, "Customer's dog is friendly but loud")
	require.NoError(t, err)

	got, err := searcher.SearchMemory(ctx, ws, "is the dog ok?", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "dog")
}

func TestContacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, created, err := s.FindOrCreateContact(ctx, ws, domain.ContactInput{Name: "Sam Lee", Phone: "+61400000002"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.FindOrCreateContact(ctx, ws, domain.ContactInput{Name: "Samuel", Phone: "+61400000002"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)

	byName, created, err := s.FindOrCreateContact(ctx, ws, domain.ContactInput{Name: "sam lee"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, byName.ID)

	hits, err := s.SearchContacts(ctx, ws, "lee")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.SearchContacts(ctx, "other", "lee")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	loc := time.FixedZone("AEST", 10*3600)

	d, err := s.ScheduleJob(ctx, ws, domain.JobInput{
		Title: "Hot water install", ContactName: "Sam", ScheduledAt: time.Date(2026, 3, 2, 9, 0, 0, 0, loc), Value: 1800,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageScheduled, d.Stage)

	jobs, err := s.ScheduledJobs(ctx, ws, time.Date(2026, 3, 2, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Hot water install", jobs[0].Title)
	assert.True(t, jobs[0].ScheduledAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, loc)))

	jobs, err = s.ScheduledJobs(ctx, ws, time.Date(2026, 3, 3, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	moved, err := s.MoveDealStage(ctx, ws, "hot water", domain.StageCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, moved.Stage)

	flagged, err := s.AddLeadFlag(ctx, ws, "Hot Water", "Budget concern")
	require.NoError(t, err)
	assert.Equal(t, []string{"Budget concern"}, flagged.AgentFlags)

	_, err = s.MoveDealStage(ctx, ws, "roof", domain.StageLost)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SaveTriageVerdict(ctx, ws, d.ID, "QUOTE", []string{"Far away: 18km (near limit)"}))
	stored, err := s.Deal(ctx, ws, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "QUOTE", stored.TriageRecommendation)
	assert.Equal(t, []string{"Budget concern", "Far away: 18km (near limit)"}, stored.AgentFlags)
	assert.Equal(t, domain.StageCompleted, stored.Stage)

	assert.ErrorIs(t, s.SaveTriageVerdict(ctx, ws, "missing", "ACCEPT", nil), domain.ErrNotFound)
}

func TestRecordsAndOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.FindOrCreateContact(ctx, ws, domain.ContactInput{Name: "Sam", Phone: "+61400000002", Email: "sam@example.com"})
	require.NoError(t, err)

	sms, err := s.SendSMS(ctx, ws, "sam", "On our way")
	require.NoError(t, err)
	assert.Equal(t, "+61400000002", sms.Recipient)

	mail, err := s.SendEmail(ctx, ws, "Sam", "Quote", "Attached")
	require.NoError(t, err)
	assert.Equal(t, "sam@example.com", mail.Recipient)

	_, err = s.SendSMS(ctx, ws, "Nobody", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, err := s.Outbound(ctx, ws)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.ChannelSMS, out[0].Channel)
	assert.Equal(t, domain.ChannelEmail, out[1].Channel)

	p, err := s.CreateBookingProposal(ctx, ws, domain.BookingProposal{ContactName: "Sam", Description: "Leak", ProposedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", p.Status)

	due := time.Now().Add(24 * time.Hour)
	task, err := s.CreateTask(ctx, ws, domain.Task{Title: "Call back", DueAt: &due})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)

	a, err := s.LogActivity(ctx, ws, domain.Activity{Type: domain.ActivityNote, Content: "Gate code 1234"})
	require.NoError(t, err)
	assert.Equal(t, ws, a.WorkspaceID)
}

func TestVectorCodec(t *testing.T) {
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
	v := []float32{1, -2.5, 0}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}
