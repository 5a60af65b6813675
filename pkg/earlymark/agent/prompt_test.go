package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

func ptr(f float64) *float64 { return &f }

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	t.Run("full workspace", func(t *testing.T) {
		b := &assembler.Bundle{
			Channel: domain.ChannelSMS,
			Settings: domain.WorkspaceSettings{
				BusinessName: "Acme Plumbing",
				TradeType:    "Plumbing",
				CallOutFee:   89,
				Glossary: []domain.GlossaryEntry{
					{TaskName: "Tap washer", MinFee: ptr(120), MaxFee: ptr(180)},
					{TaskName: "Drain clear", MinFee: ptr(250)},
				},
				WorkingHoursStart: "07:00",
				WorkingHoursEnd:   "15:00",
				Preferences:       "No jobs on Fridays.",
				ClosingMessage:    "Cheers, Acme",
			},
			ServiceRules:       []string{"Blocked drains"},
			NegativeScopeRules: []string{"No gas work"},
			MemorySnippets:     []string{"Customer prefers mornings"},
			HistorySummary:     "Earlier in this conversation:\n- customer: hi",
			History: []domain.ConversationTurn{
				{Role: domain.RoleTool, ToolName: "log_note"},
				{Role: domain.RoleTool, ToolName: "send_sms", ToolError: "boom"},
			},
		}
		p := BuildSystemPrompt(b, domain.ModeExecute, now)

		for _, want := range []string{
			"Acme Plumbing, a plumbing business",
			"Monday 2 March 2026, 10:30 UTC",
			"MODE: EXECUTE",
			"WORKING HOURS: 07:00 to 15:00",
			"Standard call-out fee: $89",
			"Tap washer: $120-$180",
			"Drain clear: $250",
			"SERVICES WE OFFER:\n- Blocked drains",
			"- No gas work",
			"OWNER PREFERENCES:\nNo jobs on Fridays.",
			`Sign off with: "Cheers, Acme"`,
			"THINGS YOU REMEMBER:\n- Customer prefers mornings",
			"- customer: hi",
			"- log_note (ok)",
			"- send_sms (failed)",
			"CHANNEL: SMS",
		} {
			assert.Contains(t, p, want)
		}
		assert.Less(t, strings.Index(p, "MODE:"), strings.Index(p, "PRICING:"))
		assert.Less(t, strings.Index(p, "PRICING:"), strings.Index(p, "CHANNEL:"))
	})

	t.Run("empty workspace", func(t *testing.T) {
		p := BuildSystemPrompt(&assembler.Bundle{}, domain.ModeReceptionist, now)
		assert.Contains(t, p, "this business")
		assert.Contains(t, p, "MODE: RECEPTIONIST")
		assert.Contains(t, p, "WORKING HOURS: 08:00 to 17:00")
		assert.Contains(t, p, "Never quote a price")
		assert.NotContains(t, p, "SERVICES WE OFFER")
		assert.NotContains(t, p, "THINGS YOU REMEMBER")
		assert.Contains(t, p, "CHANNEL: Web chat")
	})
}

func TestPromisesFollowUp(t *testing.T) {
	assert.True(t, promisesFollowUp("Someone will be in touch shortly"))
	assert.True(t, promisesFollowUp("We'll FOLLOW UP tomorrow"))
	assert.False(t, promisesFollowUp("Thanks for the details"))
}
