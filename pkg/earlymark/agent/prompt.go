package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/assembler"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/autonomy"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// BuildSystemPrompt renders the system prompt for one run.
func BuildSystemPrompt(b *assembler.Bundle, mode domain.AutonomyMode, now time.Time) string {
	s := b.Settings
	var sb strings.Builder

	name := s.BusinessName
	if name == "" {
		name = "this business"
	}
	trade := ""
	if s.TradeType != "" {
		trade = fmt.Sprintf(", a %s business", strings.ToLower(s.TradeType))
	}
	fmt.Fprintf(&sb, "You are the assistant for %s%s. You talk to customers on the owner's behalf.\n", name, trade)
	fmt.Fprintf(&sb, "Current time: %s.\n\n", now.Format("Monday 2 January 2006, 15:04 MST"))

	sb.WriteString(autonomy.ModeInstruction(mode))
	sb.WriteString("\n\n")

	start, end := s.WorkingHours()
	fmt.Fprintf(&sb, "WORKING HOURS: %s to %s. Never offer or book times outside these hours.\n\n", start, end)

	sb.WriteString("PRICING:\n")
	if s.CallOutFee <= 0 && len(s.Glossary) == 0 && len(b.PricingRules) == 0 {
		sb.WriteString("No approved pricing is configured. Never quote a price; say the owner will confirm pricing.\n")
	} else {
		sb.WriteString("Only quote prices listed here. For anything else, say the owner will confirm the price.\n")
		if s.CallOutFee > 0 {
			fmt.Fprintf(&sb, "- Standard call-out fee: $%.0f\n", s.CallOutFee)
		}
		for _, g := range s.Glossary {
			fmt.Fprintf(&sb, "- %s: %s\n", g.TaskName, priceRange(g))
		}
		for _, r := range b.PricingRules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	sb.WriteString("\n")

	if len(b.ServiceRules) > 0 {
		sb.WriteString("SERVICES WE OFFER:\n")
		for _, r := range b.ServiceRules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("LEAD QUALIFICATION:\n")
	if len(b.NegativeScopeRules) > 0 {
		sb.WriteString("Politely decline only when a request matches one of these no-go rules:\n")
		for _, r := range b.NegativeScopeRules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	sb.WriteString("Otherwise accept the enquiry. If something worries you (distance, budget, scope), record it privately with add_lead_flag instead of refusing.\n\n")

	if p := strings.TrimSpace(s.Preferences); p != "" {
		fmt.Fprintf(&sb, "OWNER PREFERENCES:\n%s\n\n", p)
	}
	if s.OpeningMessage != "" {
		fmt.Fprintf(&sb, "Open new conversations with: %q\n", s.OpeningMessage)
	}
	if s.ClosingMessage != "" {
		fmt.Fprintf(&sb, "Sign off with: %q\n", s.ClosingMessage)
	}
	if s.OpeningMessage != "" || s.ClosingMessage != "" {
		sb.WriteString("\n")
	}

	if len(b.MemorySnippets) > 0 {
		sb.WriteString("THINGS YOU REMEMBER:\n")
		for _, m := range b.MemorySnippets {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
		sb.WriteString("\n")
	}

	if b.HistorySummary != "" {
		sb.WriteString(b.HistorySummary)
		sb.WriteString("\n\n")
	}
	if actions := recentActions(b.History); actions != "" {
		sb.WriteString("ACTIONS ALREADY TAKEN IN THIS CONVERSATION:\n")
		sb.WriteString(actions)
		sb.WriteString("\n")
	}

	sb.WriteString(channelStyle(b.Channel))
	return sb.String()
}

func priceRange(g domain.GlossaryEntry) string {
	switch {
	case g.MinFee != nil && g.MaxFee != nil && *g.MinFee != *g.MaxFee:
		return fmt.Sprintf("$%.0f-$%.0f", *g.MinFee, *g.MaxFee)
	case g.MinFee != nil:
		return fmt.Sprintf("$%.0f", *g.MinFee)
	case g.MaxFee != nil:
		return fmt.Sprintf("up to $%.0f", *g.MaxFee)
	default:
		return "price on confirmation"
	}
}

func recentActions(history []domain.ConversationTurn) string {
	var sb strings.Builder
	for _, t := range history {
		if t.Role != domain.RoleTool {
			continue
		}
		status := "ok"
		if t.ToolError != "" {
			status = "failed"
		}
		fmt.Fprintf(&sb, "- %s (%s)\n", t.ToolName, status)
	}
	return sb.String()
}

func channelStyle(c domain.Channel) string {
	switch c {
	case domain.ChannelSMS:
		return "CHANNEL: SMS. Reply in plain text under 320 characters. No markdown, no lists."
	case domain.ChannelEmail:
		return "CHANNEL: Email. Write a 3-6 sentence reply body only. No subject line, headers or signature block."
	case domain.ChannelVoice:
		return "CHANNEL: Voice call. Speak in short, natural sentences. No markdown, lists, URLs or symbols."
	default:
		return "CHANNEL: Web chat. Be friendly and concise."
	}
}
