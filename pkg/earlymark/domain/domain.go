// Package domain holds the data model shared by the Earlymark agent core:
// conversation turns, workspace settings, knowledge rules and leads, plus
// the collaborator interfaces the core reads from and writes through.
package domain

import (
	"strings"
	"time"
)

// Channel identifies the medium a message arrived on.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelChat, ChannelSMS, ChannelEmail, ChannelVoice:
		return true
	}
	return false
}

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ConversationTurn is one persisted message in a conversation.
// Turns are append-only and strictly ordered per conversation.
type ConversationTurn struct {
	ID              string
	WorkspaceID     string
	ConversationRef string
	Channel         Channel
	Role            Role
	Content         string

	// Tool turns only.
	ToolName   string
	ToolCallID string
	ToolArgs   map[string]any
	ToolError  string

	CreatedAt time.Time
}

// AutonomyMode is the workspace-level setting that bounds what the agent
// may do without a human in the loop.
type AutonomyMode string

const (
	ModeReceptionist AutonomyMode = "RECEPTIONIST"
	ModeOrganize     AutonomyMode = "ORGANIZE"
	ModeExecute      AutonomyMode = "EXECUTE"
)

// ParseAutonomyMode maps a stored mode string to an AutonomyMode.
// The legacy "FILTER" value and anything unrecognised fall back to
// RECEPTIONIST, the most restrictive mode.
func ParseAutonomyMode(s string) AutonomyMode {
	switch AutonomyMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeExecute:
		return ModeExecute
	case ModeOrganize:
		return ModeOrganize
	default:
		return ModeReceptionist
	}
}

// KnowledgeCategory partitions workspace knowledge rules.
type KnowledgeCategory string

const (
	CategoryService       KnowledgeCategory = "SERVICE"
	CategoryPricing       KnowledgeCategory = "PRICING"
	CategoryNegativeScope KnowledgeCategory = "NEGATIVE_SCOPE"
)

// KnowledgeRule is a free-text business rule owned by a workspace.
type KnowledgeRule struct {
	ID          string
	WorkspaceID string
	Category    KnowledgeCategory
	RuleContent string
	Active      bool
}

// GlossaryEntry is an approved price for a named task.
type GlossaryEntry struct {
	TaskName string
	MinFee   *float64
	MaxFee   *float64
}

// WorkspaceSettings is the per-workspace configuration the agent reads.
type WorkspaceSettings struct {
	WorkspaceID  string
	BusinessName string
	TradeType    string
	AutonomyMode AutonomyMode

	// Working hours as "HH:MM". Empty means 08:00 to 17:00.
	WorkingHoursStart string
	WorkingHoursEnd   string

	CallOutFee float64
	Glossary   []GlossaryEntry

	BaseSuburb      string
	ServiceRadiusKm float64

	// Free-text owner preferences and no-go lines, one per line.
	Preferences       string
	ExclusionCriteria string

	OpeningMessage string
	ClosingMessage string
}

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// Lead is an inbound job request as seen by triage.
type Lead struct {
	ID          string
	Title       string
	Description string
	Address     string
	Location    *GeoPoint
}

// MemorySnippet is a ranked piece of long-term workspace memory.
type MemorySnippet struct {
	Content string
	Score   float64
}

// DefaultWorkingHoursStart and DefaultWorkingHoursEnd apply when a
// workspace has not configured its hours.
const (
	DefaultWorkingHoursStart = "08:00"
	DefaultWorkingHoursEnd   = "17:00"
)

// WorkingHours returns the effective working window.
func (s *WorkspaceSettings) WorkingHours() (start, end string) {
	start, end = DefaultWorkingHoursStart, DefaultWorkingHoursEnd
	if s == nil {
		return start, end
	}
	if s.WorkingHoursStart != "" {
		start = s.WorkingHoursStart
	}
	if s.WorkingHoursEnd != "" {
		end = s.WorkingHoursEnd
	}
	return start, end
}
