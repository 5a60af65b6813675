package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by collaborators when a referenced record does
// not exist.
var ErrNotFound = errors.New("not found")

// WorkspaceReader reads workspace configuration and knowledge.
type WorkspaceReader interface {
	// WorkspaceSettings returns nil, nil when the workspace has no settings.
	WorkspaceSettings(ctx context.Context, workspaceID string) (*WorkspaceSettings, error)

	// KnowledgeRules returns the active rules of one category.
	KnowledgeRules(ctx context.Context, workspaceID string, category KnowledgeCategory) ([]KnowledgeRule, error)

	// ActiveKnowledgeRules returns every active rule for the workspace.
	ActiveKnowledgeRules(ctx context.Context, workspaceID string) ([]KnowledgeRule, error)

	// BaseCoordinate returns the coordinate of the earliest geocoded deal,
	// or nil, nil when none exists.
	BaseCoordinate(ctx context.Context, workspaceID string) (*GeoPoint, error)
}

// HistoryReader reads conversation history.
type HistoryReader interface {
	// RecentTurns returns up to limit turns, most recent first.
	RecentTurns(ctx context.Context, workspaceID, conversationRef string, limit int) ([]ConversationTurn, error)
}

// TurnWriter appends conversation turns.
type TurnWriter interface {
	AppendTurn(ctx context.Context, turn ConversationTurn) error
}

// MemorySearcher returns memory snippets relevant to a query, best first.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, workspaceID, query string, limit int) ([]MemorySnippet, error)
}

// TriageRecorder persists a triage outcome onto a lead.
type TriageRecorder interface {
	SaveTriageVerdict(ctx context.Context, workspaceID, leadID, recommendation string, flags []string) error
}

// Operations is the mutation and lookup surface tool handlers call into.
type Operations interface {
	ScheduledJobs(ctx context.Context, workspaceID string, day time.Time) ([]Deal, error)
	ScheduleJob(ctx context.Context, workspaceID string, in JobInput) (*Deal, error)
	MoveDealStage(ctx context.Context, workspaceID, dealTitle, stage string) (*Deal, error)
	AddLeadFlag(ctx context.Context, workspaceID, dealTitle, flag string) (*Deal, error)

	FindOrCreateContact(ctx context.Context, workspaceID string, in ContactInput) (*Contact, bool, error)
	SearchContacts(ctx context.Context, workspaceID, query string) ([]Contact, error)

	CreateBookingProposal(ctx context.Context, workspaceID string, p BookingProposal) (*BookingProposal, error)
	CreateTask(ctx context.Context, workspaceID string, t Task) (*Task, error)
	LogActivity(ctx context.Context, workspaceID string, a Activity) (*Activity, error)

	SendSMS(ctx context.Context, workspaceID, contactName, body string) (*OutboundMessage, error)
	SendEmail(ctx context.Context, workspaceID, contactName, subject, body string) (*OutboundMessage, error)
}
