package domain

import "time"

// Deal stages used by the pipeline.
const (
	StageNewRequest   = "NEW"
	StageQuoteSent    = "CONTACTED"
	StageScheduled    = "SCHEDULED"
	StageNegotiation  = "NEGOTIATION"
	StageCompleted    = "WON"
	StageLost         = "LOST"
	StagePendingOwner = "PENDING_APPROVAL"
)

// Contact is a customer record.
type Contact struct {
	ID          string
	WorkspaceID string
	Name        string
	Phone       string
	Email       string
	Address     string
	CreatedAt   time.Time
}

// ContactInput is the payload for creating or matching a contact.
type ContactInput struct {
	Name    string
	Phone   string
	Email   string
	Address string
}

// Deal is a lead or job in the workspace pipeline.
type Deal struct {
	ID          string
	WorkspaceID string
	ContactID   string
	Title       string
	Stage       string
	Value       float64
	Address     string
	Location    *GeoPoint
	ScheduledAt *time.Time

	TriageRecommendation string
	AgentFlags           []string

	CreatedAt time.Time
}

// JobInput is the payload for scheduling a job.
type JobInput struct {
	Title       string
	ContactName string
	Address     string
	ScheduledAt time.Time
	Value       float64
}

// BookingProposal is a suggested booking that waits for owner confirmation.
type BookingProposal struct {
	ID          string
	WorkspaceID string
	ContactName string
	Description string
	ProposedAt  time.Time
	Status      string
	CreatedAt   time.Time
}

// Task is a follow-up item for the owner or team.
type Task struct {
	ID          string
	WorkspaceID string
	Title       string
	DueAt       *time.Time
	DealTitle   string
	CreatedAt   time.Time
}

// ActivityType classifies a logged activity.
type ActivityType string

const (
	ActivityCall    ActivityType = "CALL"
	ActivityEmail   ActivityType = "EMAIL"
	ActivityNote    ActivityType = "NOTE"
	ActivityMeeting ActivityType = "MEETING"
	ActivityTask    ActivityType = "TASK"
)

// Activity is a timeline entry on a deal or contact.
type Activity struct {
	ID          string
	WorkspaceID string
	Type        ActivityType
	Title       string
	Content     string
	ContactName string
	CreatedAt   time.Time
}

// OutboundMessage is a message the agent sent on the owner's behalf.
type OutboundMessage struct {
	ID          string
	WorkspaceID string
	Channel     Channel
	ContactName string
	Recipient   string
	Subject     string
	Body        string
	CreatedAt   time.Time
}
