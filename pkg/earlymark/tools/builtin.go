package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// Builtin returns the CRM tool catalogue bound to ops.
func Builtin(ops domain.Operations) []Definition {
	b := &builtin{ops: ops}
	return []Definition{
		{
			Name:              LogNote,
			Description:       "Record a note about the conversation on the customer's timeline. Use for anything the customer tells you that the owner should see.",
			InformationalOnly: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "minLength": 1, "description": "The note text."},
					"contactName": {"type": "string", "description": "Customer the note is about."}
				},
				"required": ["content"]
			}`),
			Handler: b.logNote,
		},
		{
			Name:              RecordContactDetails,
			Description:       "Save the customer's contact details. Reuses an existing contact with the same phone or email.",
			InformationalOnly: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"phone": {"type": "string"},
					"email": {"type": "string"},
					"address": {"type": "string"}
				},
				"required": ["name"]
			}`),
			Handler: b.recordContact,
		},
		{
			Name:              AddLeadFlag,
			Description:       "Attach a private triage note to a lead for the owner to review, e.g. a concern about distance or scope.",
			InformationalOnly: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"dealTitle": {"type": "string", "minLength": 1},
					"flag": {"type": "string", "minLength": 1}
				},
				"required": ["dealTitle", "flag"]
			}`),
			Handler: b.addLeadFlag,
		},
		{
			Name:        CheckAvailability,
			Description: "List free one-hour slots inside working hours on a date (YYYY-MM-DD).",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
				},
				"required": ["date"]
			}`),
			Handler: b.checkAvailability,
		},
		{
			Name:        SearchContacts,
			Description: "Search contacts by name, phone or email.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1}
				},
				"required": ["query"]
			}`),
			Handler: b.searchContacts,
		},
		{
			Name:        ProposeBooking,
			Description: "Draft a booking for the owner to confirm. Does not commit the time slot.",
			Proposes:    true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"contactName": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"proposedTime": {"type": "string", "description": "YYYY-MM-DDTHH:MM or RFC3339."}
				},
				"required": ["contactName", "description", "proposedTime"]
			}`),
			Handler: b.proposeBooking,
		},
		{
			Name:        CreateTask,
			Description: "Create a follow-up task or reminder for the owner.",
			Proposes:    true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"dueAt": {"type": "string"},
					"dealTitle": {"type": "string"}
				},
				"required": ["title"]
			}`),
			Handler: b.createTask,
		},
		{
			Name:            ScheduleJob,
			Description:     "Book a job into the calendar. Only inside working hours.",
			CommitsResource: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"contactName": {"type": "string", "minLength": 1},
					"address": {"type": "string"},
					"scheduledAt": {"type": "string", "description": "YYYY-MM-DDTHH:MM or RFC3339."},
					"value": {"type": "number", "minimum": 0}
				},
				"required": ["title", "contactName", "scheduledAt"]
			}`),
			Handler: b.scheduleJob,
		},
		{
			Name:            MoveDealStage,
			Description:     "Move a deal to another pipeline stage.",
			CommitsResource: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"dealTitle": {"type": "string", "minLength": 1},
					"stage": {"type": "string", "enum": ["NEW", "CONTACTED", "NEGOTIATION", "SCHEDULED", "PENDING_APPROVAL", "WON", "LOST"]}
				},
				"required": ["dealTitle", "stage"]
			}`),
			Handler: b.moveDealStage,
		},
		{
			Name:            SendSMS,
			Description:     "Send an SMS to a contact.",
			CommitsResource: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"contactName": {"type": "string", "minLength": 1},
					"message": {"type": "string", "minLength": 1, "maxLength": 640}
				},
				"required": ["contactName", "message"]
			}`),
			Handler: b.sendSMS,
		},
		{
			Name:            SendEmail,
			Description:     "Send an email to a contact.",
			CommitsResource: true,
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"contactName": {"type": "string", "minLength": 1},
					"subject": {"type": "string", "minLength": 1},
					"body": {"type": "string", "minLength": 1}
				},
				"required": ["contactName", "subject", "body"]
			}`),
			Handler: b.sendEmail,
		},
	}
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

type builtin struct {
	ops domain.Operations
}

func (b *builtin) logNote(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	a, err := b.ops.LogActivity(ctx, scope.WorkspaceID, domain.Activity{
		Type:        domain.ActivityNote,
		Title:       "Note from " + string(scope.Channel),
		Content:     argString(args, "content"),
		ContactName: argString(args, "contactName"),
	})
	if err != nil {
		return nil, fmt.Errorf("log note: %w", err)
	}
	return fmt.Sprintf("Note saved (%s).", a.ID), nil
}

func (b *builtin) recordContact(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	c, created, err := b.ops.FindOrCreateContact(ctx, scope.WorkspaceID, domain.ContactInput{
		Name:    argString(args, "name"),
		Phone:   argString(args, "phone"),
		Email:   argString(args, "email"),
		Address: argString(args, "address"),
	})
	if err != nil {
		return nil, fmt.Errorf("record contact: %w", err)
	}
	if created {
		return fmt.Sprintf("Saved new contact %s.", c.Name), nil
	}
	return fmt.Sprintf("%s is already on file.", c.Name), nil
}

func (b *builtin) addLeadFlag(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	d, err := b.ops.AddLeadFlag(ctx, scope.WorkspaceID, argString(args, "dealTitle"), argString(args, "flag"))
	if err != nil {
		return nil, fmt.Errorf("flag lead: %w", err)
	}
	return fmt.Sprintf("Flag added to %q for owner review.", d.Title), nil
}

func (b *builtin) checkAvailability(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	loc := scope.location()
	day, err := time.ParseInLocation("2006-01-02", argString(args, "date"), loc)
	if err != nil {
		return nil, fmt.Errorf("date: %w", err)
	}
	startH, err := parseHour(scope.WorkingHoursStart, domain.DefaultWorkingHoursStart)
	if err != nil {
		return nil, err
	}
	endH, err := parseHour(scope.WorkingHoursEnd, domain.DefaultWorkingHoursEnd)
	if err != nil {
		return nil, err
	}

	jobs, err := b.ops.ScheduledJobs(ctx, scope.WorkspaceID, day)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	booked := make(map[int]bool, len(jobs))
	for _, j := range jobs {
		if j.ScheduledAt != nil {
			booked[j.ScheduledAt.In(loc).Hour()] = true
		}
	}

	var slots []string
	for h := startH; h < endH; h++ {
		if !booked[h] {
			slots = append(slots, fmt.Sprintf("%02d:00 - %02d:00", h, h+1))
		}
	}
	date := day.Format("2006-01-02")
	if len(slots) == 0 {
		return fmt.Sprintf("No available slots on %s.", date), nil
	}
	return fmt.Sprintf("Available slots on %s: %s", date, strings.Join(slots, ", ")), nil
}

func (b *builtin) searchContacts(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	contacts, err := b.ops.SearchContacts(ctx, scope.WorkspaceID, argString(args, "query"))
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	if len(contacts) == 0 {
		return "No matching contacts.", nil
	}
	type hit struct {
		Name  string `json:"name"`
		Phone string `json:"phone,omitempty"`
		Email string `json:"email,omitempty"`
	}
	out := make([]hit, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, hit{Name: c.Name, Phone: c.Phone, Email: c.Email})
	}
	return out, nil
}

func (b *builtin) proposeBooking(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	at, err := parseDateTime(argString(args, "proposedTime"), scope.location())
	if err != nil {
		return nil, err
	}
	p, err := b.ops.CreateBookingProposal(ctx, scope.WorkspaceID, domain.BookingProposal{
		ContactName: argString(args, "contactName"),
		Description: argString(args, "description"),
		ProposedAt:  at,
	})
	if err != nil {
		return nil, fmt.Errorf("propose booking: %w", err)
	}
	return fmt.Sprintf("Booking for %s on %s drafted; it will be confirmed by the owner.",
		p.ContactName, at.Format("Mon 2 Jan 15:04")), nil
}

func (b *builtin) createTask(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	task := domain.Task{
		Title:     argString(args, "title"),
		DealTitle: argString(args, "dealTitle"),
	}
	if due := argString(args, "dueAt"); due != "" {
		at, err := parseDateTime(due, scope.location())
		if err != nil {
			return nil, err
		}
		task.DueAt = &at
	}
	t, err := b.ops.CreateTask(ctx, scope.WorkspaceID, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return fmt.Sprintf("Task %q created.", t.Title), nil
}

func (b *builtin) scheduleJob(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	at, err := parseDateTime(argString(args, "scheduledAt"), scope.location())
	if err != nil {
		return nil, err
	}
	startH, err := parseHour(scope.WorkingHoursStart, domain.DefaultWorkingHoursStart)
	if err != nil {
		return nil, err
	}
	endH, err := parseHour(scope.WorkingHoursEnd, domain.DefaultWorkingHoursEnd)
	if err != nil {
		return nil, err
	}
	if at.Hour() < startH || at.Hour() >= endH {
		return nil, fmt.Errorf("%s is outside working hours (%02d:00 - %02d:00)", at.Format("15:04"), startH, endH)
	}

	d, err := b.ops.ScheduleJob(ctx, scope.WorkspaceID, domain.JobInput{
		Title:       argString(args, "title"),
		ContactName: argString(args, "contactName"),
		Address:     argString(args, "address"),
		ScheduledAt: at,
		Value:       argFloat(args, "value"),
	})
	if err != nil {
		return nil, fmt.Errorf("schedule job: %w", err)
	}
	return fmt.Sprintf("Job %q booked for %s.", d.Title, at.Format("Mon 2 Jan 15:04")), nil
}

func (b *builtin) moveDealStage(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	d, err := b.ops.MoveDealStage(ctx, scope.WorkspaceID, argString(args, "dealTitle"), argString(args, "stage"))
	if err != nil {
		return nil, fmt.Errorf("move deal: %w", err)
	}
	return fmt.Sprintf("Moved %q to %s.", d.Title, d.Stage), nil
}

func (b *builtin) sendSMS(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	m, err := b.ops.SendSMS(ctx, scope.WorkspaceID, argString(args, "contactName"), argString(args, "message"))
	if err != nil {
		return nil, fmt.Errorf("send sms: %w", err)
	}
	return fmt.Sprintf("SMS sent to %s.", m.ContactName), nil
}

func (b *builtin) sendEmail(ctx context.Context, scope Scope, args map[string]any) (any, error) {
	m, err := b.ops.SendEmail(ctx, scope.WorkspaceID, argString(args, "contactName"), argString(args, "subject"), argString(args, "body"))
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", m.ContactName), nil
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// parseHour reads the hour from an "HH:MM" string.
func parseHour(s, fallback string) (int, error) {
	if s == "" {
		s = fallback
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("working hours %q: %w", s, err)
	}
	return t.Hour(), nil
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date/time %q, use YYYY-MM-DDTHH:MM", s)
}
