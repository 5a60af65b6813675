package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

const dealColumns = `id, workspace_id, contact_id, title, stage, value, address, lat, lng,
	scheduled_at, triage_recommendation, agent_flags, created_at`

// AddDeal inserts a deal, filling ID, Stage and CreatedAt when empty.
func (s *Store) AddDeal(ctx context.Context, d domain.Deal) (*domain.Deal, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Stage == "" {
		d.Stage = domain.StageNewRequest
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if d.AgentFlags == nil {
		d.AgentFlags = []string{}
	}
	flags, err := json.Marshal(d.AgentFlags)
	if err != nil {
		return nil, fmt.Errorf("encode flags: %w", err)
	}
	var lat, lng sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: d.Location.Lng, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO deals (`+dealColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WorkspaceID, d.ContactID, d.Title, d.Stage, d.Value, d.Address, lat, lng,
		nullTime(d.ScheduledAt), d.TriageRecommendation, string(flags), formatTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert deal: %w", err)
	}
	return &d, nil
}

// Deal loads a deal by ID.
func (s *Store) Deal(ctx context.Context, workspaceID, id string) (*domain.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	d, err := scanDeal(row)
	if isNoRows(err) {
		return nil, notFound("deal", id)
	}
	return d, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(r rowScanner) (*domain.Deal, error) {
	var (
		d              domain.Deal
		lat, lng       sql.NullFloat64
		scheduled      sql.NullString
		flags, created string
	)
	if err := r.Scan(&d.ID, &d.WorkspaceID, &d.ContactID, &d.Title, &d.Stage, &d.Value, &d.Address,
		&lat, &lng, &scheduled, &d.TriageRecommendation, &flags, &created); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		d.Location = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	d.ScheduledAt = timePtr(scheduled)
	d.CreatedAt = parseTime(created)
	if flags != "" {
		_ = json.Unmarshal([]byte(flags), &d.AgentFlags)
	}
	return &d, nil
}

// findDeal matches a deal by case-insensitive title substring, newest first.
func (s *Store) findDeal(ctx context.Context, workspaceID, title string) (*domain.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE workspace_id = ? AND instr(lower(title), lower(?)) > 0
		ORDER BY created_at DESC LIMIT 1`, workspaceID, title)
	d, err := scanDeal(row)
	if isNoRows(err) {
		return nil, notFound("deal", title)
	}
	if err != nil {
		return nil, fmt.Errorf("find deal: %w", err)
	}
	return d, nil
}

func (s *Store) saveFlags(ctx context.Context, d *domain.Deal) error {
	flags, err := json.Marshal(d.AgentFlags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE deals SET agent_flags = ?, triage_recommendation = ? WHERE id = ?`,
		string(flags), d.TriageRecommendation, d.ID)
	if err != nil {
		return fmt.Errorf("update deal flags: %w", err)
	}
	return nil
}

// ── domain.TriageRecorder ──

func (s *Store) SaveTriageVerdict(ctx context.Context, workspaceID, leadID, recommendation string, flags []string) error {
	d, err := s.Deal(ctx, workspaceID, leadID)
	if err != nil {
		return err
	}
	d.TriageRecommendation = recommendation
	d.AgentFlags = append(d.AgentFlags, flags...)
	return s.saveFlags(ctx, d)
}

// ── domain.Operations ──

func (s *Store) ScheduledJobs(ctx context.Context, workspaceID string, day time.Time) ([]domain.Deal, error) {
	y, m, dd := day.Date()
	start := time.Date(y, m, dd, 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE workspace_id = ? AND scheduled_at IS NOT NULL AND scheduled_at >= ? AND scheduled_at < ?
		ORDER BY scheduled_at`, workspaceID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) ScheduleJob(ctx context.Context, workspaceID string, in domain.JobInput) (*domain.Deal, error) {
	c, _, err := s.FindOrCreateContact(ctx, workspaceID, domain.ContactInput{Name: in.ContactName, Address: in.Address})
	if err != nil {
		return nil, err
	}
	at := in.ScheduledAt
	return s.AddDeal(ctx, domain.Deal{
		WorkspaceID: workspaceID,
		ContactID:   c.ID,
		Title:       in.Title,
		Stage:       domain.StageScheduled,
		Value:       in.Value,
		Address:     in.Address,
		ScheduledAt: &at,
	})
}

func (s *Store) MoveDealStage(ctx context.Context, workspaceID, dealTitle, stage string) (*domain.Deal, error) {
	d, err := s.findDeal(ctx, workspaceID, dealTitle)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE deals SET stage = ? WHERE id = ?`, stage, d.ID); err != nil {
		return nil, fmt.Errorf("move deal: %w", err)
	}
	d.Stage = stage
	return d, nil
}

func (s *Store) AddLeadFlag(ctx context.Context, workspaceID, dealTitle, flag string) (*domain.Deal, error) {
	d, err := s.findDeal(ctx, workspaceID, dealTitle)
	if err != nil {
		return nil, err
	}
	d.AgentFlags = append(d.AgentFlags, flag)
	if err := s.saveFlags(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

const contactColumns = `id, workspace_id, name, phone, email, address, created_at`

func scanContact(r rowScanner) (*domain.Contact, error) {
	var (
		c       domain.Contact
		created string
	)
	if err := r.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Phone, &c.Email, &c.Address, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// FindOrCreateContact matches by phone, then email, then name when neither
// is given. The bool reports whether a contact was created.
func (s *Store) FindOrCreateContact(ctx context.Context, workspaceID string, in domain.ContactInput) (*domain.Contact, bool, error) {
	var (
		query string
		arg   string
	)
	switch {
	case in.Phone != "":
		query, arg = `phone = ?`, in.Phone
	case in.Email != "":
		query, arg = `lower(email) = lower(?)`, in.Email
	default:
		query, arg = `lower(name) = lower(?)`, in.Name
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE workspace_id = ? AND `+query+` ORDER BY created_at LIMIT 1`, workspaceID, arg)
	c, err := scanContact(row)
	if err == nil {
		return c, false, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("find contact: %w", err)
	}

	c = &domain.Contact{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       in.Email,
		Address:     in.Address,
		CreatedAt:   s.now(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, c.Phone, c.Email, c.Address, formatTime(c.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("create contact: %w", err)
	}
	return c, true, nil
}

func (s *Store) SearchContacts(ctx context.Context, workspaceID, query string) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE workspace_id = ?1 AND (instr(lower(name), lower(?2)) > 0 OR instr(phone, ?2) > 0 OR instr(lower(email), lower(?2)) > 0)
		ORDER BY name LIMIT 20`, workspaceID, strings.TrimSpace(query))
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateBookingProposal(ctx context.Context, workspaceID string, p domain.BookingProposal) (*domain.BookingProposal, error) {
	p.ID = uuid.NewString()
	p.WorkspaceID = workspaceID
	p.Status = "PENDING"
	p.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO booking_proposals
		(id, workspace_id, contact_name, description, proposed_at, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, workspaceID, p.ContactName, p.Description, formatTime(p.ProposedAt), p.Status, formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create booking proposal: %w", err)
	}
	return &p, nil
}

func (s *Store) CreateTask(ctx context.Context, workspaceID string, t domain.Task) (*domain.Task, error) {
	t.ID = uuid.NewString()
	t.WorkspaceID = workspaceID
	t.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, workspace_id, title, due_at, deal_title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, workspaceID, t.Title, nullTime(t.DueAt), t.DealTitle, formatTime(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) LogActivity(ctx context.Context, workspaceID string, a domain.Activity) (*domain.Activity, error) {
	a.ID = uuid.NewString()
	a.WorkspaceID = workspaceID
	a.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO activities (id, workspace_id, type, title, content, contact_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, workspaceID, string(a.Type), a.Title, a.Content, a.ContactName, formatTime(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("log activity: %w", err)
	}
	return &a, nil
}

// recipient resolves a contact's phone or email by name.
func (s *Store) recipient(ctx context.Context, workspaceID, contactName string, email bool) (string, error) {
	col := "phone"
	if email {
		col = "email"
	}
	var to string
	err := s.db.QueryRowContext(ctx, `SELECT `+col+` FROM contacts
		WHERE workspace_id = ? AND lower(name) = lower(?) AND `+col+` != ''
		ORDER BY created_at LIMIT 1`, workspaceID, contactName).Scan(&to)
	if isNoRows(err) {
		return "", fmt.Errorf("no reachable contact named %q: %w", contactName, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve recipient: %w", err)
	}
	return to, nil
}

func (s *Store) recordOutbound(ctx context.Context, m domain.OutboundMessage) (*domain.OutboundMessage, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO outbound_messages
		(id, workspace_id, channel, contact_name, recipient, subject, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, string(m.Channel), m.ContactName, m.Recipient, m.Subject, m.Body, formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("record outbound %s: %w", m.Channel, err)
	}
	return &m, nil
}

// SendSMS records an SMS in the outbox. Delivery is the channel adapter's job.
func (s *Store) SendSMS(ctx context.Context, workspaceID, contactName, body string) (*domain.OutboundMessage, error) {
	to, err := s.recipient(ctx, workspaceID, contactName, false)
	if err != nil {
		return nil, err
	}
	return s.recordOutbound(ctx, domain.OutboundMessage{
		WorkspaceID: workspaceID, Channel: domain.ChannelSMS, ContactName: contactName, Recipient: to, Body: body,
	})
}

// SendEmail records an email in the outbox.
func (s *Store) SendEmail(ctx context.Context, workspaceID, contactName, subject, body string) (*domain.OutboundMessage, error) {
	to, err := s.recipient(ctx, workspaceID, contactName, true)
	if err != nil {
		return nil, err
	}
	return s.recordOutbound(ctx, domain.OutboundMessage{
		WorkspaceID: workspaceID, Channel: domain.ChannelEmail, ContactName: contactName, Recipient: to,
		Subject: subject, Body: body,
	})
}

// Outbound lists a workspace's outbox, oldest first.
func (s *Store) Outbound(ctx context.Context, workspaceID string) ([]domain.OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, workspace_id, channel, contact_name, recipient, subject, body, created_at
		FROM outbound_messages WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query outbound: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboundMessage
	for rows.Next() {
		var (
			m                domain.OutboundMessage
			channel, created string
		)
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &channel, &m.ContactName, &m.Recipient, &m.Subject, &m.Body, &created); err != nil {
			return nil, fmt.Errorf("scan outbound: %w", err)
		}
		m.Channel = domain.Channel(channel)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
