// Package memstore is an in-memory implementation of every domain
// collaborator. It backs the chat command's --memory mode and the test
// suites of the packages that depend on those collaborators.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// Store holds all records in maps guarded by a single mutex.
type Store struct {
	mu sync.Mutex

	settings  map[string]*domain.WorkspaceSettings
	rules     map[string][]domain.KnowledgeRule
	turns     map[string][]domain.ConversationTurn
	memories  map[string][]string
	deals     map[string][]*domain.Deal
	contacts  map[string][]*domain.Contact
	proposals map[string][]domain.BookingProposal
	tasks     map[string][]domain.Task
	activity  map[string][]domain.Activity
	outbound  map[string][]domain.OutboundMessage

	// errs and delays are keyed by method name.
	errs   map[string]error
	delays map[string]time.Duration

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		settings:  make(map[string]*domain.WorkspaceSettings),
		rules:     make(map[string][]domain.KnowledgeRule),
		turns:     make(map[string][]domain.ConversationTurn),
		memories:  make(map[string][]string),
		deals:     make(map[string][]*domain.Deal),
		contacts:  make(map[string][]*domain.Contact),
		proposals: make(map[string][]domain.BookingProposal),
		tasks:     make(map[string][]domain.Task),
		activity:  make(map[string][]domain.Activity),
		outbound:  make(map[string][]domain.OutboundMessage),
		errs:      make(map[string]error),
		delays:    make(map[string]time.Duration),
		now:       time.Now,
	}
}

// FailWith makes the named method return err.
func (s *Store) FailWith(method string, err error) {
	s.mu.Lock()
	s.errs[method] = err
	s.mu.Unlock()
}

// Delay makes the named method sleep for d (or until ctx is done).
func (s *Store) Delay(method string, d time.Duration) {
	s.mu.Lock()
	s.delays[method] = d
	s.mu.Unlock()
}

func (s *Store) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	d := s.delays[method]
	err := s.errs[method]
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ── Seeding ──

// PutSettings stores settings for their workspace.
func (s *Store) PutSettings(settings domain.WorkspaceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := settings
	s.settings[settings.WorkspaceID] = &cp
}

// AddRule stores an active knowledge rule.
func (s *Store) AddRule(workspaceID string, category domain.KnowledgeCategory, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[workspaceID] = append(s.rules[workspaceID], domain.KnowledgeRule{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Category:    category,
		RuleContent: content,
		Active:      true,
	})
}

// AddMemory stores a long-term memory line.
func (s *Store) AddMemory(workspaceID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[workspaceID] = append(s.memories[workspaceID], content)
}

// AddDeal stores a deal, filling ID and CreatedAt when empty.
func (s *Store) AddDeal(d domain.Deal) *domain.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	cp := d
	s.deals[d.WorkspaceID] = append(s.deals[d.WorkspaceID], &cp)
	return &cp
}

// ── Inspection ──

// Turns returns the stored turns of a conversation in append order.
func (s *Store) Turns(workspaceID, conversationRef string) []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.turns[convKey(workspaceID, conversationRef)]
	out := make([]domain.ConversationTurn, len(src))
	copy(out, src)
	return out
}

// Outbound returns messages sent for a workspace.
func (s *Store) Outbound(workspaceID string) []domain.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboundMessage(nil), s.outbound[workspaceID]...)
}

// Proposals returns booking proposals for a workspace.
func (s *Store) Proposals(workspaceID string) []domain.BookingProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BookingProposal(nil), s.proposals[workspaceID]...)
}

// Activities returns logged activities for a workspace.
func (s *Store) Activities(workspaceID string) []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Activity(nil), s.activity[workspaceID]...)
}

// Deal returns a copy of the deal with the given id.
func (s *Store) Deal(workspaceID, id string) (domain.Deal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deals[workspaceID] {
		if d.ID == id {
			return *d, true
		}
	}
	return domain.Deal{}, false
}

func convKey(workspaceID, ref string) string { return workspaceID + "\x00" + ref }

// ── domain.WorkspaceReader ──

func (s *Store) WorkspaceSettings(ctx context.Context, workspaceID string) (*domain.WorkspaceSettings, error) {
	if err := s.enter(ctx, "WorkspaceSettings"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[workspaceID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *Store) KnowledgeRules(ctx context.Context, workspaceID string, category domain.KnowledgeCategory) ([]domain.KnowledgeRule, error) {
	if err := s.enter(ctx, "KnowledgeRules"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.KnowledgeRule
	for _, r := range s.rules[workspaceID] {
		if r.Active && r.Category == category {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ActiveKnowledgeRules(ctx context.Context, workspaceID string) ([]domain.KnowledgeRule, error) {
	if err := s.enter(ctx, "ActiveKnowledgeRules"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.KnowledgeRule
	for _, r := range s.rules[workspaceID] {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) BaseCoordinate(ctx context.Context, workspaceID string) (*domain.GeoPoint, error) {
	if err := s.enter(ctx, "BaseCoordinate"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *domain.Deal
	for _, d := range s.deals[workspaceID] {
		if d.Location == nil {
			continue
		}
		if earliest == nil || d.CreatedAt.Before(earliest.CreatedAt) {
			earliest = d
		}
	}
	if earliest == nil {
		return nil, nil
	}
	p := *earliest.Location
	return &p, nil
}

// ── domain.HistoryReader / TurnWriter ──

func (s *Store) RecentTurns(ctx context.Context, workspaceID, conversationRef string, limit int) ([]domain.ConversationTurn, error) {
	if err := s.enter(ctx, "RecentTurns"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.turns[convKey(workspaceID, conversationRef)]
	out := make([]domain.ConversationTurn, 0, len(src))
	for i := len(src) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if err := s.enter(ctx, "AppendTurn"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	k := convKey(turn.WorkspaceID, turn.ConversationRef)
	s.turns[k] = append(s.turns[k], turn)
	return nil
}

// ── domain.MemorySearcher ──

// SearchMemory ranks memories by the number of query words they contain.
func (s *Store) SearchMemory(ctx context.Context, workspaceID, query string, limit int) ([]domain.MemorySnippet, error) {
	if err := s.enter(ctx, "SearchMemory"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	mems := append([]string(nil), s.memories[workspaceID]...)
	s.mu.Unlock()

	words := strings.Fields(strings.ToLower(query))
	var out []domain.MemorySnippet
	for _, m := range mems {
		lower := strings.ToLower(m)
		score := 0.0
		for _, w := range words {
			if len(w) > 2 && strings.Contains(lower, w) {
				score++
			}
		}
		if score > 0 {
			out = append(out, domain.MemorySnippet{Content: m, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── domain.TriageRecorder ──

func (s *Store) SaveTriageVerdict(ctx context.Context, workspaceID, leadID, recommendation string, flags []string) error {
	if err := s.enter(ctx, "SaveTriageVerdict"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deals[workspaceID] {
		if d.ID == leadID {
			d.TriageRecommendation = recommendation
			d.AgentFlags = append(d.AgentFlags, flags...)
			return nil
		}
	}
	return fmt.Errorf("lead %s: %w", leadID, domain.ErrNotFound)
}

// ── domain.Operations ──

func (s *Store) ScheduledJobs(ctx context.Context, workspaceID string, day time.Time) ([]domain.Deal, error) {
	if err := s.enter(ctx, "ScheduledJobs"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	y, m, dd := day.Date()
	var out []domain.Deal
	for _, d := range s.deals[workspaceID] {
		if d.ScheduledAt == nil {
			continue
		}
		sy, sm, sd := d.ScheduledAt.In(day.Location()).Date()
		if sy == y && sm == m && sd == dd {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *Store) ScheduleJob(ctx context.Context, workspaceID string, in domain.JobInput) (*domain.Deal, error) {
	if err := s.enter(ctx, "ScheduleJob"); err != nil {
		return nil, err
	}
	contact, _, err := s.FindOrCreateContact(ctx, workspaceID, domain.ContactInput{Name: in.ContactName, Address: in.Address})
	if err != nil {
		return nil, err
	}
	at := in.ScheduledAt
	return s.AddDeal(domain.Deal{
		WorkspaceID: workspaceID,
		ContactID:   contact.ID,
		Title:       in.Title,
		Stage:       domain.StageScheduled,
		Value:       in.Value,
		Address:     in.Address,
		ScheduledAt: &at,
	}), nil
}

func (s *Store) findDeal(workspaceID, title string) *domain.Deal {
	needle := strings.ToLower(title)
	for _, d := range s.deals[workspaceID] {
		if strings.Contains(strings.ToLower(d.Title), needle) {
			return d
		}
	}
	return nil
}

func (s *Store) MoveDealStage(ctx context.Context, workspaceID, dealTitle, stage string) (*domain.Deal, error) {
	if err := s.enter(ctx, "MoveDealStage"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDeal(workspaceID, dealTitle)
	if d == nil {
		return nil, fmt.Errorf("deal %q: %w", dealTitle, domain.ErrNotFound)
	}
	d.Stage = stage
	cp := *d
	return &cp, nil
}

func (s *Store) AddLeadFlag(ctx context.Context, workspaceID, dealTitle, flag string) (*domain.Deal, error) {
	if err := s.enter(ctx, "AddLeadFlag"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDeal(workspaceID, dealTitle)
	if d == nil {
		return nil, fmt.Errorf("deal %q: %w", dealTitle, domain.ErrNotFound)
	}
	d.AgentFlags = append(d.AgentFlags, flag)
	cp := *d
	return &cp, nil
}

func (s *Store) FindOrCreateContact(ctx context.Context, workspaceID string, in domain.ContactInput) (*domain.Contact, bool, error) {
	if err := s.enter(ctx, "FindOrCreateContact"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts[workspaceID] {
		if (in.Phone != "" && c.Phone == in.Phone) ||
			(in.Email != "" && strings.EqualFold(c.Email, in.Email)) ||
			(in.Phone == "" && in.Email == "" && strings.EqualFold(c.Name, in.Name)) {
			cp := *c
			return &cp, false, nil
		}
	}
	c := &domain.Contact{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       in.Email,
		Address:     in.Address,
		CreatedAt:   s.now(),
	}
	s.contacts[workspaceID] = append(s.contacts[workspaceID], c)
	cp := *c
	return &cp, true, nil
}

func (s *Store) SearchContacts(ctx context.Context, workspaceID, query string) ([]domain.Contact, error) {
	if err := s.enter(ctx, "SearchContacts"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []domain.Contact
	for _, c := range s.contacts[workspaceID] {
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(c.Phone, q) || strings.Contains(strings.ToLower(c.Email), q) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) CreateBookingProposal(ctx context.Context, workspaceID string, p domain.BookingProposal) (*domain.BookingProposal, error) {
	if err := s.enter(ctx, "CreateBookingProposal"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.NewString()
	p.WorkspaceID = workspaceID
	p.Status = "PENDING"
	p.CreatedAt = s.now()
	s.proposals[workspaceID] = append(s.proposals[workspaceID], p)
	return &p, nil
}

func (s *Store) CreateTask(ctx context.Context, workspaceID string, t domain.Task) (*domain.Task, error) {
	if err := s.enter(ctx, "CreateTask"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.NewString()
	t.WorkspaceID = workspaceID
	t.CreatedAt = s.now()
	s.tasks[workspaceID] = append(s.tasks[workspaceID], t)
	return &t, nil
}

func (s *Store) LogActivity(ctx context.Context, workspaceID string, a domain.Activity) (*domain.Activity, error) {
	if err := s.enter(ctx, "LogActivity"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.NewString()
	a.WorkspaceID = workspaceID
	a.CreatedAt = s.now()
	s.activity[workspaceID] = append(s.activity[workspaceID], a)
	return &a, nil
}

func (s *Store) recipient(workspaceID, contactName string, email bool) (string, error) {
	for _, c := range s.contacts[workspaceID] {
		if !strings.EqualFold(c.Name, contactName) {
			continue
		}
		if email && c.Email != "" {
			return c.Email, nil
		}
		if !email && c.Phone != "" {
			return c.Phone, nil
		}
	}
	return "", fmt.Errorf("no reachable contact named %q: %w", contactName, domain.ErrNotFound)
}

func (s *Store) SendSMS(ctx context.Context, workspaceID, contactName, body string) (*domain.OutboundMessage, error) {
	if err := s.enter(ctx, "SendSMS"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.recipient(workspaceID, contactName, false)
	if err != nil {
		return nil, err
	}
	m := domain.OutboundMessage{
		ID: uuid.NewString(), WorkspaceID: workspaceID, Channel: domain.ChannelSMS,
		ContactName: contactName, Recipient: to, Body: body, CreatedAt: s.now(),
	}
	s.outbound[workspaceID] = append(s.outbound[workspaceID], m)
	return &m, nil
}

func (s *Store) SendEmail(ctx context.Context, workspaceID, contactName, subject, body string) (*domain.OutboundMessage, error) {
	if err := s.enter(ctx, "SendEmail"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := s.recipient(workspaceID, contactName, true)
	if err != nil {
		return nil, err
	}
	m := domain.OutboundMessage{
		ID: uuid.NewString(), WorkspaceID: workspaceID, Channel: domain.ChannelEmail,
		ContactName: contactName, Recipient: to, Subject: subject, Body: body, CreatedAt: s.now(),
	}
	s.outbound[workspaceID] = append(s.outbound[workspaceID], m)
	return &m, nil
}

var (
	_ domain.WorkspaceReader = (*Store)(nil)
	_ domain.HistoryReader   = (*Store)(nil)
	_ domain.TurnWriter      = (*Store)(nil)
	_ domain.MemorySearcher  = (*Store)(nil)
	_ domain.TriageRecorder  = (*Store)(nil)
	_ domain.Operations      = (*Store)(nil)
)
