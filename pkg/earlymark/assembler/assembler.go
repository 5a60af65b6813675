// Package assembler gathers everything the agent needs to answer one
// inbound message: workspace settings, knowledge rules, recent history and
// relevant memory. Reads run concurrently and the result is fitted to a
// character budget.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// Budget bounds the size of an assembled bundle.
type Budget struct {
	// MaxChars is the total character budget for the bundle.
	MaxChars int `yaml:"max_chars"`

	// HistoryTurns is how many recent turns are fetched.
	HistoryTurns int `yaml:"history_turns"`

	// MemorySnippets is how many memory snippets are requested.
	MemorySnippets int `yaml:"memory_snippets"`

	// SummaryChars caps the summary of turns that did not fit verbatim.
	SummaryChars int `yaml:"summary_chars"`
}

// DefaultBudget returns the budget used when none is configured.
func DefaultBudget() Budget {
	return Budget{
		MaxChars:       12000,
		HistoryTurns:   20,
		MemorySnippets: 5,
		SummaryChars:   600,
	}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.MaxChars <= 0 {
		b.MaxChars = d.MaxChars
	}
	if b.HistoryTurns <= 0 {
		b.HistoryTurns = d.HistoryTurns
	}
	if b.MemorySnippets <= 0 {
		b.MemorySnippets = d.MemorySnippets
	}
	if b.SummaryChars <= 0 {
		b.SummaryChars = d.SummaryChars
	}
	return b
}

// Request identifies the message being answered.
type Request struct {
	WorkspaceID     string
	ConversationRef string
	Channel         domain.Channel
	Message         string
}

// Bundle is the assembled context for one model invocation.
type Bundle struct {
	WorkspaceID string
	Channel     domain.Channel
	Settings    domain.WorkspaceSettings

	ServiceRules       []string
	PricingRules       []string
	NegativeScopeRules []string

	// HistorySummary condenses turns older than History. Empty when every
	// fetched turn fit verbatim.
	HistorySummary string

	// History holds the most recent turns, oldest first.
	History []domain.ConversationTurn

	// MemorySnippets are ordered best first.
	MemorySnippets []string

	// Trimmed is set when history was summarised or memory dropped.
	Trimmed bool
}

// AutonomyMode is the workspace's effective mode.
func (b *Bundle) AutonomyMode() domain.AutonomyMode {
	if b.Settings.AutonomyMode == "" {
		return domain.ModeReceptionist
	}
	return b.Settings.AutonomyMode
}

// Size is the character count the budget applies to.
func (b *Bundle) Size() int {
	return b.fixedSize() + b.historySize() + len(b.HistorySummary) + sumLen(b.MemorySnippets)
}

func (b *Bundle) fixedSize() int {
	s := b.Settings
	n := len(s.BusinessName) + len(s.TradeType) + len(s.Preferences) +
		len(s.OpeningMessage) + len(s.ClosingMessage) + len(s.BaseSuburb)
	for _, g := range s.Glossary {
		n += len(g.TaskName) + 16
	}
	return n + sumLen(b.ServiceRules) + sumLen(b.PricingRules) + sumLen(b.NegativeScopeRules)
}

func (b *Bundle) historySize() int {
	n := 0
	for _, t := range b.History {
		n += len(t.Content)
	}
	return n
}

func sumLen(ss []string) int {
	n := 0
	for _, s := range ss {
		n += len(s)
	}
	return n
}

// Assembler builds bundles from the domain collaborators.
type Assembler struct {
	workspace domain.WorkspaceReader
	history   domain.HistoryReader
	memory    domain.MemorySearcher
	budget    Budget
	logger    *slog.Logger
}

// New creates an Assembler. memory may be nil.
func New(workspace domain.WorkspaceReader, history domain.HistoryReader, memory domain.MemorySearcher, budget Budget, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		workspace: workspace,
		history:   history,
		memory:    memory,
		budget:    budget.withDefaults(),
		logger:    logger.With("component", "assembler"),
	}
}

// Assemble performs the independent reads concurrently and fits the result
// to the budget. Settings and history failures are returned; knowledge and
// memory failures degrade to empty sections.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Bundle, error) {
	var (
		settings *domain.WorkspaceSettings
		rules    []domain.KnowledgeRule
		recent   []domain.ConversationTurn
		memories []domain.MemorySnippet
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.workspace.WorkspaceSettings(gctx, req.WorkspaceID)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		settings = s
		return nil
	})
	g.Go(func() error {
		r, err := a.workspace.ActiveKnowledgeRules(gctx, req.WorkspaceID)
		if err != nil {
			a.logger.Warn("knowledge rules unavailable", "workspace", req.WorkspaceID, "error", err)
			return nil
		}
		rules = r
		return nil
	})
	g.Go(func() error {
		h, err := a.history.RecentTurns(gctx, req.WorkspaceID, req.ConversationRef, a.budget.HistoryTurns)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		recent = h
		return nil
	})
	if a.memory != nil && strings.TrimSpace(req.Message) != "" {
		g.Go(func() error {
			m, err := a.memory.SearchMemory(gctx, req.WorkspaceID, req.Message, a.budget.MemorySnippets)
			if err != nil {
				a.logger.Warn("memory search failed", "workspace", req.WorkspaceID, "error", err)
				return nil
			}
			memories = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := &Bundle{
		WorkspaceID: req.WorkspaceID,
		Channel:     req.Channel,
	}
	if settings != nil {
		b.Settings = *settings
	}
	b.Settings.WorkspaceID = req.WorkspaceID
	if b.Settings.AutonomyMode == "" {
		b.Settings.AutonomyMode = domain.ModeReceptionist
	}

	for _, r := range rules {
		content := strings.TrimSpace(r.RuleContent)
		if content == "" {
			continue
		}
		switch r.Category {
		case domain.CategoryService:
			b.ServiceRules = append(b.ServiceRules, content)
		case domain.CategoryPricing:
			b.PricingRules = append(b.PricingRules, content)
		case domain.CategoryNegativeScope:
			b.NegativeScopeRules = appendUnique(b.NegativeScopeRules, content)
		}
	}
	for _, line := range strings.Split(b.Settings.ExclusionCriteria, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			b.NegativeScopeRules = appendUnique(b.NegativeScopeRules, line)
		}
	}

	chronological := slices.Clone(recent)
	slices.Reverse(chronological)

	snippets := make([]string, 0, len(memories))
	for _, m := range memories {
		if c := strings.TrimSpace(m.Content); c != "" {
			snippets = append(snippets, c)
		}
	}

	a.fit(b, chronological, snippets)
	if b.Trimmed {
		a.logger.Debug("context trimmed to budget",
			"workspace", req.WorkspaceID, "size", b.Size(), "budget", a.budget.MaxChars)
	}
	return b, nil
}

// fit places history and memory into b within the budget. Settings and
// rules are kept up to half the budget. Recent history has priority over
// memory: the newest turns are kept verbatim, older turns are condensed
// into a summary, and memory snippets fill what is left, best first.
func (a *Assembler) fit(b *Bundle, history []domain.ConversationTurn, snippets []string) {
	if a.boundFixed(b, a.budget.MaxChars/2) {
		b.Trimmed = true
	}
	remaining := a.budget.MaxChars - b.fixedSize()

	total := 0
	for _, t := range history {
		total += len(t.Content)
	}

	used := 0
	if total <= remaining || len(history) == 0 {
		b.History = history
		used = total
	} else {
		// Reserve room for the summary of whatever does not fit verbatim.
		reserve := 0
		if len(history) > 1 {
			reserve = min(a.budget.SummaryChars, remaining/2)
		}
		allowance := remaining - reserve
		kept := slices.Clone(history)
		keepFrom := len(kept)
		for i := len(kept) - 1; i >= 0; i-- {
			n := len(kept[i].Content)
			if i == len(kept)-1 && n > allowance {
				// The newest turn is always kept, cut down to the allowance.
				kept[i].Content = clipBytes(kept[i].Content, allowance)
				n = len(kept[i].Content)
			} else if used+n > allowance {
				break
			}
			used += n
			keepFrom = i
		}
		b.History = kept[keepFrom:]
		b.Trimmed = true
		if keepFrom > 0 {
			summaryCap := min(a.budget.SummaryChars, max(remaining-used, 0))
			b.HistorySummary = summarize(history[:keepFrom], summaryCap)
			used += len(b.HistorySummary)
		}
	}

	for i, s := range snippets {
		if used+len(s) > remaining {
			b.Trimmed = true
			b.MemorySnippets = snippets[:i:i]
			return
		}
		used += len(s)
	}
	b.MemorySnippets = snippets
}

// boundFixed shrinks settings and rules until they fit in limit. Pricing
// and service rules go first, then the glossary and free-text settings.
// Negative scope rules and the business identity are cut last.
func (a *Assembler) boundFixed(b *Bundle, limit int) bool {
	over := b.fixedSize() - limit
	if over <= 0 {
		return false
	}
	dropRules := func(rules *[]string) {
		for over > 0 && len(*rules) > 0 {
			last := len(*rules) - 1
			over -= len((*rules)[last])
			*rules = (*rules)[:last]
		}
	}
	s := &b.Settings
	cutText := func(fields ...*string) {
		for _, field := range fields {
			if over <= 0 {
				return
			}
			cut := clipBytes(*field, max(len(*field)-over, 0))
			over -= len(*field) - len(cut)
			*field = cut
		}
	}

	dropRules(&b.PricingRules)
	dropRules(&b.ServiceRules)
	for over > 0 && len(s.Glossary) > 0 {
		last := len(s.Glossary) - 1
		over -= len(s.Glossary[last].TaskName) + 16
		s.Glossary = s.Glossary[:last]
	}
	cutText(&s.Preferences, &s.OpeningMessage, &s.ClosingMessage)
	dropRules(&b.NegativeScopeRules)
	cutText(&s.BaseSuburb, &s.TradeType, &s.BusinessName)

	a.logger.Warn("workspace settings exceed half the context budget",
		"workspace", b.WorkspaceID, "limit", limit, "size", b.fixedSize())
	return true
}

const (
	// summaryLineChars caps each condensed turn.
	summaryLineChars = 120
	minSummaryLine   = 16
)

// summarize condenses turns oldest first, so the customer's original
// request is the first line to survive; later lines are added while they
// fit in limit.
func summarize(turns []domain.ConversationTurn, limit int) string {
	if limit <= 0 {
		return ""
	}
	const header = "Earlier in this conversation:"
	var lines []string
	size := len(header)
	for _, t := range turns {
		if t.Role == domain.RoleTool {
			continue
		}
		line := "\n- " + speaker(t.Role) + ": " + clip(t.Content, summaryLineChars)
		if size+len(line) > limit {
			// The first line is cut to fit so dropped turns still leave a trace.
			if len(lines) == 0 && limit-size >= minSummaryLine {
				lines = append(lines, clipBytes(line, limit-size))
			}
			break
		}
		lines = append(lines, line)
		size += len(line)
	}
	if len(lines) == 0 {
		return ""
	}
	return header + strings.Join(lines, "")
}

func speaker(r domain.Role) string {
	if r == domain.RoleUser {
		return "customer"
	}
	return "you"
}

func clip(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}

// clipBytes cuts s to at most n bytes on a rune boundary.
func clipBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if strings.EqualFold(existing, s) {
			return ss
		}
	}
	return append(ss, s)
}
