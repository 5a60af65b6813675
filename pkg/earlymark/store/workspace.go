package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// PutSettings inserts or replaces a workspace's settings.
func (s *Store) PutSettings(ctx context.Context, ws domain.WorkspaceSettings) error {
	if ws.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	glossary, err := json.Marshal(ws.Glossary)
	if err != nil {
		return fmt.Errorf("encode glossary: %w", err)
	}
	mode := ws.AutonomyMode
	if mode == "" {
		mode = domain.ModeReceptionist
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, business_name, trade_type, autonomy_mode, working_hours_start,
			working_hours_end, call_out_fee, glossary, base_suburb, service_radius_km, preferences,
			exclusion_criteria, opening_message, closing_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			business_name = excluded.business_name,
			trade_type = excluded.trade_type,
			autonomy_mode = excluded.autonomy_mode,
			working_hours_start = excluded.working_hours_start,
			working_hours_end = excluded.working_hours_end,
			call_out_fee = excluded.call_out_fee,
			glossary = excluded.glossary,
			base_suburb = excluded.base_suburb,
			service_radius_km = excluded.service_radius_km,
			preferences = excluded.preferences,
			exclusion_criteria = excluded.exclusion_criteria,
			opening_message = excluded.opening_message,
			closing_message = excluded.closing_message,
			updated_at = excluded.updated_at`,
		ws.WorkspaceID, ws.BusinessName, ws.TradeType, string(mode), ws.WorkingHoursStart,
		ws.WorkingHoursEnd, ws.CallOutFee, string(glossary), ws.BaseSuburb, ws.ServiceRadiusKm, ws.Preferences,
		ws.ExclusionCriteria, ws.OpeningMessage, ws.ClosingMessage, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save workspace %s: %w", ws.WorkspaceID, err)
	}
	return nil
}

// AddKnowledgeRule stores an active rule.
func (s *Store) AddKnowledgeRule(ctx context.Context, workspaceID string, category domain.KnowledgeCategory, content string) (*domain.KnowledgeRule, error) {
	r := domain.KnowledgeRule{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Category:    category,
		RuleContent: content,
		Active:      true,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_rules (id, workspace_id, category, rule_content, active, created_at) VALUES (?, ?, ?, ?, 1, ?)`,
		r.ID, workspaceID, string(category), content, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("save knowledge rule: %w", err)
	}
	return &r, nil
}

// SetRuleActive toggles a rule.
func (s *Store) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge_rules SET active = ? WHERE id = ?`, active, ruleID)
	if err != nil {
		return fmt.Errorf("update knowledge rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("knowledge rule", ruleID)
	}
	return nil
}

// ── domain.WorkspaceReader ──

func (s *Store) WorkspaceSettings(ctx context.Context, workspaceID string) (*domain.WorkspaceSettings, error) {
	var (
		ws       domain.WorkspaceSettings
		mode     string
		glossary string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_name, trade_type, autonomy_mode, working_hours_start, working_hours_end,
			call_out_fee, glossary, base_suburb, service_radius_km, preferences, exclusion_criteria,
			opening_message, closing_message
		FROM workspaces WHERE id = ?`, workspaceID).Scan(
		&ws.WorkspaceID, &ws.BusinessName, &ws.TradeType, &mode, &ws.WorkingHoursStart, &ws.WorkingHoursEnd,
		&ws.CallOutFee, &glossary, &ws.BaseSuburb, &ws.ServiceRadiusKm, &ws.Preferences, &ws.ExclusionCriteria,
		&ws.OpeningMessage, &ws.ClosingMessage,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	ws.AutonomyMode = domain.ParseAutonomyMode(mode)
	if glossary != "" {
		if err := json.Unmarshal([]byte(glossary), &ws.Glossary); err != nil {
			s.logger.Warn("ignoring malformed glossary", "workspace", workspaceID, "error", err)
		}
	}
	return &ws, nil
}

func (s *Store) KnowledgeRules(ctx context.Context, workspaceID string, category domain.KnowledgeCategory) ([]domain.KnowledgeRule, error) {
	return s.queryRules(ctx, `
		SELECT id, workspace_id, category, rule_content, active FROM knowledge_rules
		WHERE workspace_id = ? AND category = ? AND active = 1 ORDER BY created_at, id`,
		workspaceID, string(category))
}

func (s *Store) ActiveKnowledgeRules(ctx context.Context, workspaceID string) ([]domain.KnowledgeRule, error) {
	return s.queryRules(ctx, `
		SELECT id, workspace_id, category, rule_content, active FROM knowledge_rules
		WHERE workspace_id = ? AND active = 1 ORDER BY created_at, id`,
		workspaceID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]domain.KnowledgeRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge rules: %w", err)
	}
	defer rows.Close()

	var out []domain.KnowledgeRule
	for rows.Next() {
		var (
			r   domain.KnowledgeRule
			cat string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &cat, &r.RuleContent, &r.Active); err != nil {
			return nil, fmt.Errorf("scan knowledge rule: %w", err)
		}
		r.Category = domain.KnowledgeCategory(cat)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BaseCoordinate is the location of the workspace's earliest geocoded deal.
func (s *Store) BaseCoordinate(ctx context.Context, workspaceID string) (*domain.GeoPoint, error) {
	var lat, lng sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT lat, lng FROM deals
		WHERE workspace_id = ? AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY created_at LIMIT 1`, workspaceID).Scan(&lat, &lng)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load base coordinate: %w", err)
	}
	return &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}, nil
}
