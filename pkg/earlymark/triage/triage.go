// Package triage classifies inbound leads before the agent spends a model
// call on them. Checks run in a fixed order: the workspace's no-go list,
// then the service radius, then the service catalogue. Any failure while
// evaluating a lead fails open to ACCEPT.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

// Recommendation is the triage outcome.
type Recommendation string

const (
	Accept    Recommendation = "ACCEPT"
	Decline   Recommendation = "DECLINE"
	Quote     Recommendation = "QUOTE"
	OutOfArea Recommendation = "OUT_OF_AREA"
)

const (
	// DefaultRadiusKm applies when a workspace has no service radius.
	DefaultRadiusKm = 20

	// nearLimitRatio flags leads past this fraction of the radius.
	nearLimitRatio = 0.8

	earthRadiusKm = 6371

	failOpenFlag = "Triage error — defaulting to accept"
)

// Verdict is the result of triaging one lead.
type Verdict struct {
	Recommendation Recommendation `json:"recommendation"`
	Flags          []string       `json:"flags"`
	MatchedRule    string         `json:"matchedRule,omitempty"`
}

// Engine evaluates leads against workspace rules.
type Engine struct {
	reader          domain.WorkspaceReader
	defaultRadiusKm float64
	logger          *slog.Logger
}

// NewEngine creates a triage engine reading from reader.
func NewEngine(reader domain.WorkspaceReader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reader:          reader,
		defaultRadiusKm: DefaultRadiusKm,
		logger:          logger.With("component", "triage"),
	}
}

// SetDefaultRadius overrides the radius used when a workspace has none.
func (e *Engine) SetDefaultRadius(km float64) {
	if km > 0 {
		e.defaultRadiusKm = km
	}
}

// Triage classifies lead for workspaceID. It never returns an error:
// evaluation failures produce ACCEPT with an explanatory flag.
func (e *Engine) Triage(ctx context.Context, workspaceID string, lead domain.Lead) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("triage panicked, accepting lead", "workspace", workspaceID, "panic", r)
			v = failOpen()
		}
	}()

	v, err := e.evaluate(ctx, workspaceID, lead)
	if err != nil {
		e.logger.Error("triage failed, accepting lead", "workspace", workspaceID, "error", err)
		return failOpen()
	}
	return v
}

// failOpen accepts on internal failure: losing a lead costs more than
// mis-triaging one.
func failOpen() Verdict {
	return Verdict{Recommendation: Accept, Flags: []string{failOpenFlag}}
}

func (e *Engine) evaluate(ctx context.Context, workspaceID string, lead domain.Lead) (Verdict, error) {
	text := strings.ToLower(lead.Title + " " + lead.Description)
	v := Verdict{Recommendation: Accept, Flags: []string{}}

	negative, err := e.reader.KnowledgeRules(ctx, workspaceID, domain.CategoryNegativeScope)
	if err != nil {
		return Verdict{}, fmt.Errorf("load negative scope: %w", err)
	}
	for _, rule := range negative {
		kw := RulePhrase(rule.RuleContent)
		if kw == "" || !strings.Contains(text, kw) {
			continue
		}
		v.Recommendation = Decline
		v.MatchedRule = rule.RuleContent
		v.Flags = append(v.Flags, "Negative scope: "+rule.RuleContent)
		return v, nil
	}

	if lead.Location != nil {
		out, err := e.checkRadius(ctx, workspaceID, *lead.Location, &v)
		if err != nil {
			return Verdict{}, err
		}
		if out {
			return v, nil
		}
	}

	services, err := e.reader.KnowledgeRules(ctx, workspaceID, domain.CategoryService)
	if err != nil {
		return Verdict{}, fmt.Errorf("load service catalogue: %w", err)
	}
	for _, rule := range services {
		kw := strings.ToLower(strings.TrimSpace(rule.RuleContent))
		if kw != "" && strings.Contains(text, kw) {
			v.Recommendation = Quote
			v.MatchedRule = rule.RuleContent
			return v, nil
		}
	}
	return v, nil
}

// checkRadius appends distance flags to v and reports whether the lead is
// outside the service area.
func (e *Engine) checkRadius(ctx context.Context, workspaceID string, loc domain.GeoPoint, v *Verdict) (bool, error) {
	base, err := e.reader.BaseCoordinate(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("load base coordinate: %w", err)
	}
	if base == nil {
		return false, nil
	}

	settings, err := e.reader.WorkspaceSettings(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	radius := e.defaultRadiusKm
	if settings != nil && settings.ServiceRadiusKm > 0 {
		radius = settings.ServiceRadiusKm
	}

	dist := DistanceKm(*base, loc)
	switch {
	case dist > radius:
		v.Recommendation = OutOfArea
		v.Flags = append(v.Flags, fmt.Sprintf("Out of area: %dkm away (limit: %dkm)", roundKm(dist), roundKm(radius)))
		return true, nil
	case dist > radius*nearLimitRatio:
		v.Flags = append(v.Flags, fmt.Sprintf("Far away: %dkm (near limit)", roundKm(dist)))
	}
	return false, nil
}

var leadingNo = regexp.MustCompile(`^no\s+`)

// RulePhrase turns a no-go rule such as "No gas work" into the
// lowercase phrase matched against lead text.
func RulePhrase(rule string) string {
	kw := strings.ToLower(strings.TrimSpace(rule))
	return strings.TrimSpace(leadingNo.ReplaceAllString(kw, ""))
}

func roundKm(km float64) int {
	return int(math.Round(km))
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
