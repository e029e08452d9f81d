package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// fallbackSummary is used when no rule matches; it carries no action, so the incident expires.
const fallbackSummary = "no diagnosis rule matched; manual investigation required"

// RuleEngine diagnoses incidents from a static YAML rule pack. It is the offline diagnoser and
// the fallback when the LLM is unavailable.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps an evidence pattern to a summary and proposed action. The first matching rule wins.
type Rule struct {
	ID      string                 `yaml:"id"`
	Match   RuleMatch              `yaml:"match"`
	Summary string                 `yaml:"summary"`
	Action  *models.ProposedAction `yaml:"action"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Service      string  `yaml:"service"`
	MinErrorRate float64 `yaml:"minErrorRate"`
	MinTripCount int     `yaml:"minTripCount"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from path. A missing file yields an engine without rules, which
// diagnoses every incident as needing manual investigation.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine := &RuleEngine{logger: logger}
	if path == "" {
		return engine, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("diagnosis rules file not found", slog.String("path", path))
			return engine, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	for i, rule := range cfg.Rules {
		if strings.TrimSpace(rule.Summary) == "" {
			return nil, fmt.Errorf("rule %d (%s): summary is required", i, rule.ID)
		}
	}
	engine.rules = cfg.Rules
	return engine, nil
}

// Diagnose implements incident.Diagnoser.
func (e *RuleEngine) Diagnose(ctx context.Context, inc models.Incident) (models.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return models.Diagnosis{}, err
	}
	var rules []Rule
	if e != nil {
		rules = e.rules
	}
	rate, _ := inc.LatestEvidence.ErrorRate()
	for _, rule := range rules {
		if !rule.Match.matches(inc.Service, rate, inc.TripCount) {
			continue
		}
		if e.logger != nil {
			e.logger.Debug("diagnosis rule matched", slog.String("rule", rule.ID), slog.String("incident_id", inc.ID))
		}
		return models.Diagnosis{
			Summary:  expand(rule.Summary, inc.Service),
			Action:   expandAction(rule.Action, inc.Service),
			Provider: "rules/" + rule.ID,
		}, nil
	}
	return models.Diagnosis{Summary: fallbackSummary, Provider: "rules"}, nil
}

func (m RuleMatch) matches(service string, rate float64, trips int) bool {
	if m.Service != "" && m.Service != "*" && !strings.EqualFold(m.Service, service) {
		return false
	}
	if rate < m.MinErrorRate {
		return false
	}
	return trips >= m.MinTripCount
}

// expand substitutes ${service} in rule text.
func expand(s, service string) string {
	return strings.ReplaceAll(s, "${service}", service)
}

func expandAction(action *models.ProposedAction, service string) *models.ProposedAction {
	if action == nil {
		return nil
	}
	out := &models.ProposedAction{
		Type:   action.Type,
		Target: expand(action.Target, service),
	}
	if len(action.Parameters) > 0 {
		out.Parameters = make(map[string]string, len(action.Parameters))
		for k, v := range action.Parameters {
			out.Parameters[k] = expand(v, service)
		}
	}
	return out
}

// Diagnoser is the collaborator contract shared by the LLM client and the rule engine.
type Diagnoser interface {
	Diagnose(ctx context.Context, inc models.Incident) (models.Diagnosis, error)
}

// FallbackDiagnoser asks primary first and falls back to the rule pack when it fails for any
// reason other than the caller's context ending.
type FallbackDiagnoser struct {
	primary  Diagnoser
	fallback Diagnoser
	logger   *slog.Logger
}

// NewFallbackDiagnoser chains primary and fallback.
func NewFallbackDiagnoser(primary, fallback Diagnoser, logger *slog.Logger) *FallbackDiagnoser {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackDiagnoser{primary: primary, fallback: fallback, logger: logger}
}

// Diagnose implements incident.Diagnoser.
func (f *FallbackDiagnoser) Diagnose(ctx context.Context, inc models.Incident) (models.Diagnosis, error) {
	diag, err := f.primary.Diagnose(ctx, inc)
	if err == nil {
		return diag, nil
	}
	if ctx.Err() != nil {
		return models.Diagnosis{}, err
	}
	f.logger.Warn("primary diagnosis failed, using rules",
		slog.String("incident_id", inc.ID),
		slog.Any("error", err),
	)
	return f.fallback.Diagnose(ctx, inc)
}
