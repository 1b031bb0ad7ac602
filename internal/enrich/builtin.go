package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Business-hours window applied by the time enricher.
const (
	businessHoursStart = 9
	businessHoursEnd   = 18
)

// TimeEnricher adds clock-derived attributes. It reads the request's own
// timestamp rather than the wall clock so decisions stay reproducible.
type TimeEnricher struct{}

// Name implements Enricher.
func (TimeEnricher) Name() string { return "time" }

// Enrich implements Enricher.
func (TimeEnricher) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	t := dctx.Time
	if t.IsZero() {
		t = time.Now()
	}
	weekday := t.Weekday()
	isWeekend := weekday == time.Saturday || weekday == time.Sunday
	hour := t.Hour()
	return map[string]any{
		"hour":            hour,
		"dayOfWeek":       weekday.String(),
		"isWeekend":       isWeekend,
		"isBusinessHours": !isWeekend && hour >= businessHoursStart && hour < businessHoursEnd,
	}, nil
}

// AgentEnricher resolves the agent-metadata header captured at the
// transport into structured attributes (department, clearance, permissions).
type AgentEnricher struct{}

// Name implements Enricher.
func (AgentEnricher) Name() string { return "agent" }

// Enrich implements Enricher.
func (AgentEnricher) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	values := map[string]any{
		"id":   dctx.Agent,
		"type": dctx.AgentType,
	}
	raw, _ := dctx.Environment["agentMetadata"].(string)
	if raw == "" {
		return values, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("parse agent metadata: %w", err)
	}
	for _, key := range []string{"department", "clearance", "permissions", "team", "role"} {
		if v, ok := meta[key]; ok {
			values[key] = v
		}
	}
	return values, nil
}

// ClassifierRule maps a resource pattern to a classification. Rules are
// evaluated in order; the first match wins.
type ClassifierRule struct {
	Pattern     *regexp.Regexp
	DataType    string
	Sensitivity string // low, medium, high, critical
	Tags        []string
	Retention   time.Duration
	Encrypted   bool
}

// ResourceClassifier assigns a data classification to the resource string.
type ResourceClassifier struct {
	rules      []ClassifierRule
	production bool
}

// NewResourceClassifier creates a classifier with the default rule table.
// production controls the fallback sensitivity for unclassified resources.
func NewResourceClassifier(production bool, extra ...ClassifierRule) *ResourceClassifier {
	rules := []ClassifierRule{
		{
			Pattern:     regexp.MustCompile(`(?i)(customer|patient|ssn|salar|payroll|credit)`),
			DataType:    "personal",
			Sensitivity: "critical",
			Tags:        []string{"pii", "sensitive"},
			Retention:   90 * 24 * time.Hour,
			Encrypted:   true,
		},
		{
			Pattern:     regexp.MustCompile(`(?i)(secret|credential|token|password|key)`),
			DataType:    "secret",
			Sensitivity: "critical",
			Tags:        []string{"secret", "sensitive"},
			Encrypted:   true,
		},
		{
			Pattern:     regexp.MustCompile(`(?i)(finance|invoice|ledger|contract)`),
			DataType:    "financial",
			Sensitivity: "high",
			Tags:        []string{"confidential"},
			Retention:   365 * 24 * time.Hour,
			Encrypted:   true,
		},
		{
			// Development-local resources: tool invocations and namespaced
			// capability names.
			Pattern:     regexp.MustCompile(`(^tool:|__)`),
			DataType:    "local",
			Sensitivity: "low",
			Tags:        []string{"development"},
		},
		{
			Pattern:     regexp.MustCompile(`(?i)(public|readme|docs?/)`),
			DataType:    "public",
			Sensitivity: "low",
			Tags:        []string{"public"},
		},
	}
	rules = append(extra, rules...)
	return &ResourceClassifier{rules: rules, production: production}
}

// Name implements Enricher.
func (*ResourceClassifier) Name() string { return "resource" }

// Enrich implements Enricher.
func (rc *ResourceClassifier) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	for _, rule := range rc.rules {
		if !rule.Pattern.MatchString(dctx.Resource) {
			continue
		}
		values := map[string]any{
			"dataType":    rule.DataType,
			"sensitivity": rule.Sensitivity,
			"tags":        append([]string(nil), rule.Tags...),
			"encrypted":   rule.Encrypted,
		}
		if rule.Retention > 0 {
			values["retention"] = rule.Retention.String()
		}
		return values, nil
	}

	// Unclassified resources fail toward caution in production.
	sensitivity := "medium"
	if rc.production {
		sensitivity = "high"
	}
	return map[string]any{
		"dataType":    "unclassified",
		"sensitivity": sensitivity,
		"tags":        []string{},
		"encrypted":   false,
	}, nil
}

var suspiciousPatterns = []string{
	"../", "/etc/passwd", "/etc/shadow", "rm -rf", "DROP TABLE", "; --",
	"curl ", "wget ", "base64 -d", "eval(",
}

// SecurityEnricher annotates risk hints derived from the resource, the
// stated purpose, and the agent's violation history.
type SecurityEnricher struct{}

// Name implements Enricher.
func (SecurityEnricher) Name() string { return "security" }

// Enrich implements Enricher.
func (SecurityEnricher) Enrich(_ context.Context, dctx *decision.Context) (map[string]any, error) {
	var matched []string
	haystack := strings.ToLower(dctx.Resource + " " + dctx.Purpose)
	for _, pat := range suspiciousPatterns {
		if strings.Contains(haystack, strings.ToLower(pat)) {
			matched = append(matched, pat)
		}
	}
	values := map[string]any{
		"suspicious":        len(matched) > 0,
		"violationCount":    len(dctx.ViolationHistory),
		"repeatOffender":    len(dctx.ViolationHistory) >= 3,
		"clearanceDeclared": dctx.ClearanceLevel > 0,
	}
	if len(matched) > 0 {
		values["suspiciousPatterns"] = matched
	}
	return values, nil
}
