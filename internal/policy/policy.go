// Package policy implements the hybrid decision engine: an in-memory policy
// catalog, a deterministic structured-rule evaluator (with optional CEL
// conditions), an LLM fallback evaluator, conflict resolution across
// multiple applicable policies, and a bounded TTL decision cache.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Status is the lifecycle state of a policy. Only active policies are
// considered for applicability.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusDraft      Status = "draft"
)

// ValidStatus reports whether s is a recognized lifecycle state.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusDeprecated, StatusDraft:
		return true
	}
	return false
}

// Revision records one historical version of a policy body.
type Revision struct {
	Version   int       `json:"version"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Metadata carries the administrative state of a policy.
type Metadata struct {
	Status    Status     `json:"status"`
	Priority  int        `json:"priority"`
	Tags      []string   `json:"tags,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	UpdatedBy string     `json:"updatedBy,omitempty"`
	History   []Revision `json:"history,omitempty"`
}

// TimeRange restricts applicability to a daily hour window [Start, End).
type TimeRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether t falls inside the window. Windows may wrap
// midnight (e.g. 22–6).
func (r TimeRange) Contains(t time.Time) bool {
	h := t.Hour()
	if r.Start <= r.End {
		return h >= r.Start && h < r.End
	}
	return h >= r.Start || h < r.End
}

// Conditions are the optional applicability filters of a policy. A missing
// condition always matches.
type Conditions struct {
	TimeRange        *TimeRange `json:"timeRange,omitempty" yaml:"time_range"`
	AgentTypes       []string   `json:"agentTypes,omitempty" yaml:"agent_types"`
	ResourcePatterns []string   `json:"resourcePatterns,omitempty" yaml:"resource_patterns"`
	Tags             []string   `json:"tags,omitempty" yaml:"tags"`
}

// Policy is a named expression of allow/deny rules. Body holds the
// natural-language text; Rules holds the structured part when the body (or
// the admin surface) supplied one.
type Policy struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Body       string     `json:"body"`
	Rules      *RuleSet   `json:"rules,omitempty"`
	Conditions Conditions `json:"conditions"`
	Metadata   Metadata   `json:"metadata"`

	resourceRE []*regexp.Regexp
}

// RuleSet is the structured part of a policy body: explicit permit and
// prohibit entries evaluated deterministically before any LLM involvement.
type RuleSet struct {
	Permissions  []Rule `json:"permissions,omitempty" yaml:"permissions"`
	Prohibitions []Rule `json:"prohibitions,omitempty" yaml:"prohibitions"`
}

// Rule is one permit or prohibit entry. All of its ordered conditions must
// hold for the rule to match.
type Rule struct {
	Description string            `json:"description,omitempty" yaml:"description"`
	Actions     []decision.Action `json:"actions,omitempty" yaml:"actions"`
	Conditions  []RuleCondition   `json:"conditions,omitempty" yaml:"conditions"`
	Constraints []string          `json:"constraints,omitempty" yaml:"constraints"`
	Obligations []string          `json:"obligations,omitempty" yaml:"obligations"`
	Confidence  float64           `json:"confidence,omitempty" yaml:"confidence"`
}

// RuleCondition is one ordered constraint on a rule. Kind selects which
// fields are meaningful: "time" (Start/End hours), "agent" (AgentTypes,
// MinClearance), "resource" (Pattern regex), "cel" (Expression).
type RuleCondition struct {
	Kind         string   `json:"kind" yaml:"kind"`
	Start        int      `json:"start,omitempty" yaml:"start"`
	End          int      `json:"end,omitempty" yaml:"end"`
	AgentTypes   []string `json:"agentTypes,omitempty" yaml:"agent_types"`
	MinClearance int      `json:"minClearance,omitempty" yaml:"min_clearance"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern"`
	Expression   string   `json:"expression,omitempty" yaml:"expression"`
}

// BodyHash returns a stable fingerprint of the policy body, used as one half
// of the decision cache key.
func (p *Policy) BodyHash() string {
	h := sha256.Sum256([]byte(p.Body))
	return hex.EncodeToString(h[:])
}

// Applicable reports whether the policy should be considered for the given
// context: active status and every supplied condition matching.
func (p *Policy) Applicable(dctx *decision.Context) bool {
	if p.Metadata.Status != StatusActive {
		return false
	}
	if p.Conditions.TimeRange != nil && !p.Conditions.TimeRange.Contains(dctx.Time) {
		return false
	}
	if len(p.Conditions.AgentTypes) > 0 && !containsFold(p.Conditions.AgentTypes, dctx.AgentType) {
		return false
	}
	if len(p.resourceRE) > 0 {
		matched := false
		for _, re := range p.resourceRE {
			if re.MatchString(dctx.Resource) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(p.Conditions.Tags) > 0 && !tagsIntersect(p.Conditions.Tags, dctx) {
		return false
	}
	return true
}

// compile pre-builds the resource regexes. Invalid patterns invalidate the
// whole policy; the store logs and skips it.
func (p *Policy) compile() error {
	p.resourceRE = p.resourceRE[:0]
	for _, pat := range p.Conditions.ResourcePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return err
		}
		p.resourceRE = append(p.resourceRE, re)
	}
	return nil
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// tagsIntersect matches policy tag hints against the resource
// classification tags contributed by the enrichment pipeline.
func tagsIntersect(hints []string, dctx *decision.Context) bool {
	cls := dctx.Enrichment("resource")
	if cls == nil {
		return false
	}
	var tags []string
	switch v := cls["tags"].(type) {
	case []string:
		tags = v
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	for _, hint := range hints {
		if containsFold(tags, hint) {
			return true
		}
	}
	return false
}

// parseStructuredBody attempts to read a policy body as a JSON rule set.
// Natural-language bodies return (nil, nil); malformed structured bodies
// return the parse error so callers can warn and skip.
func parseStructuredBody(body string) (*RuleSet, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, nil
	}
	var rs RuleSet
	if err := json.Unmarshal([]byte(trimmed), &rs); err != nil {
		return nil, err
	}
	if len(rs.Permissions) == 0 && len(rs.Prohibitions) == 0 {
		return nil, nil
	}
	return &rs, nil
}
