// Package decision defines the context fed into the policy engine and the
// decision it produces. A Context is assembled by the transport layer,
// decorated by the enrichment pipeline, and immutable from then on.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Action is the kind of operation an agent is attempting.
type Action string

const (
	ActionList    Action = "list"
	ActionRead    Action = "read"
	ActionExecute Action = "execute"
	ActionAdmin   Action = "admin"
	ActionDelete  Action = "delete"
	ActionModify  Action = "modify"
)

// Effect is the verdict of a policy evaluation.
type Effect string

const (
	Permit        Effect = "PERMIT"
	Deny          Effect = "DENY"
	Indeterminate Effect = "INDETERMINATE"
)

// RiskLevel grades the assessed risk of permitting an action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ValidEffect reports whether s is one of the recognized verdicts.
func ValidEffect(s string) bool {
	switch Effect(s) {
	case Permit, Deny, Indeterminate:
		return true
	}
	return false
}

// Context is the invariant input to the policy engine.
type Context struct {
	Agent            string         `json:"agent"`
	AgentType        string         `json:"agentType,omitempty"`
	Action           Action         `json:"action"`
	Resource         string         `json:"resource"`
	Purpose          string         `json:"purpose,omitempty"`
	Time             time.Time      `json:"time"`
	Environment      map[string]any `json:"environment,omitempty"`
	ClearanceLevel   int            `json:"clearanceLevel,omitempty"`
	ViolationHistory []string       `json:"violationHistory,omitempty"`
}

// Clone returns a deep copy of the context. Enrichers operate on a clone so
// a failed pipeline never leaves a half-decorated context behind.
func (c *Context) Clone() *Context {
	out := *c
	out.Environment = cloneMap(c.Environment)
	out.ViolationHistory = append([]string(nil), c.ViolationHistory...)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Fingerprint returns a stable hash over the fields that qualify a cached
// decision. Time participates at hour granularity only, so requests within
// the same clock hour share a fingerprint.
func (c *Context) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		c.Agent, c.Action, c.Resource, c.Purpose,
		c.Time.Format("2006-01-02T15"))
	return hex.EncodeToString(h.Sum(nil))
}

// Enrichments returns the enrichment namespace map from the environment,
// or nil when the pipeline has not run.
func (c *Context) Enrichments() map[string]any {
	if c.Environment == nil {
		return nil
	}
	enr, _ := c.Environment["enrichments"].(map[string]any)
	return enr
}

// Enrichment returns a single named enricher contribution.
func (c *Context) Enrichment(name string) map[string]any {
	enr := c.Enrichments()
	if enr == nil {
		return nil
	}
	m, _ := enr[name].(map[string]any)
	return m
}

// Decision is the single verdict returned for a request.
type Decision struct {
	Effect         Effect         `json:"decision"`
	Reason         string         `json:"reason"`
	Confidence     float64        `json:"confidence"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Constraints    []string       `json:"constraints,omitempty"`
	Obligations    []string       `json:"obligations,omitempty"`
	ValidityPeriod *time.Duration `json:"validityPeriod,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// WithMeta returns the decision with an extra metadata key set, allocating
// the map on first use.
func (d Decision) WithMeta(key string, value any) Decision {
	meta := make(map[string]any, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[key] = value
	d.Metadata = meta
	return d
}
