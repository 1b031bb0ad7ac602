package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aegisproxy/aegis/internal/decision"
)

// StructuredEvaluator deterministically evaluates the explicit permit and
// prohibit entries of a policy's rule set. Prohibitions are checked before
// permissions so an overlapping rule pair resolves to DENY.
type StructuredEvaluator struct {
	cel    *CELEvaluator
	logger *slog.Logger
}

// NewStructuredEvaluator creates a structured evaluator. cel may be nil, in
// which case rules with CEL conditions never match.
func NewStructuredEvaluator(cel *CELEvaluator, logger *slog.Logger) *StructuredEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredEvaluator{
		cel:    cel,
		logger: logger.With("component", "policy.StructuredEvaluator"),
	}
}

// Evaluate runs the policy's rule set against the context. ok is false when
// the policy has no structured part or no rule matched; the engine then
// falls through to the LLM evaluator.
func (e *StructuredEvaluator) Evaluate(p *Policy, dctx *decision.Context) (decision.Decision, bool) {
	if p.Rules == nil {
		return decision.Decision{}, false
	}

	for i := range p.Rules.Prohibitions {
		rule := &p.Rules.Prohibitions[i]
		if e.ruleMatches(p, rule, dctx) {
			return decision.Decision{
				Effect:      decision.Deny,
				Reason:      denyReason(p, rule),
				Confidence:  ruleConfidence(rule),
				RiskLevel:   decision.RiskHigh,
				Obligations: append([]string(nil), rule.Obligations...),
				Metadata:    map[string]any{"policyId": p.ID, "evaluator": "structured"},
			}, true
		}
	}

	for i := range p.Rules.Permissions {
		rule := &p.Rules.Permissions[i]
		if e.ruleMatches(p, rule, dctx) {
			return decision.Decision{
				Effect:      decision.Permit,
				Reason:      permitReason(p, rule),
				Confidence:  ruleConfidence(rule),
				RiskLevel:   decision.RiskLow,
				Constraints: append([]string(nil), rule.Constraints...),
				Obligations: append([]string(nil), rule.Obligations...),
				Metadata:    map[string]any{"policyId": p.ID, "evaluator": "structured"},
			}, true
		}
	}

	return decision.Decision{}, false
}

// ruleMatches reports whether every ordered condition of the rule holds.
func (e *StructuredEvaluator) ruleMatches(p *Policy, rule *Rule, dctx *decision.Context) bool {
	if len(rule.Actions) > 0 {
		found := false
		for _, a := range rule.Actions {
			if a == dctx.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, cond := range rule.Conditions {
		ok, err := e.condition(cond, dctx)
		if err != nil {
			e.logger.Warn("rule condition failed, treating as no-match",
				"policy", p.ID,
				"kind", cond.Kind,
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *StructuredEvaluator) condition(cond RuleCondition, dctx *decision.Context) (bool, error) {
	switch cond.Kind {
	case "time":
		return TimeRange{Start: cond.Start, End: cond.End}.Contains(dctx.Time), nil

	case "agent":
		if len(cond.AgentTypes) > 0 && !containsFold(cond.AgentTypes, dctx.AgentType) {
			return false, nil
		}
		if cond.MinClearance > 0 && dctx.ClearanceLevel < cond.MinClearance {
			return false, nil
		}
		return true, nil

	case "resource":
		if cond.Pattern == "" {
			return true, nil
		}
		return matchResource(cond.Pattern, dctx.Resource)

	case "cel":
		if e.cel == nil {
			return false, fmt.Errorf("CEL condition present but no evaluator configured")
		}
		rule, err := e.cel.Compile(cond.Expression)
		if err != nil {
			return false, err
		}
		return e.cel.Evaluate(rule, dctx)

	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

// matchResource matches a rule resource pattern. Patterns of the form
// "prefix*" are treated as prefix matches; anything else is a regex.
func matchResource(pattern, resource string) (bool, error) {
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		if !strings.ContainsAny(prefix, `\.+?()[]{}^$|*`) {
			return strings.HasPrefix(resource, prefix), nil
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid resource pattern %q: %w", pattern, err)
	}
	return re.MatchString(resource), nil
}

func ruleConfidence(rule *Rule) float64 {
	if rule.Confidence > 0 {
		return rule.Confidence
	}
	return 1.0
}

func denyReason(p *Policy, rule *Rule) string {
	if rule.Description != "" {
		return fmt.Sprintf("prohibited by policy %q: %s", p.Name, rule.Description)
	}
	return fmt.Sprintf("prohibited by policy %q", p.Name)
}

func permitReason(p *Policy, rule *Rule) string {
	if rule.Description != "" {
		return fmt.Sprintf("permitted by policy %q: %s", p.Name, rule.Description)
	}
	return fmt.Sprintf("permitted by policy %q", p.Name)
}
