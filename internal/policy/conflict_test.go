package policy

import (
	"strings"
	"testing"

	"github.com/aegisproxy/aegis/internal/decision"
)

func evaluated(id string, effect decision.Effect) Evaluated {
	return Evaluated{
		Policy:   Policy{ID: id},
		Decision: decision.Decision{Effect: effect, Reason: "because " + id, Confidence: 0.9},
	}
}

func TestSuggestStrategy(t *testing.T) {
	r := NewResolver(nil)
	withClassification := func(action decision.Action, resource, sensitivity string, tags ...string) *decision.Context {
		tagList := make([]any, len(tags))
		for i, tg := range tags {
			tagList[i] = tg
		}
		return &decision.Context{
			Action:   action,
			Resource: resource,
			Environment: map[string]any{
				"enrichments": map[string]any{
					"resource": map[string]any{"sensitivity": sensitivity, "tags": tagList},
				},
			},
		}
	}

	tests := []struct {
		name string
		dctx *decision.Context
		want Strategy
	}{
		{"delete is strict", &decision.Context{Action: decision.ActionDelete}, StrategyStrict},
		{"modify is strict", &decision.Context{Action: decision.ActionModify}, StrategyStrict},
		{"sensitive tag is strict", withClassification(decision.ActionRead, "db://x", "low", "sensitive"), StrategyStrict},
		{"secret in resource is strict", &decision.Context{Action: decision.ActionExecute, Resource: "vault/secrets"}, StrategyStrict},
		{"high sensitivity is strict", withClassification(decision.ActionExecute, "db://x", "high"), StrategyStrict},
		{"read of low is permissive", withClassification(decision.ActionRead, "docs/x", "low", "public"), StrategyPermissive},
		{"list of medium is permissive", withClassification(decision.ActionList, "tools", "medium"), StrategyPermissive},
		{"execute defaults to priority", withClassification(decision.ActionExecute, "tool:x", "low"), StrategyPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Suggest(tt.dctx); got != tt.want {
				t.Errorf("Suggest = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveAgreementPassesThrough(t *testing.T) {
	r := NewResolver(nil)
	results := []Evaluated{evaluated("a", decision.Permit), evaluated("b", decision.Permit)}

	got := r.Resolve(StrategyStrict, results)
	if got.Effect != decision.Permit {
		t.Errorf("effect = %s", got.Effect)
	}
	// No disagreement, no annotation.
	if _, ok := got.Metadata["resolutionStrategy"]; ok {
		t.Error("agreed decisions must not carry conflict metadata")
	}
	if got.Reason != "because a" {
		t.Errorf("reason = %q, want the first decision unchanged", got.Reason)
	}
}

func TestResolveStrictDenyWins(t *testing.T) {
	r := NewResolver(nil)
	results := []Evaluated{
		evaluated("permit-high-priority", decision.Permit),
		evaluated("deny-low-priority", decision.Deny),
	}

	got := r.Resolve(StrategyStrict, results)
	if got.Effect != decision.Deny {
		t.Fatalf("effect = %s, want DENY", got.Effect)
	}
	ids, _ := got.Metadata["conflictingPolicies"].([]string)
	if len(ids) != 2 || ids[0] != "permit-high-priority" || ids[1] != "deny-low-priority" {
		t.Errorf("conflictingPolicies = %v", ids)
	}
	if got.Metadata["resolutionStrategy"] != "strict" {
		t.Errorf("resolutionStrategy = %v", got.Metadata["resolutionStrategy"])
	}
	if !strings.Contains(got.Reason, "resolved across 2 policies via strict") {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestResolvePermissivePermitWins(t *testing.T) {
	r := NewResolver(nil)
	results := []Evaluated{
		evaluated("deny", decision.Deny),
		evaluated("indeterminate", decision.Indeterminate),
		evaluated("permit", decision.Permit),
	}
	if got := r.Resolve(StrategyPermissive, results); got.Effect != decision.Permit {
		t.Errorf("effect = %s, want PERMIT", got.Effect)
	}
}

func TestResolvePriorityFirstWins(t *testing.T) {
	r := NewResolver(nil)
	results := []Evaluated{
		evaluated("high", decision.Deny),
		evaluated("low", decision.Permit),
	}
	got := r.Resolve(StrategyPriority, results)
	if got.Effect != decision.Deny {
		t.Errorf("effect = %s, want the highest-priority DENY", got.Effect)
	}
}

func TestResolveConsensus(t *testing.T) {
	r := NewResolver(nil)

	majority := []Evaluated{
		evaluated("a", decision.Permit),
		evaluated("b", decision.Deny),
		evaluated("c", decision.Deny),
	}
	if got := r.Resolve(StrategyConsensus, majority); got.Effect != decision.Deny {
		t.Errorf("majority effect = %s, want DENY", got.Effect)
	}

	// A tie breaks to the highest-priority policy, which is first in the
	// (priority-ordered) slice.
	tie := []Evaluated{
		evaluated("a", decision.Permit),
		evaluated("b", decision.Deny),
	}
	if got := r.Resolve(StrategyConsensus, tie); got.Effect != decision.Permit {
		t.Errorf("tie effect = %s, want PERMIT", got.Effect)
	}
}

func TestResolveSingleResult(t *testing.T) {
	r := NewResolver(nil)
	got := r.Resolve(StrategyStrict, []Evaluated{evaluated("only", decision.Permit)})
	if got.Effect != decision.Permit || got.Reason != "because only" {
		t.Errorf("single result altered: %+v", got)
	}
}
