package policy

import (
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

func testPolicy(t *testing.T, body string) *Policy {
	t.Helper()
	rules, err := parseStructuredBody(body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	return &Policy{ID: "pol_test", Name: "test policy", Body: body, Rules: rules}
}

func TestStructuredProhibitionBeatsPermission(t *testing.T) {
	e := NewStructuredEvaluator(nil, nil)
	p := testPolicy(t, `{
		"permissions":  [{"actions": ["execute"], "description": "tools are allowed"}],
		"prohibitions": [{"actions": ["execute"], "description": "but not for this agent type",
			"conditions": [{"kind": "agent", "agentTypes": ["scraper"]}]}]
	}`)

	d, ok := e.Evaluate(p, &decision.Context{Action: decision.ActionExecute, AgentType: "scraper"})
	if !ok {
		t.Fatal("expected a structured verdict")
	}
	if d.Effect != decision.Deny {
		t.Errorf("effect = %s, want DENY", d.Effect)
	}
	if d.RiskLevel != decision.RiskHigh {
		t.Errorf("risk = %s, want HIGH", d.RiskLevel)
	}
	if d.Metadata["evaluator"] != "structured" || d.Metadata["policyId"] != "pol_test" {
		t.Errorf("metadata = %v", d.Metadata)
	}

	// An agent outside the prohibition falls through to the permission.
	d, ok = e.Evaluate(p, &decision.Context{Action: decision.ActionExecute, AgentType: "assistant"})
	if !ok || d.Effect != decision.Permit {
		t.Errorf("effect = %s (ok=%v), want PERMIT", d.Effect, ok)
	}
}

func TestStructuredNoMatchFallsThrough(t *testing.T) {
	e := NewStructuredEvaluator(nil, nil)

	p := testPolicy(t, `{"permissions": [{"actions": ["read"]}]}`)
	if _, ok := e.Evaluate(p, &decision.Context{Action: decision.ActionDelete}); ok {
		t.Error("non-matching action must fall through to the LLM path")
	}

	natural := &Policy{ID: "pol_nl", Body: "Agents may read public docs."}
	if _, ok := e.Evaluate(natural, &decision.Context{Action: decision.ActionRead}); ok {
		t.Error("natural-language policy must fall through")
	}
}

func TestStructuredConditions(t *testing.T) {
	e := NewStructuredEvaluator(nil, nil)
	p := testPolicy(t, `{
		"permissions": [{
			"actions": ["execute"],
			"conditions": [
				{"kind": "time", "start": 9, "end": 18},
				{"kind": "agent", "minClearance": 2},
				{"kind": "resource", "pattern": "tool:fs__*"}
			],
			"constraints": ["anonymize results"],
			"obligations": ["audit"]
		}]
	}`)

	base := decision.Context{
		Action:         decision.ActionExecute,
		Resource:       "tool:fs__read_file",
		ClearanceLevel: 3,
		Time:           time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
	}

	d, ok := e.Evaluate(p, &base)
	if !ok || d.Effect != decision.Permit {
		t.Fatalf("in-window request: effect = %s (ok=%v)", d.Effect, ok)
	}
	if len(d.Constraints) != 1 || d.Constraints[0] != "anonymize results" {
		t.Errorf("constraints = %v", d.Constraints)
	}
	if len(d.Obligations) != 1 || d.Obligations[0] != "audit" {
		t.Errorf("obligations = %v", d.Obligations)
	}

	afterHours := base
	afterHours.Time = time.Date(2026, 3, 11, 22, 0, 0, 0, time.UTC)
	if _, ok := e.Evaluate(p, &afterHours); ok {
		t.Error("after-hours request must not match the time condition")
	}

	lowClearance := base
	lowClearance.ClearanceLevel = 1
	if _, ok := e.Evaluate(p, &lowClearance); ok {
		t.Error("low clearance must not match")
	}

	otherTool := base
	otherTool.Resource = "tool:db__query"
	if _, ok := e.Evaluate(p, &otherTool); ok {
		t.Error("resource outside the prefix must not match")
	}
}

func TestStructuredCELCondition(t *testing.T) {
	cel, err := NewCELEvaluator(nil)
	if err != nil {
		t.Fatalf("NewCELEvaluator: %v", err)
	}
	e := NewStructuredEvaluator(cel, nil)
	p := testPolicy(t, `{
		"prohibitions": [{
			"actions": ["execute"],
			"conditions": [{"kind": "cel", "expression": "hour >= 22 || hour < 6"}]
		}]
	}`)

	night := &decision.Context{Action: decision.ActionExecute, Time: time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)}
	if d, ok := e.Evaluate(p, night); !ok || d.Effect != decision.Deny {
		t.Errorf("night request: effect = %s (ok=%v), want DENY", d.Effect, ok)
	}

	day := &decision.Context{Action: decision.ActionExecute, Time: time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)}
	if _, ok := e.Evaluate(p, day); ok {
		t.Error("day request must not match the night prohibition")
	}
}

func TestStructuredCELWithoutEvaluator(t *testing.T) {
	e := NewStructuredEvaluator(nil, nil)
	p := testPolicy(t, `{
		"prohibitions": [{"conditions": [{"kind": "cel", "expression": "true"}]}]
	}`)
	// CEL rules without an evaluator never match; the engine then consults
	// the LLM on the natural-language body instead.
	if _, ok := e.Evaluate(p, &decision.Context{Action: decision.ActionExecute}); ok {
		t.Error("CEL condition without evaluator must be a no-match")
	}
}

func TestMatchResource(t *testing.T) {
	tests := []struct {
		pattern  string
		resource string
		want     bool
	}{
		{"tool:fs__*", "tool:fs__read_file", true},
		{"tool:fs__*", "tool:db__query", false},
		{"^db://prod/.*$", "db://prod/customers", true},
		{"^db://prod/.*$", "db://staging/customers", false},
	}
	for _, tt := range tests {
		got, err := matchResource(tt.pattern, tt.resource)
		if err != nil {
			t.Fatalf("matchResource(%q, %q): %v", tt.pattern, tt.resource, err)
		}
		if got != tt.want {
			t.Errorf("matchResource(%q, %q) = %v, want %v", tt.pattern, tt.resource, got, tt.want)
		}
	}

	if _, err := matchResource("(", "x"); err == nil {
		t.Error("invalid regex must error")
	}
}

func TestRuleConfidenceDefault(t *testing.T) {
	if got := ruleConfidence(&Rule{}); got != 1.0 {
		t.Errorf("default confidence = %v, want 1.0", got)
	}
	if got := ruleConfidence(&Rule{Confidence: 0.6}); got != 0.6 {
		t.Errorf("explicit confidence = %v, want 0.6", got)
	}
}

func TestTimeRangeContains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 3, 11, h, 30, 0, 0, time.UTC) }

	day := TimeRange{Start: 9, End: 18}
	if !day.Contains(at(9)) || day.Contains(at(18)) || day.Contains(at(3)) {
		t.Error("daytime window [9,18) misbehaved")
	}

	// Windows may wrap midnight.
	night := TimeRange{Start: 22, End: 6}
	if !night.Contains(at(23)) || !night.Contains(at(2)) || night.Contains(at(12)) {
		t.Error("wrapping window [22,6) misbehaved")
	}
}
