package policy

import (
	"context"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/llm"
)

func newTestEngine(t *testing.T, mock *llm.Mock, cache *Cache) (*Engine, *Store) {
	t.Helper()
	store := NewStore(nil)
	var client llm.Client
	if mock != nil {
		client = mock
	}
	engine := NewEngine(
		store,
		NewStructuredEvaluator(nil, nil),
		NewLLMEvaluator(client, nil),
		NewResolver(nil),
		cache,
		nil,
	)
	return engine, store
}

func execContext() *decision.Context {
	return &decision.Context{
		Agent:    "agent-1",
		Action:   decision.ActionExecute,
		Resource: "tool:fs__read_file",
		Time:     time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
	}
}

func TestEngineNoApplicablePolicy(t *testing.T) {
	engine, _ := newTestEngine(t, llm.NewMock(""), nil)

	d := engine.Decide(context.Background(), execContext(), nil)
	if d.Effect != decision.Indeterminate {
		t.Errorf("effect = %s, want INDETERMINATE", d.Effect)
	}
	if d.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", d.Confidence)
	}
	if len(d.Obligations) != 1 || d.Obligations[0] != ObligationManualReview {
		t.Errorf("obligations = %v, want manual-review", d.Obligations)
	}
}

func TestEngineStructuredShortCircuitsLLM(t *testing.T) {
	mock := llm.NewMock("")
	engine, store := newTestEngine(t, mock, nil)
	if _, err := store.Add("", "structured", `{"permissions": [{"actions": ["execute"]}]}`, Metadata{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	d := engine.Decide(context.Background(), execContext(), nil)
	if d.Effect != decision.Permit {
		t.Errorf("effect = %s, want PERMIT", d.Effect)
	}
	if d.Metadata["evaluator"] != "structured" {
		t.Errorf("evaluator = %v, want structured", d.Metadata["evaluator"])
	}
	if mock.CallCount() != 0 {
		t.Errorf("LLM consulted %d times for a confident structured verdict", mock.CallCount())
	}
}

func TestEngineLowConfidenceFallsThroughToLLM(t *testing.T) {
	mock := llm.NewMock(`{"decision":"DENY","reason":"model says no","confidence":0.95,"riskLevel":"HIGH"}`)
	engine, store := newTestEngine(t, mock, nil)
	if _, err := store.Add("", "hesitant",
		`{"permissions": [{"actions": ["execute"], "confidence": 0.5}]}`, Metadata{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	d := engine.Decide(context.Background(), execContext(), nil)
	if mock.CallCount() != 1 {
		t.Fatalf("LLM called %d times, want 1", mock.CallCount())
	}
	if d.Effect != decision.Deny || d.Metadata["evaluator"] != "llm" {
		t.Errorf("decision = %+v, want the LLM verdict", d)
	}
}

func TestEngineCachesLLMDecisions(t *testing.T) {
	mock := llm.NewMock("")
	cache := NewCache(16, time.Minute, true, nil)
	engine, store := newTestEngine(t, mock, cache)
	if _, err := store.Add("", "natural", "Agents may use read-only tools.", Metadata{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first := engine.Decide(context.Background(), execContext(), nil)
	if first.Effect != decision.Permit {
		t.Fatalf("first effect = %s", first.Effect)
	}
	if _, ok := first.Metadata["cacheHit"]; ok {
		t.Error("first decision must not be a cache hit")
	}

	second := engine.Decide(context.Background(), execContext(), nil)
	if second.Effect != decision.Permit {
		t.Fatalf("second effect = %s", second.Effect)
	}
	if second.Metadata["cacheHit"] != true {
		t.Error("identical request within the hour must hit the cache")
	}
	if mock.CallCount() != 1 {
		t.Errorf("LLM called %d times across identical requests, want 1", mock.CallCount())
	}
}

func TestEngineCacheKeyedOnPolicyBody(t *testing.T) {
	mock := llm.NewMock("")
	cache := NewCache(16, time.Minute, true, nil)
	engine, store := newTestEngine(t, mock, cache)
	id, _ := store.Add("", "natural", "Agents may use read-only tools.", Metadata{})

	engine.Decide(context.Background(), execContext(), nil)
	if err := store.Update(id, "Agents may use read-only tools before 18:00.", "ops"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	d := engine.Decide(context.Background(), execContext(), nil)

	if _, ok := d.Metadata["cacheHit"]; ok {
		t.Error("changed policy body must invalidate the cached decision")
	}
	if mock.CallCount() != 2 {
		t.Errorf("LLM called %d times, want 2 (one per body)", mock.CallCount())
	}
}

func TestEngineSinglePolicyMode(t *testing.T) {
	engine, store := newTestEngine(t, llm.NewMock(""), nil)
	store.Add("", "catalog prohibition", `{"prohibitions": [{"actions": ["execute"]}]}`, Metadata{})

	single := &Policy{
		ID:       "pol_single",
		Name:     "what-if",
		Body:     `{"permissions": [{"actions": ["execute"]}]}`,
		Metadata: Metadata{Status: StatusActive},
	}
	rules, err := parseStructuredBody(single.Body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	single.Rules = rules

	// Single-policy evaluation ignores the catalog entirely.
	d := engine.Decide(context.Background(), execContext(), single)
	if d.Effect != decision.Permit {
		t.Errorf("effect = %s, want PERMIT from the single policy", d.Effect)
	}
	if d.Metadata["policyId"] != "pol_single" {
		t.Errorf("policyId = %v", d.Metadata["policyId"])
	}
}

func TestEngineConflictResolution(t *testing.T) {
	mock := llm.NewMock("")
	engine, store := newTestEngine(t, mock, nil)
	// Priority order puts the permit first; the deny must still win because
	// deletes resolve under the strict strategy.
	store.Add("", "permit", `{"permissions": [{"actions": ["delete"]}]}`, Metadata{Priority: 10})
	store.Add("", "deny", `{"prohibitions": [{"actions": ["delete"]}]}`, Metadata{Priority: 1})

	dctx := execContext()
	dctx.Action = decision.ActionDelete

	d := engine.Decide(context.Background(), dctx, nil)
	if d.Effect != decision.Deny {
		t.Errorf("effect = %s, want DENY under strict resolution", d.Effect)
	}
	if d.Metadata["resolutionStrategy"] != "strict" {
		t.Errorf("resolutionStrategy = %v", d.Metadata["resolutionStrategy"])
	}
}
