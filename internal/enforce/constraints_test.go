package enforce

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

func TestAnonymizerRedactsFields(t *testing.T) {
	a := Anonymizer{}
	in := map[string]any{
		"name":  "Jordan Smith",
		"email": "contact jordan.smith@example.com for details",
		"phone": "555-0100",
		"notes": []any{
			map[string]any{"ssn": "123-45-6789", "address": "1 Main St", "count": 3},
		},
		"total": 42,
	}

	out, err := a.Apply(context.Background(), "anonymize personal data", in, &decision.Context{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := map[string]any{
		"name":  "[REDACTED]",
		"email": "contact ****@example.com for details",
		"phone": "[REDACTED]",
		"notes": []any{
			map[string]any{"ssn": "[REDACTED]", "address": "[REDACTED]", "count": 3},
		},
		"total": 42,
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Apply = %#v, want %#v", out, want)
	}

	// Idempotence: re-anonymizing the result changes nothing.
	again, err := a.Apply(context.Background(), "anonymize personal data", out, &decision.Context{})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if !reflect.DeepEqual(again, out) {
		t.Errorf("anonymization is not idempotent: %#v vs %#v", again, out)
	}
}

func TestAnonymizerCanHandle(t *testing.T) {
	a := Anonymizer{}
	for _, c := range []string{"anonymize results", "Redact PII fields", "data-anonymizer"} {
		if !a.CanHandle(c) {
			t.Errorf("CanHandle(%q) = false", c)
		}
	}
	if a.CanHandle("rate limit: 3 per second") {
		t.Error("anonymizer claimed a rate-limit constraint")
	}
}

func TestRateLimiterExhaustsBucket(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	r := NewRateLimiter(func() time.Time { return now })
	dctx := &decision.Context{Agent: "agent-1", Action: decision.ActionExecute}
	constraint := "rate limit: 2 per second"

	for i := 0; i < 2; i++ {
		if _, err := r.Apply(context.Background(), constraint, "payload", dctx); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := r.Apply(context.Background(), constraint, "payload", dctx)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third call: err = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Agent != "agent-1" {
		t.Errorf("error detail = %v", err)
	}

	// Tokens refill with the clock.
	now = now.Add(time.Second)
	if _, err := r.Apply(context.Background(), constraint, "payload", dctx); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestRateLimiterBucketsPerAgentAndAction(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	r := NewRateLimiter(func() time.Time { return now })
	constraint := "rate limit: 1 per minute"

	first := &decision.Context{Agent: "agent-1", Action: decision.ActionExecute}
	if _, err := r.Apply(context.Background(), constraint, nil, first); err != nil {
		t.Fatalf("first agent: %v", err)
	}
	if _, err := r.Apply(context.Background(), constraint, nil, first); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("first agent second call: err = %v", err)
	}

	// A different agent or action draws from its own bucket.
	other := &decision.Context{Agent: "agent-2", Action: decision.ActionExecute}
	if _, err := r.Apply(context.Background(), constraint, nil, other); err != nil {
		t.Errorf("other agent: %v", err)
	}
	otherAction := &decision.Context{Agent: "agent-1", Action: decision.ActionRead}
	if _, err := r.Apply(context.Background(), constraint, nil, otherAction); err != nil {
		t.Errorf("other action: %v", err)
	}
}

func TestRateLimiterCanHandle(t *testing.T) {
	r := NewRateLimiter(nil)
	for _, c := range []string{"rate limit: 3 per second", "Rate Limit 10 per minute", "rate-limiter"} {
		if !r.CanHandle(c) {
			t.Errorf("CanHandle(%q) = false", c)
		}
	}
	if r.CanHandle("anonymize results") {
		t.Error("rate limiter claimed an anonymize constraint")
	}
}

func TestGeoRestrictor(t *testing.T) {
	g := NewGeoRestrictor(map[string][]string{"EU": {"185.0.0.0/8"}})

	tests := []struct {
		name       string
		constraint string
		clientIP   string
		wantErr    bool
	}{
		{"local allowed", "geo restrict: LOCAL", "192.168.1.10", false},
		{"loopback allowed", "geo restrict: LOCAL", "127.0.0.1", false},
		{"public denied for LOCAL", "geo restrict: LOCAL", "8.8.8.8", true},
		{"configured region allowed", "geo restrict: EU, LOCAL", "185.10.10.10", false},
		{"missing ip is unknown", "geo restrict: LOCAL", "", true},
		{"no allow list passes", "geo", "8.8.8.8", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dctx := &decision.Context{
				Agent:       "agent-1",
				Environment: map[string]any{"clientIP": tt.clientIP},
			}
			_, err := g.Apply(context.Background(), tt.constraint, "payload", dctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrGeoRestricted) {
				t.Errorf("err = %v, want ErrGeoRestricted", err)
			}
		})
	}
}
