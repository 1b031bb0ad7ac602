package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/llm"
)

func llmContext() *decision.Context {
	return &decision.Context{
		Agent:     "agent-1",
		AgentType: "assistant",
		Action:    decision.ActionExecute,
		Resource:  "tool:db__query",
		Purpose:   "monthly report",
		Time:      time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
	}
}

func TestLLMEvaluatorParsesVerdict(t *testing.T) {
	mock := llm.NewMock(`{"decision":"DENY","reason":"outside business purpose","confidence":0.85,"riskLevel":"HIGH","obligations":["notify"]}`)
	e := NewLLMEvaluator(mock, nil)
	p := &Policy{ID: "pol_1", Name: "db access", Body: "Agents may query the db for reporting only."}

	d := e.Evaluate(context.Background(), p, llmContext())
	if d.Effect != decision.Deny || d.Confidence != 0.85 || d.RiskLevel != decision.RiskHigh {
		t.Errorf("decision = %+v", d)
	}
	if d.Metadata["policyId"] != "pol_1" || d.Metadata["evaluator"] != "llm" {
		t.Errorf("metadata = %v", d.Metadata)
	}
	if len(d.Obligations) != 1 || d.Obligations[0] != "notify" {
		t.Errorf("obligations = %v", d.Obligations)
	}
}

func TestLLMEvaluatorPromptContents(t *testing.T) {
	mock := llm.NewMock("")
	e := NewLLMEvaluator(mock, nil)
	p := &Policy{ID: "pol_1", Name: "db access", Body: "Agents may query the db for reporting only."}

	e.Evaluate(context.Background(), p, llmContext())
	prompt := mock.LastPrompt()
	for _, want := range []string{
		"db access",
		"Agents may query the db for reporting only.",
		"agent-1",
		"tool:db__query",
		"monthly report",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "{{") {
		t.Error("prompt contains unexpanded placeholders")
	}
}

func TestLLMEvaluatorFailureModes(t *testing.T) {
	p := &Policy{ID: "pol_1", Name: "p", Body: "text"}

	t.Run("no client", func(t *testing.T) {
		e := NewLLMEvaluator(nil, nil)
		d := e.Evaluate(context.Background(), p, llmContext())
		if d.Effect != decision.Indeterminate || d.Metadata["aiError"] != true {
			t.Errorf("decision = %+v", d)
		}
		if len(d.Obligations) != 1 || d.Obligations[0] != ObligationManualReview {
			t.Errorf("obligations = %v", d.Obligations)
		}
	})

	t.Run("unparseable output", func(t *testing.T) {
		e := NewLLMEvaluator(llm.NewMock("I refuse to answer in JSON."), nil)
		d := e.Evaluate(context.Background(), p, llmContext())
		if d.Effect != decision.Indeterminate || d.Metadata["parseError"] != true {
			t.Errorf("decision = %+v", d)
		}
		if d.Confidence != 0 || d.RiskLevel != decision.RiskHigh {
			t.Errorf("recovery shape = %+v", d)
		}
	})
}

func TestParseVerdictValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"decision":"PERMIT","reason":"ok","confidence":0.9,"riskLevel":"LOW"}`, false},
		{"missing risk defaults to medium", `{"decision":"PERMIT","reason":"ok","confidence":0.9}`, false},
		{"unknown effect", `{"decision":"ALLOW","reason":"ok","confidence":0.9}`, true},
		{"empty reason", `{"decision":"PERMIT","reason":"  ","confidence":0.9}`, true},
		{"confidence out of range", `{"decision":"PERMIT","reason":"ok","confidence":1.5}`, true},
		{"unknown risk", `{"decision":"PERMIT","reason":"ok","confidence":0.9,"riskLevel":"EXTREME"}`, true},
		{"not json", `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseVerdict(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "missing risk defaults to medium" && d.RiskLevel != decision.RiskMedium {
				t.Errorf("risk = %s, want MEDIUM", d.RiskLevel)
			}
		})
	}
}
