package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/llm"
)

// ObligationManualReview is attached whenever the LLM path cannot produce a
// trustworthy verdict.
const ObligationManualReview = "manual-review"

// analysisPromptTemplate is the default evaluation prompt. Placeholders are
// substituted with context fields and the policy body.
const analysisPromptTemplate = `You are a security policy evaluator for an AI agent capability proxy.

## POLICY

Name: {{policyName}}

{{policyBody}}

## REQUEST CONTEXT

- Agent: {{agent}} (type: {{agentType}}, clearance: {{clearance}})
- Action: {{action}}
- Resource: {{resource}}
- Purpose: {{purpose}}
- Time: {{time}}
- Derived attributes: {{enrichments}}

## TASK

Decide whether the policy permits this request. Respond with a single JSON object, no markdown fencing:
{"decision": "PERMIT" | "DENY" | "INDETERMINATE", "reason": "<explanation referencing the policy>", "confidence": <0.0-1.0>, "riskLevel": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL", "constraints": [<transform names>], "obligations": [<side-effect names>]}`

// LLMEvaluator evaluates a policy against a context by prompting a chat
// model and parsing its JSON verdict. All failure modes recover locally to
// an INDETERMINATE decision; this evaluator never returns an error to the
// engine.
type LLMEvaluator struct {
	client   llm.Client
	template string
	logger   *slog.Logger
}

// NewLLMEvaluator creates an LLM evaluator using the default prompt
// template.
func NewLLMEvaluator(client llm.Client, logger *slog.Logger) *LLMEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMEvaluator{
		client:   client,
		template: analysisPromptTemplate,
		logger:   logger.With("component", "policy.LLMEvaluator"),
	}
}

// Evaluate prompts the model for a verdict on (policy, context).
func (e *LLMEvaluator) Evaluate(ctx context.Context, p *Policy, dctx *decision.Context) decision.Decision {
	if e.client == nil {
		return indeterminate(p, "no LLM backend configured", "aiError")
	}

	prompt := e.buildPrompt(p, dctx)
	raw, err := e.client.Complete(ctx, prompt)
	if err != nil {
		e.logger.Error("LLM evaluation failed",
			"policy", p.ID,
			"error", err,
		)
		return indeterminate(p, fmt.Sprintf("LLM evaluation failed: %v", err), "aiError")
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		e.logger.Warn("LLM returned unusable verdict",
			"policy", p.ID,
			"error", err,
		)
		return indeterminate(p, fmt.Sprintf("unparseable LLM verdict: %v", err), "parseError")
	}

	verdict.Metadata = map[string]any{"policyId": p.ID, "evaluator": "llm"}
	return verdict
}

func (e *LLMEvaluator) buildPrompt(p *Policy, dctx *decision.Context) string {
	enrichments := "none"
	if enr := dctx.Enrichments(); enr != nil {
		if b, err := json.Marshal(enr); err == nil {
			enrichments = string(b)
		}
	}
	r := strings.NewReplacer(
		"{{policyName}}", p.Name,
		"{{policyBody}}", p.Body,
		"{{agent}}", dctx.Agent,
		"{{agentType}}", dctx.AgentType,
		"{{clearance}}", fmt.Sprintf("%d", dctx.ClearanceLevel),
		"{{action}}", string(dctx.Action),
		"{{resource}}", dctx.Resource,
		"{{purpose}}", dctx.Purpose,
		"{{time}}", dctx.Time.Format("2006-01-02 15:04 Monday"),
		"{{enrichments}}", enrichments,
	)
	return r.Replace(e.template)
}

// verdictJSON is the JSON shape expected from the model.
type verdictJSON struct {
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	RiskLevel   string   `json:"riskLevel"`
	Constraints []string `json:"constraints"`
	Obligations []string `json:"obligations"`
}

// parseVerdict validates the model output into a Decision. The raw text has
// already been through llm.ExtractJSON.
func parseVerdict(raw string) (decision.Decision, error) {
	var v verdictJSON
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return decision.Decision{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if !decision.ValidEffect(v.Decision) {
		return decision.Decision{}, fmt.Errorf("decision %q not in allowed set", v.Decision)
	}
	if strings.TrimSpace(v.Reason) == "" {
		return decision.Decision{}, fmt.Errorf("empty reason")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return decision.Decision{}, fmt.Errorf("confidence %v out of range", v.Confidence)
	}

	risk := decision.RiskLevel(v.RiskLevel)
	switch risk {
	case decision.RiskLow, decision.RiskMedium, decision.RiskHigh, decision.RiskCritical:
	case "":
		risk = decision.RiskMedium
	default:
		return decision.Decision{}, fmt.Errorf("unknown risk level %q", v.RiskLevel)
	}

	return decision.Decision{
		Effect:      decision.Effect(v.Decision),
		Reason:      v.Reason,
		Confidence:  v.Confidence,
		RiskLevel:   risk,
		Constraints: v.Constraints,
		Obligations: v.Obligations,
	}, nil
}

func indeterminate(p *Policy, reason, flag string) decision.Decision {
	return decision.Decision{
		Effect:      decision.Indeterminate,
		Reason:      reason,
		Confidence:  0,
		RiskLevel:   decision.RiskHigh,
		Obligations: []string{ObligationManualReview},
		Metadata:    map[string]any{"policyId": p.ID, "evaluator": "llm", flag: true},
	}
}
