package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

// DefaultAIThreshold is the structured-evaluator confidence below which the
// engine falls through to the LLM evaluator.
const DefaultAIThreshold = 0.8

// DefaultDecisionTimeout bounds one full Decide call.
const DefaultDecisionTimeout = 30 * time.Second

// Engine is the hybrid decision engine. For each applicable policy it tries
// the deterministic structured evaluator first and falls back to the LLM
// evaluator, then resolves conflicts across policies and caches the final
// decision.
//
// Given the same policy set, context, cache state, and LLM text output the
// engine is deterministic.
type Engine struct {
	store       *Store
	structured  *StructuredEvaluator
	llm         *LLMEvaluator
	resolver    *Resolver
	cache       *Cache
	aiThreshold float64
	timeout     time.Duration
	logger      *slog.Logger
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithAIThreshold overrides the structured-confidence threshold.
func WithAIThreshold(t float64) EngineOption {
	return func(e *Engine) {
		if t > 0 {
			e.aiThreshold = t
		}
	}
}

// WithDecisionTimeout overrides the per-decision deadline.
func WithDecisionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine wires the engine from its sub-components. cache may be nil for
// an uncached engine.
func NewEngine(
	store *Store,
	structured *StructuredEvaluator,
	llmEval *LLMEvaluator,
	resolver *Resolver,
	cache *Cache,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:       store,
		structured:  structured,
		llm:         llmEval,
		resolver:    resolver,
		cache:       cache,
		aiThreshold: DefaultAIThreshold,
		timeout:     DefaultDecisionTimeout,
		logger:      logger.With("component", "policy.Engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the engine's policy catalog for the admin surface.
func (e *Engine) Store() *Store { return e.store }

// Decide evaluates the context. When single is non-nil only that policy is
// considered; otherwise the applicable subset of the active catalog is
// used. A context with no applicable policy yields INDETERMINATE with a
// manual-review obligation.
func (e *Engine) Decide(ctx context.Context, dctx *decision.Context, single *Policy) decision.Decision {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var applicable []Policy
	if single != nil {
		if single.Applicable(dctx) {
			applicable = []Policy{*single}
		}
	} else {
		for _, p := range e.store.GetActive() {
			if p.Applicable(dctx) {
				applicable = append(applicable, p)
			}
		}
	}

	if len(applicable) == 0 {
		return decision.Decision{
			Effect:      decision.Indeterminate,
			Reason:      "no applicable policy for this context",
			Confidence:  1.0,
			RiskLevel:   decision.RiskMedium,
			Obligations: []string{ObligationManualReview},
		}
	}

	key := Key(applicable, dctx)
	if e.cache != nil {
		if d, ok := e.cache.Get(key); ok {
			return d.WithMeta("cacheHit", true)
		}
	}

	results := make([]Evaluated, 0, len(applicable))
	for i := range applicable {
		p := &applicable[i]
		results = append(results, Evaluated{
			Policy:   *p,
			Decision: e.evaluateOne(ctx, p, dctx),
		})
	}

	strategy := e.resolver.Suggest(dctx)
	final := e.resolver.Resolve(strategy, results)

	if e.cache != nil {
		e.cache.Put(key, final)
	}

	e.logger.Info("decision",
		"agent", dctx.Agent,
		"action", string(dctx.Action),
		"resource", dctx.Resource,
		"effect", string(final.Effect),
		"confidence", final.Confidence,
		"policies", len(applicable),
	)
	return final
}

// evaluateOne runs the structured evaluator and, when it does not produce a
// confident verdict, the LLM fallback.
func (e *Engine) evaluateOne(ctx context.Context, p *Policy, dctx *decision.Context) decision.Decision {
	if d, ok := e.structured.Evaluate(p, dctx); ok {
		if d.Confidence >= e.aiThreshold {
			return d
		}
		e.logger.Debug("structured verdict below AI threshold, consulting LLM",
			"policy", p.ID,
			"confidence", d.Confidence,
		)
	}
	return e.llm.Evaluate(ctx, p, dctx)
}
