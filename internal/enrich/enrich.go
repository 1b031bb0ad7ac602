// Package enrich implements the context enrichment pipeline. Enrichers are
// pluggable: each contributes a set of derived attributes under its own
// namespace in context.Environment["enrichments"]. Enrichers run
// concurrently and a failing enricher is logged and skipped so it can never
// block the decision.
package enrich

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Enricher derives attributes from a decision context. Enrich must treat
// the context as read-only; contributions are merged by the pipeline.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, dctx *decision.Context) (map[string]any, error)
}

// Pipeline runs a set of registered enrichers over a context. Registration
// order is not part of the contract; the namespace discipline is.
type Pipeline struct {
	mu        sync.RWMutex
	enrichers []Enricher
	logger    *slog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger.With("component", "enrich.Pipeline")}
}

// Register adds an enricher. Safe to call before serving traffic; later
// registration is also safe but contributions only apply to new requests.
func (p *Pipeline) Register(e Enricher) {
	p.mu.Lock()
	p.enrichers = append(p.enrichers, e)
	p.mu.Unlock()
	p.logger.Debug("enricher registered", "name", e.Name())
}

// Run executes all enrichers concurrently against dctx and returns a new
// context with their contributions merged under
// environment.enrichments.<name>. Existing environment keys are never
// overwritten.
func (p *Pipeline) Run(ctx context.Context, dctx *decision.Context) *decision.Context {
	p.mu.RLock()
	enrichers := make([]Enricher, len(p.enrichers))
	copy(enrichers, p.enrichers)
	p.mu.RUnlock()

	out := dctx.Clone()
	if out.Environment == nil {
		out.Environment = make(map[string]any)
	}
	enrichments, ok := out.Environment["enrichments"].(map[string]any)
	if !ok {
		enrichments = make(map[string]any)
		out.Environment["enrichments"] = enrichments
	}

	type contribution struct {
		name   string
		values map[string]any
	}

	results := make(chan contribution, len(enrichers))
	var wg sync.WaitGroup
	for _, e := range enrichers {
		wg.Add(1)
		go func(e Enricher) {
			defer wg.Done()
			values, err := e.Enrich(ctx, dctx)
			if err != nil {
				p.logger.Warn("enricher failed, skipping",
					"enricher", e.Name(),
					"error", err,
				)
				return
			}
			results <- contribution{name: e.Name(), values: values}
		}(e)
	}
	wg.Wait()
	close(results)

	for c := range results {
		if len(c.values) == 0 {
			continue
		}
		// An enricher appends under its own namespace only.
		if _, exists := enrichments[c.name]; exists {
			p.logger.Warn("duplicate enricher namespace, keeping first",
				"enricher", c.name,
			)
			continue
		}
		enrichments[c.name] = c.values
	}

	return out
}
