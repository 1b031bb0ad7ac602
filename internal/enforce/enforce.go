// Package enforce applies the constraints and obligations attached to a
// PERMIT decision. Constraints transform the upstream response
// synchronously, in decision order; obligations are fire-and-forget
// side-effects run in parallel after the response is assembled.
//
// Unknown constraint names are skipped with a warning: constraints that are
// critical must be matched by a registered processor.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/decision"
)

// ErrRateLimited is the sentinel under every rate-limit failure.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrGeoRestricted is the sentinel under every geo-restriction failure.
var ErrGeoRestricted = errors.New("region not allowed")

// RateLimitError carries the offending limit. Unwraps to ErrRateLimited.
type RateLimitError struct {
	Agent string
	Limit string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for agent %s (%s)", e.Agent, e.Limit)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ConstraintProcessor transforms a permitted response. Apply receives the
// constraint string it matched (processors parse their parameters out of
// it), the decoded response value, and returns the value's replacement.
type ConstraintProcessor interface {
	Name() string
	CanHandle(constraint string) bool
	Apply(ctx context.Context, constraint string, data any, dctx *decision.Context) (any, error)
}

// ObligationExecutor performs a post-decision side effect.
type ObligationExecutor interface {
	Name() string
	CanHandle(obligation string) bool
	Execute(ctx context.Context, dctx *decision.Context, d decision.Decision) error
}

// Enforcer holds the registered processors and executors. Registration is
// explicit at startup; there is no runtime discovery.
type Enforcer struct {
	mu         sync.RWMutex
	processors []ConstraintProcessor
	executors  []ObligationExecutor
	logger     *slog.Logger
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{logger: logger.With("component", "enforce.Enforcer")}
}

// RegisterConstraint adds a constraint processor.
func (e *Enforcer) RegisterConstraint(p ConstraintProcessor) {
	e.mu.Lock()
	e.processors = append(e.processors, p)
	e.mu.Unlock()
	e.logger.Debug("constraint processor registered", "name", p.Name())
}

// RegisterObligation adds an obligation executor.
func (e *Enforcer) RegisterObligation(x ObligationExecutor) {
	e.mu.Lock()
	e.executors = append(e.executors, x)
	e.mu.Unlock()
	e.logger.Debug("obligation executor registered", "name", x.Name())
}

// ApplyConstraints runs the decision's constraints over data in order. The
// first processor whose CanHandle accepts a constraint handles it; a
// constraint no processor recognizes is skipped with a warning. An error
// from any processor stops the chain and fails the request.
func (e *Enforcer) ApplyConstraints(ctx context.Context, d decision.Decision, data any, dctx *decision.Context) (any, error) {
	e.mu.RLock()
	processors := make([]ConstraintProcessor, len(e.processors))
	copy(processors, e.processors)
	e.mu.RUnlock()

	for _, constraint := range d.Constraints {
		handled := false
		for _, p := range processors {
			if !p.CanHandle(constraint) {
				continue
			}
			var err error
			data, err = p.Apply(ctx, constraint, data, dctx)
			if err != nil {
				return nil, fmt.Errorf("constraint %q (%s): %w", constraint, p.Name(), err)
			}
			handled = true
			break
		}
		if !handled {
			e.logger.Warn("no processor for constraint, skipping",
				"constraint", constraint,
			)
		}
	}
	return data, nil
}

// RunObligations fires the decision's obligations in parallel and waits for
// them to finish. Failures are logged and never surface to the caller.
func (e *Enforcer) RunObligations(ctx context.Context, d decision.Decision, dctx *decision.Context) {
	e.mu.RLock()
	executors := make([]ObligationExecutor, len(e.executors))
	copy(executors, e.executors)
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, obligation := range d.Obligations {
		handled := false
		for _, x := range executors {
			if !x.CanHandle(obligation) {
				continue
			}
			handled = true
			wg.Add(1)
			go func(x ObligationExecutor, name string) {
				defer wg.Done()
				if err := x.Execute(ctx, dctx, d); err != nil {
					e.logger.Warn("obligation failed",
						"obligation", name,
						"executor", x.Name(),
						"error", err,
					)
				}
			}(x, obligation)
			break
		}
		if !handled {
			e.logger.Warn("no executor for obligation, skipping",
				"obligation", obligation,
			)
		}
	}
	wg.Wait()
}

// AuditAppender is the one-directional interface the enforcement layer uses
// to record entries; the audit package never depends back on enforcement.
type AuditAppender interface {
	Append(e audit.Entry) error
}
