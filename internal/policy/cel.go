package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/aegisproxy/aegis/internal/decision"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated
// evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates CEL expressions against decision
// contexts. Compilation is memoized per expression, so repeated rule
// evaluation reuses the compiled program; evaluation itself is safe for
// concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	compiled map[string]CompiledRule
}

// NewCELEvaluator creates a CELEvaluator with the variable declarations
// available in structured rule conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("agent.id", cel.StringType),
		cel.Variable("agent.type", cel.StringType),
		cel.Variable("agent.clearance", cel.IntType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("environment", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:      env,
		logger:   logger.With("component", "policy.CELEvaluator"),
		compiled: make(map[string]CompiledRule),
	}, nil
}

// Compile parses and type-checks a CEL expression, caching the result so
// each distinct expression is compiled exactly once.
func (c *CELEvaluator) Compile(expr string) (CompiledRule, error) {
	c.mu.RLock()
	rule, ok := c.compiled[expr]
	c.mu.RUnlock()
	if ok {
		return rule, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	rule = CompiledRule{Expression: expr, program: prg}
	c.mu.Lock()
	c.compiled[expr] = rule
	c.mu.Unlock()

	c.logger.Debug("compiled CEL expression", "expression", expr)
	return rule, nil
}

// Evaluate runs a pre-compiled rule against the given context. Returns true
// when the condition holds.
func (c *CELEvaluator) Evaluate(rule CompiledRule, dctx *decision.Context) (bool, error) {
	env := dctx.Environment
	if env == nil {
		env = map[string]any{}
	}
	vars := map[string]any{
		"agent.id":        dctx.Agent,
		"agent.type":      dctx.AgentType,
		"agent.clearance": int64(dctx.ClearanceLevel),
		"action":          string(dctx.Action),
		"resource":        dctx.Resource,
		"purpose":         dctx.Purpose,
		"hour":            int64(dctx.Time.Hour()),
		"environment":     env,
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}
	return result, nil
}
