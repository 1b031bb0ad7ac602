package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Strategy names for combining disagreeing per-policy decisions.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyStrict     Strategy = "strict"
	StrategyPermissive Strategy = "permissive"
	StrategyConsensus  Strategy = "consensus"
)

// Evaluated pairs a policy with its per-policy decision during conflict
// resolution. Slices handed to the resolver are ordered by descending
// priority, then stable catalog order.
type Evaluated struct {
	Policy   Policy
	Decision decision.Decision
}

// Resolver combines the decisions of multiple applicable policies into one.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "policy.Resolver")}
}

// Suggest picks a strategy for the context: strict for sensitive resources
// and destructive actions, permissive for reads of non-private resources,
// priority otherwise.
func (r *Resolver) Suggest(dctx *decision.Context) Strategy {
	if dctx.Action == decision.ActionDelete || dctx.Action == decision.ActionModify {
		return StrategyStrict
	}

	sensitivity := ""
	var tags []string
	if cls := dctx.Enrichment("resource"); cls != nil {
		sensitivity, _ = cls["sensitivity"].(string)
		switch v := cls["tags"].(type) {
		case []string:
			tags = v
		case []any:
			for _, t := range v {
				if s, ok := t.(string); ok {
					tags = append(tags, s)
				}
			}
		}
	}
	for _, t := range tags {
		switch strings.ToLower(t) {
		case "sensitive", "confidential", "secret":
			return StrategyStrict
		}
	}
	lower := strings.ToLower(dctx.Resource)
	for _, marker := range []string{"secret", "confidential", "private"} {
		if strings.Contains(lower, marker) {
			return StrategyStrict
		}
	}
	if sensitivity == "high" || sensitivity == "critical" {
		return StrategyStrict
	}

	if dctx.Action == decision.ActionRead || dctx.Action == decision.ActionList {
		if sensitivity == "low" || sensitivity == "medium" {
			return StrategyPermissive
		}
	}

	return StrategyPriority
}

// Resolve combines results under the given strategy. results must be
// non-empty. When all decisions agree the first is returned untouched;
// otherwise the winner is annotated with the conflicting policy ids and the
// strategy used.
func (r *Resolver) Resolve(strategy Strategy, results []Evaluated) decision.Decision {
	if len(results) == 1 {
		return results[0].Decision
	}

	agreed := true
	for _, res := range results[1:] {
		if res.Decision.Effect != results[0].Decision.Effect {
			agreed = false
			break
		}
	}
	if agreed {
		return results[0].Decision
	}

	var winner decision.Decision
	switch strategy {
	case StrategyStrict:
		winner = pickByRank(results, map[decision.Effect]int{
			decision.Deny:          0,
			decision.Indeterminate: 1,
			decision.Permit:        2,
		})
	case StrategyPermissive:
		winner = pickByRank(results, map[decision.Effect]int{
			decision.Permit:        0,
			decision.Indeterminate: 1,
			decision.Deny:          2,
		})
	case StrategyConsensus:
		winner = consensus(results)
	default:
		// Priority: results are already priority-ordered.
		winner = results[0].Decision
	}

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.Policy.ID
	}
	winner = winner.WithMeta("conflictingPolicies", ids)
	winner = winner.WithMeta("resolutionStrategy", string(strategy))
	winner.Reason = fmt.Sprintf("%s (resolved across %d policies via %s)", winner.Reason, len(results), strategy)

	r.logger.Info("resolved policy conflict",
		"strategy", string(strategy),
		"policies", len(results),
		"effect", string(winner.Effect),
	)
	return winner
}

// pickByRank returns the decision whose effect has the lowest rank,
// breaking ties by the (priority-ordered) input order.
func pickByRank(results []Evaluated, rank map[decision.Effect]int) decision.Decision {
	best := results[0].Decision
	bestRank := rank[best.Effect]
	for _, res := range results[1:] {
		if r := rank[res.Decision.Effect]; r < bestRank {
			best = res.Decision
			bestRank = r
		}
	}
	return best
}

// consensus returns the majority effect's highest-priority decision; ties
// break to the highest-priority policy overall.
func consensus(results []Evaluated) decision.Decision {
	counts := make(map[decision.Effect]int)
	for _, res := range results {
		counts[res.Decision.Effect]++
	}

	majority := results[0].Decision.Effect
	max := counts[majority]
	for effect, n := range counts {
		if n > max {
			majority, max = effect, n
		}
	}
	ties := 0
	for _, n := range counts {
		if n == max {
			ties++
		}
	}
	if ties > 1 {
		// Tie breaks to the highest-priority policy.
		return results[0].Decision
	}
	for _, res := range results {
		if res.Decision.Effect == majority {
			return res.Decision
		}
	}
	return results[0].Decision
}
