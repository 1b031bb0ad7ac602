package policy

import (
	"fmt"
	"strings"
)

// Warning is one lexical finding from Analyze. Findings feed the policy
// authoring surface and never affect enforcement.
type Warning struct {
	Kind    string `json:"kind"` // ambiguous-term, contradictory-clause, missing-subject
	Message string `json:"message"`
}

var ambiguousTerms = []string{
	"reasonable", "appropriate", "as needed", "if necessary", "sensitive",
	"timely", "generally", "normally", "etc", "and so on", "may be",
}

// contradictionPairs are verb pairs that, applied to the same sentence,
// suggest a contradictory clause.
var contradictionPairs = [][2]string{
	{"allow", "deny"},
	{"permit", "prohibit"},
	{"always", "never"},
}

// Analyze performs a lexical review of a natural-language policy body and
// returns authoring warnings.
func Analyze(body string) []Warning {
	var warnings []Warning
	lower := strings.ToLower(body)

	for _, term := range ambiguousTerms {
		if strings.Contains(lower, term) {
			warnings = append(warnings, Warning{
				Kind:    "ambiguous-term",
				Message: fmt.Sprintf("ambiguous term %q; consider a measurable condition", term),
			})
		}
	}

	for _, sentence := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	}) {
		for _, pair := range contradictionPairs {
			if strings.Contains(sentence, pair[0]) && strings.Contains(sentence, pair[1]) {
				warnings = append(warnings, Warning{
					Kind:    "contradictory-clause",
					Message: fmt.Sprintf("clause uses both %q and %q: %q", pair[0], pair[1], strings.TrimSpace(sentence)),
				})
			}
		}
	}

	if !strings.Contains(lower, "agent") && !strings.Contains(lower, "user") && !strings.Contains(lower, "client") {
		warnings = append(warnings, Warning{
			Kind:    "missing-subject",
			Message: "policy names no subject (agent, user, client); applicability may be unclear",
		})
	}

	return warnings
}
