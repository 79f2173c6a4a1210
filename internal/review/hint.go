package review

import (
	"fmt"
	"strings"

	"atomforge/internal/atom"
)

// fixSuggestions maps structured error codes onto candidate fixes.
var fixSuggestions = map[string]string{
	"syntax_error":         "correct the syntax at the reported span and re-balance delimiters",
	"undefined_symbol":     "add the missing symbol to the imports or define it before use",
	"type_error":           "align the value's type with the declared schema in the context bundle",
	"test_failed":          "make the implementation satisfy the failing postcondition",
	"forbidden_import":     "replace the disallowed import with an allowed stdlib equivalent",
	"atomicity_loc_exceeded":        "split the implementation; it exceeds the atom size bound",
	"atomicity_complexity_exceeded": "flatten nested branches to reduce cyclomatic complexity",
	"atomicity_placeholder_marker":  "replace the placeholder with a real implementation",
}

// BuildHint composes the AI remediation hint for a queued atom: the final
// failure summary, up to three candidate fixes derived from the last
// failure's structured errors, and a diff against the best prior attempt.
// The hint is informational only; it is never executed.
func BuildHint(unit atom.AtomicUnit, last *atom.ValidationResult, retries []atom.RetryRecord) string {
	var sb strings.Builder

	sb.WriteString("Failure summary:\n")
	if last == nil || len(last.Errors) == 0 {
		sb.WriteString("  no structured failure recorded\n")
	} else {
		for _, e := range last.Errors {
			fmt.Fprintf(&sb, "  [%s] %s", e.Code, e.Message)
			if e.Line > 0 {
				fmt.Fprintf(&sb, " (line %d)", e.Line)
			}
			sb.WriteString("\n")
		}
	}

	if last != nil && len(last.Errors) > 0 {
		sb.WriteString("Candidate fixes:\n")
		emitted := 0
		for _, e := range last.Errors {
			if emitted >= 3 {
				break
			}
			if fix, ok := fixSuggestions[e.Code]; ok {
				fmt.Fprintf(&sb, "  %d. %s\n", emitted+1, fix)
				emitted++
			}
		}
		if emitted == 0 {
			sb.WriteString("  1. inspect the first structured error and address its span directly\n")
		}
	}

	if diff := diffAgainstBest(unit, retries); diff != "" {
		sb.WriteString("Diff vs best prior attempt:\n")
		sb.WriteString(diff)
	}

	return sb.String()
}

// diffAgainstBest renders a minimal line diff between the atom's current
// code and the best (last successful, else longest-surviving) prior
// attempt.
func diffAgainstBest(unit atom.AtomicUnit, retries []atom.RetryRecord) string {
	var best string
	for _, r := range retries {
		if r.Success {
			best = r.Code
		}
	}
	if best == "" {
		for _, r := range retries {
			if r.Code != "" {
				best = r.Code
			}
		}
	}
	if best == "" || best == unit.Code {
		return ""
	}

	current := strings.Split(unit.Code, "\n")
	prior := strings.Split(best, "\n")

	var sb strings.Builder
	max := len(current)
	if len(prior) > max {
		max = len(prior)
	}
	for i := 0; i < max; i++ {
		var cur, old string
		if i < len(current) {
			cur = current[i]
		}
		if i < len(prior) {
			old = prior[i]
		}
		if cur == old {
			continue
		}
		if old != "" {
			fmt.Fprintf(&sb, "  - %s\n", old)
		}
		if cur != "" {
			fmt.Fprintf(&sb, "  + %s\n", cur)
		}
	}
	return sb.String()
}
