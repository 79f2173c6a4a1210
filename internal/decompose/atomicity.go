package decompose

import (
	"strings"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/logging"
	"atomforge/internal/parser"
)

// AtomicityChecker scores atom drafts against the ten-criterion atomicity
// contract. All criteria must be non-violating; the score is the mean of
// the real-valued criteria.
type AtomicityChecker struct {
	cfg    *config.Config
	parser *parser.Parser
}

// NewAtomicityChecker creates a checker.
func NewAtomicityChecker(cfg *config.Config, p *parser.Parser) *AtomicityChecker {
	return &AtomicityChecker{cfg: cfg, parser: p}
}

// placeholderMarkers fail criterion 8.
var placeholderMarkers = []string{"TODO", "FIXME", "XXX", "PLACEHOLDER", "NotImplementedError", "unimplemented!"}

// Check evaluates a draft. code may be empty at decomposition time, in
// which case size metrics come from the unit's estimates. declaredBy maps
// symbols to owning atom ids for the shared-declaration criterion.
func (c *AtomicityChecker) Check(unit *atom.AtomicUnit, code string, declaredBy map[string]string) (bool, float64, []string) {
	var failures []string
	var scores []float64

	loc := unit.EstimatedLOC
	complexity := unit.Complexity
	referenced := []string{}
	declared := []string{}
	parseable := true

	if code != "" {
		ast, err := c.parser.Parse(unit.Language, code)
		if err != nil {
			parseable = false
		} else {
			loc = countLOC(code)
			complexity = ast.Root.Complexity
			referenced = ast.Root.Referenced
			declared = ast.Root.Declared
		}
	}

	// 1. LOC bound (relaxed for irreducible atoms).
	locCap := c.cfg.Atomize.LOCCap
	if !unit.Reducible {
		locCap = c.cfg.Atomize.IrreducibleLOCCap
	}
	if loc > locCap {
		failures = append(failures, "loc_exceeded")
	}
	scores = append(scores, ratioScore(loc, locCap))

	// 2. Cyclomatic complexity bound.
	if complexity >= c.cfg.Atomize.ComplexityCap {
		failures = append(failures, "complexity_exceeded")
	}
	scores = append(scores, clamp01(1-complexity/c.cfg.Atomize.ComplexityCap))

	// 3. Single primary side effect or pure: approximated as at most one
	// declared externally visible symbol.
	if len(declared) > 1 {
		failures = append(failures, "multiple_side_effects")
	}

	// 4. Referenced symbols resolvable from the context bundle.
	resolvable := 0
	for _, ref := range referenced {
		if c.resolves(unit, ref, declaredBy) {
			resolvable++
		}
	}
	if len(referenced) > 0 {
		frac := float64(resolvable) / float64(len(referenced))
		scores = append(scores, frac)
		if resolvable < len(referenced) {
			failures = append(failures, "unresolved_symbols")
		}
	} else {
		scores = append(scores, 1)
	}

	// 5. No declaration shared with another atom.
	for _, decl := range declared {
		if owner, ok := declaredBy[decl]; ok && owner != unit.ID {
			failures = append(failures, "shared_declaration")
			break
		}
	}

	// 6. At least one test case present.
	if unit.Context == nil || len(unit.Context.TestCases) == 0 {
		failures = append(failures, "no_test_cases")
	}

	// 7. Pre/postconditions non-empty for non-trivial behavior.
	nonTrivial := complexity > 1 || loc > 3
	if nonTrivial && unit.Context != nil &&
		(len(unit.Context.Preconditions) == 0 || len(unit.Context.Postconditions) == 0) {
		failures = append(failures, "missing_conditions")
	}

	// 8. No TODO/placeholder markers.
	if code != "" {
		for _, marker := range placeholderMarkers {
			if strings.Contains(code, marker) {
				failures = append(failures, "placeholder_marker")
				break
			}
		}
	}

	// 9. Context bundle completeness.
	completeness := 0.0
	if unit.Context != nil {
		completeness = unit.Context.Completeness
	}
	scores = append(scores, completeness)
	if completeness < c.cfg.Atomize.ContextCompletenessFloor {
		failures = append(failures, "incomplete_context")
	}

	// 10. Parseable in isolation given its imports.
	if !parseable {
		failures = append(failures, "unparseable")
	}

	score := mean(scores)
	ok := len(failures) == 0
	if !ok {
		logging.DecomposeDebug("Atomicity check failed for %s: %v (score %.2f)",
			unit.ID, failures, score)
	}
	return ok, score, failures
}

// resolves reports whether a referenced symbol is available to the atom:
// declared by a known atom, listed in its imports, or typed in its bundle.
func (c *AtomicityChecker) resolves(unit *atom.AtomicUnit, symbol string, declaredBy map[string]string) bool {
	if _, ok := declaredBy[symbol]; ok {
		return true
	}
	if unit.Context == nil {
		return false
	}
	for _, imp := range unit.Context.Imports {
		if imp == symbol || strings.HasPrefix(imp, "stdlib:") {
			return true
		}
	}
	_, ok := unit.Context.Types[symbol]
	return ok
}

func countLOC(code string) int {
	count := 0
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		count++
	}
	return count
}

func ratioScore(value, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return clamp01(1 - float64(value-1)/float64(limit))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
