package validate

import (
	"context"
	"fmt"
	"time"

	"atomforge/internal/atom"
)

// ValidateAtom runs Level 1 over a freshly produced artifact: syntax,
// types, unit tests and the atomicity criteria. Passing Level 1 is the
// precondition for everything above it.
func (h *Hierarchical) ValidateAtom(ctx context.Context, unit *atom.AtomicUnit, code string, declaredBy map[string]string) atom.ValidationResult {
	start := time.Now()

	adapter, err := h.adapterFor(unit.Language)
	if err != nil {
		res := levelError(unit.ID, LevelAtomic, start, err)
		h.recordOutcome(LevelAtomic, unit.ID, false)
		return res
	}

	timeout := h.cfg.Level1Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var checks []check

	// Syntax.
	syntax := check{name: "syntax"}
	if parseErr := adapter.Parse(ctx, code); parseErr != nil {
		syntax.errors = append(syntax.errors, atom.ValidationError{
			Code:    "syntax_error",
			Message: parseErr.Error(),
			AtomID:  unit.ID,
		})
	}
	checks = append(checks, syntax)

	// Types and tests only make sense on parseable code.
	if len(syntax.errors) == 0 {
		types := check{name: "types"}
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Type-checker crash is a validator malfunction.
					panic(&levelPanic{fmt.Errorf("typecheck panic: %v", r)})
				}
			}()
			types.errors = adapter.Typecheck(ctx, code, unit.Context)
		}()
		checks = append(checks, types)

		tests := check{name: "unit_tests"}
		tests.errors = adapter.RunTests(ctx, code, unit.Context)
		checks = append(checks, tests)
	}

	// Atomicity contract on the produced code.
	atomicity := check{name: "atomicity"}
	if ok, score, failures := h.atomicity.Check(unit, code, declaredBy); !ok {
		for _, f := range failures {
			atomicity.errors = append(atomicity.errors, atom.ValidationError{
				Code:    "atomicity_" + f,
				Message: fmt.Sprintf("atomicity criterion violated: %s (score %.2f)", f, score),
				AtomID:  unit.ID,
			})
		}
	}
	checks = append(checks, atomicity)

	if ctx.Err() == context.DeadlineExceeded {
		res := levelError(unit.ID, LevelAtomic, start,
			fmt.Errorf("level 1 validation exceeded %v", timeout))
		h.recordOutcome(LevelAtomic, unit.ID, false)
		return res
	}

	res := finish(unit.ID, LevelAtomic, checks, start)
	res.Code = code
	h.recordOutcome(LevelAtomic, unit.ID, res.Passed)
	logResult(res)
	return res
}

// levelPanic wraps validator malfunctions raised through recover.
type levelPanic struct{ err error }

// SafeValidateAtom is ValidateAtom with validator panics converted to
// level-errors instead of crashing the wave.
func (h *Hierarchical) SafeValidateAtom(ctx context.Context, unit *atom.AtomicUnit, code string, declaredBy map[string]string) (res atom.ValidationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			var err error
			if lp, ok := r.(*levelPanic); ok {
				err = lp.err
			} else {
				err = fmt.Errorf("validator panic: %v", r)
			}
			res = levelError(unit.ID, LevelAtomic, start, err)
			h.recordOutcome(LevelAtomic, unit.ID, false)
		}
	}()
	return h.ValidateAtom(ctx, unit, code, declaredBy)
}
