package validate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"atomforge/internal/atom"
)

// ModuleSubject is the Level-2 unit: a cluster of atoms sharing a target
// file/module path, with their accepted code.
type ModuleSubject struct {
	Path     string
	Language string
	Internal bool // declared-internal modules must not import outside
	Atoms    []*atom.AtomicUnit
	Code     map[string]string // atom id -> accepted code
}

// ValidateModule runs Level 2: integration parse, cross-atom API
// consistency and internal cohesion. Attempted only when every member
// passed Level 1.
func (h *Hierarchical) ValidateModule(ctx context.Context, subject ModuleSubject) atom.ValidationResult {
	start := time.Now()

	for _, u := range subject.Atoms {
		if h.PassedLevel(LevelAtomic, u.ID) < LevelAtomic {
			return levelError(subject.Path, LevelModule, start,
				fmt.Errorf("atom %s has not passed level 1", u.ID))
		}
	}

	adapter, err := h.adapterFor(subject.Language)
	if err != nil {
		res := levelError(subject.Path, LevelModule, start, err)
		h.recordOutcome(LevelModule, subject.Path, false)
		return res
	}

	var checks []check

	// Integration: the module's atoms must compose into parseable source.
	integration := check{name: "integration"}
	var parts []string
	for _, u := range subject.Atoms {
		if code, ok := subject.Code[u.ID]; ok {
			parts = append(parts, code)
		}
	}
	combined := strings.Join(parts, "\n\n")
	if parseErr := adapter.Parse(ctx, combined); parseErr != nil {
		integration.errors = append(integration.errors, atom.ValidationError{
			Code:    "integration_parse",
			Message: parseErr.Error(),
		})
	}
	checks = append(checks, integration)

	// API consistency: every cross-atom reference resolves to a member
	// declaration or a bundle import.
	api := check{name: "api_consistency"}
	declared := make(map[string]struct{})
	for _, u := range subject.Atoms {
		for _, d := range u.Declares {
			declared[d] = struct{}{}
		}
	}
	for _, u := range subject.Atoms {
		for _, ref := range u.References {
			if _, ok := declared[ref]; ok {
				continue
			}
			if bundleImports(u, ref) {
				continue
			}
			api.errors = append(api.errors, atom.ValidationError{
				Code:    "unresolved_call",
				Message: fmt.Sprintf("reference %q does not resolve within module %s", ref, subject.Path),
				AtomID:  u.ID,
			})
		}
	}
	checks = append(checks, api)

	// Cohesion: declared-internal modules import only their own symbols.
	cohesion := check{name: "cohesion"}
	if subject.Internal {
		for _, u := range subject.Atoms {
			if u.Context == nil {
				continue
			}
			for _, imp := range u.Context.Imports {
				if strings.HasPrefix(imp, "stdlib:") {
					continue
				}
				if _, ok := declared[imp]; !ok {
					cohesion.errors = append(cohesion.errors, atom.ValidationError{
						Code:    "cohesion_violation",
						Message: fmt.Sprintf("internal module %s imports external symbol %q", subject.Path, imp),
						AtomID:  u.ID,
					})
				}
			}
		}
	}
	checks = append(checks, cohesion)

	res := finish(subject.Path, LevelModule, checks, start)
	h.recordOutcome(LevelModule, subject.Path, res.Passed)
	logResult(res)
	return res
}

// bundleImports resolves a symbol against the atom's bundle: an exact
// import or a typed schema. The stdlib waiver that softens the per-atom
// check does not apply across atom boundaries.
func bundleImports(u *atom.AtomicUnit, symbol string) bool {
	if u.Context == nil {
		return false
	}
	for _, imp := range u.Context.Imports {
		if imp == symbol {
			return true
		}
	}
	_, ok := u.Context.Types[symbol]
	return ok
}

// ComponentSubject is the Level-3 unit: modules sharing an architectural
// role, with the tasks that declared them.
type ComponentSubject struct {
	Name    string
	Modules map[string][]*atom.AtomicUnit // module path -> members
	Tasks   map[string]atom.Task          // task id -> task (for budgets)
}

// ValidateComponent runs Level 3: architecture compliance via the layering
// rules, the component's declared performance budget, and end-to-end
// composition. Attempted only when every member module passed Level 2.
func (h *Hierarchical) ValidateComponent(ctx context.Context, subject ComponentSubject) atom.ValidationResult {
	start := time.Now()

	for _, path := range sortedKeys(subject.Modules) {
		if h.PassedLevel(LevelModule, path) < LevelModule {
			return levelError(subject.Name, LevelComponent, start,
				fmt.Errorf("module %s has not passed level 2", path))
		}
	}

	var checks []check

	// Architecture compliance: layering rules over module imports.
	archCheck := check{name: "architecture"}
	violations, err := h.arch.Check(ctx, subject.Modules)
	if err != nil {
		res := levelError(subject.Name, LevelComponent, start, err)
		h.recordOutcome(LevelComponent, subject.Name, false)
		return res
	}
	for _, v := range violations {
		archCheck.errors = append(archCheck.errors, atom.ValidationError{
			Code:    "layering_violation",
			Message: v,
		})
	}
	checks = append(checks, archCheck)

	// Performance budget: mean atom complexity within the declared budget.
	perf := check{name: "performance_budget"}
	budget := componentBudget(subject)
	total, count := 0.0, 0
	for _, units := range subject.Modules {
		for _, u := range units {
			total += u.Complexity
			count++
		}
	}
	if count > 0 && budget > 0 {
		mean := total / float64(count)
		if mean > budget {
			perf.errors = append(perf.errors, atom.ValidationError{
				Code:    "budget_exceeded",
				Message: fmt.Sprintf("component %s mean complexity %.2f exceeds budget %.2f", subject.Name, mean, budget),
			})
		}
	}
	checks = append(checks, perf)

	// End-to-end composition: every module contributes at least one tested
	// atom.
	e2e := check{name: "component_e2e"}
	for _, path := range sortedKeys(subject.Modules) {
		tested := false
		for _, u := range subject.Modules[path] {
			if u.Context != nil && len(u.Context.TestCases) > 0 {
				tested = true
				break
			}
		}
		if !tested {
			e2e.errors = append(e2e.errors, atom.ValidationError{
				Code:    "untested_module",
				Message: fmt.Sprintf("module %s has no test coverage", path),
			})
		}
	}
	checks = append(checks, e2e)

	res := finish(subject.Name, LevelComponent, checks, start)
	h.recordOutcome(LevelComponent, subject.Name, res.Passed)
	logResult(res)
	return res
}

// componentBudget reads the component's declared performance budget from
// its tasks' constraints, defaulting to the complexity cap.
func componentBudget(subject ComponentSubject) float64 {
	for _, task := range subject.Tasks {
		if v, ok := task.Constraints["performance_budget"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 3.0
}

// SystemSubject is the Level-4 unit: the whole plan.
type SystemSubject struct {
	Tasks      []atom.Task
	Components []string
	Atoms      []*atom.AtomicUnit
	Code       map[string]string // atom id -> accepted code
}

var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][^"']{8,}["']`)

// ValidateSystem runs Level 4 once per plan: acceptance criteria from the
// task specs, full-system composition and production-readiness checks.
// Attempted only when every component passed Level 3.
func (h *Hierarchical) ValidateSystem(ctx context.Context, subject SystemSubject) atom.ValidationResult {
	start := time.Now()

	for _, comp := range subject.Components {
		if h.PassedLevel(LevelComponent, comp) < LevelComponent {
			return levelError("plan", LevelSystem, start,
				fmt.Errorf("component %s has not passed level 3", comp))
		}
	}

	var checks []check

	// Acceptance: every task is covered by at least one accepted atom.
	acceptance := check{name: "acceptance_criteria"}
	covered := make(map[string]bool)
	for _, u := range subject.Atoms {
		if u.Status == atom.StatusAccepted {
			covered[u.TaskID] = true
		}
	}
	for _, task := range subject.Tasks {
		if !covered[task.ID] {
			acceptance.errors = append(acceptance.errors, atom.ValidationError{
				Code:    "uncovered_task",
				Message: fmt.Sprintf("task %s has no accepted atoms", task.ID),
			})
		}
	}
	checks = append(checks, acceptance)

	// Production readiness: no hardcoded secrets.
	readiness := check{name: "production_readiness"}
	for _, u := range subject.Atoms {
		code := subject.Code[u.ID]
		if code == "" {
			continue
		}
		if secretPattern.MatchString(code) {
			readiness.errors = append(readiness.errors, atom.ValidationError{
				Code:    "hardcoded_secret",
				Message: fmt.Sprintf("atom %s appears to embed a credential", u.ID),
				AtomID:  u.ID,
			})
		}
	}
	checks = append(checks, readiness)

	// Full-system end-to-end: the accepted atom set is non-empty and every
	// accepted atom's code is present.
	systemE2E := check{name: "system_e2e"}
	acceptedCount := 0
	for _, u := range subject.Atoms {
		if u.Status != atom.StatusAccepted {
			continue
		}
		acceptedCount++
		if subject.Code[u.ID] == "" {
			systemE2E.errors = append(systemE2E.errors, atom.ValidationError{
				Code:    "missing_artifact",
				Message: fmt.Sprintf("accepted atom %s has no code artifact", u.ID),
				AtomID:  u.ID,
			})
		}
	}
	if acceptedCount == 0 {
		systemE2E.errors = append(systemE2E.errors, atom.ValidationError{
			Code:    "empty_system",
			Message: "no accepted atoms in plan",
		})
	}
	checks = append(checks, systemE2E)

	res := finish("plan", LevelSystem, checks, start)
	h.recordOutcome(LevelSystem, "plan", res.Passed)
	logResult(res)
	return res
}
