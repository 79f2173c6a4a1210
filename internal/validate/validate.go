// Package validate implements the four-level hierarchical validator:
// atom, module, component and system. Validators return sum-type results
// and never raise on code-under-test failures; a validator malfunction is
// a level-error, distinct from a failed check.
package validate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/decompose"
	"atomforge/internal/logging"
	"atomforge/internal/parser"
)

// Validation levels.
const (
	LevelAtomic    = 1
	LevelModule    = 2
	LevelComponent = 3
	LevelSystem    = 4
)

// LanguageAdapter is the per-language capability interface. Dispatch is by
// the atom's language field; adapters are side-effect-free aside from
// temporary state.
type LanguageAdapter interface {
	// Parse checks the code parses in isolation.
	Parse(ctx context.Context, code string) error
	// Typecheck checks the code against its context bundle types.
	Typecheck(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError
	// RunTests executes the bundle's test cases against the code.
	RunTests(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError
}

// Hierarchical drives the four levels with escalation semantics: a level
// is attempted only if the prior level passed for the relevant subject,
// and a level-k failure invalidates passing status above k.
type Hierarchical struct {
	cfg       *config.Config
	parser    *parser.Parser
	atomicity *decompose.AtomicityChecker
	adapters  map[string]LanguageAdapter
	arch      *ArchChecker

	mu     sync.Mutex
	passed map[string]int // subject key -> highest consecutively passed level
}

// New creates the hierarchical validator with default language adapters.
func New(cfg *config.Config, p *parser.Parser) *Hierarchical {
	h := &Hierarchical{
		cfg:       cfg,
		parser:    p,
		atomicity: decompose.NewAtomicityChecker(cfg, p),
		adapters:  make(map[string]LanguageAdapter),
		arch:      NewArchChecker(cfg.Architecture),
		passed:    make(map[string]int),
	}
	h.Register("go", NewGoAdapter())
	h.Register("python", NewSitterAdapter("python", p))
	h.Register("typescript", NewSitterAdapter("typescript", p))
	h.Register("javascript", NewSitterAdapter("javascript", p))
	return h
}

// Register installs a language adapter.
func (h *Hierarchical) Register(language string, adapter LanguageAdapter) {
	h.adapters[language] = adapter
}

func (h *Hierarchical) adapterFor(language string) (LanguageAdapter, error) {
	if a, ok := h.adapters[language]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no validator adapter for language %q", language)
}

// subjectKey namespaces pass tracking per subject kind.
func subjectKey(level int, id string) string {
	switch level {
	case LevelModule:
		return "module:" + id
	case LevelComponent:
		return "component:" + id
	case LevelSystem:
		return "system"
	default:
		return "atom:" + id
	}
}

// recordOutcome updates escalation state: passes raise the watermark,
// failures at level k invalidate every level above k for the subject.
func (h *Hierarchical) recordOutcome(level int, id string, passed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := subjectKey(level, id)
	if passed {
		if h.passed[key] < level {
			h.passed[key] = level
		}
		return
	}
	if h.passed[key] >= level {
		h.passed[key] = level - 1
	}
}

// PassedLevel returns the subject's highest passing level.
func (h *Hierarchical) PassedLevel(level int, id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passed[subjectKey(level, id)]
}

// check is one named validation check's outcome.
type check struct {
	name   string
	errors []atom.ValidationError
}

// finish assembles a ValidationResult from named checks.
func finish(atomID string, level int, checks []check, start time.Time) atom.ValidationResult {
	res := atom.ValidationResult{
		AtomID:   atomID,
		Level:    level,
		Duration: time.Since(start),
	}
	for _, c := range checks {
		res.ChecksRun = append(res.ChecksRun, c.name)
		if len(c.errors) == 0 {
			res.ChecksPassed++
		} else {
			res.ChecksFailed++
			res.Errors = append(res.Errors, c.errors...)
		}
	}
	res.Passed = res.ChecksFailed == 0
	return res
}

// levelError builds a validator-malfunction result.
func levelError(atomID string, level int, start time.Time, err error) atom.ValidationResult {
	return atom.ValidationResult{
		AtomID:     atomID,
		Level:      level,
		Passed:     false,
		LevelError: true,
		Errors: []atom.ValidationError{{
			Code:    "level_error",
			Message: err.Error(),
		}},
		Duration: time.Since(start),
	}
}

// sortedKeys returns map keys in deterministic order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func logResult(res atom.ValidationResult) {
	log := logging.Get(logging.CategoryValidate)
	if res.Passed {
		log.Debug("Level %d passed for %s (%d checks, %v)",
			res.Level, res.AtomID, len(res.ChecksRun), res.Duration)
		return
	}
	log.Info("Level %d failed for %s: %d/%d checks failed",
		res.Level, res.AtomID, res.ChecksFailed, len(res.ChecksRun))
}
