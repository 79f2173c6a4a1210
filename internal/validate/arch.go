package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	atommodel "atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/logging"
)

// ArchChecker evaluates layering rules as a datalog program over module
// import facts. Rules come from configuration; the derived violation
// relation is the check's outcome.
type ArchChecker struct {
	cfg config.ArchitectureConfig
}

// NewArchChecker creates a checker over the configured layer rules.
func NewArchChecker(cfg config.ArchitectureConfig) *ArchChecker {
	return &ArchChecker{cfg: cfg}
}

// Check derives layering violations among the component's modules. With no
// configured rules it passes vacuously.
func (c *ArchChecker) Check(ctx context.Context, modules map[string][]*atommodel.AtomicUnit) ([]string, error) {
	if len(c.cfg.Layers) == 0 || len(c.cfg.Forbidden) == 0 {
		return nil, nil
	}

	program := c.buildProgram(modules)
	logging.Get(logging.CategoryValidate).Debug("Architecture program: %d bytes", len(program))

	unit, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("architecture rules parse: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("architecture rules analysis: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("architecture rules evaluation: %w", err)
	}

	var violations []string
	pred := ast.PredicateSym{Symbol: "violation", Arity: 2}
	err = store.GetFacts(ast.NewQuery(pred), func(fact ast.Atom) error {
		if len(fact.Args) == 2 {
			violations = append(violations, fmt.Sprintf(
				"forbidden import: module %s -> module %s",
				constantText(fact.Args[0]), constantText(fact.Args[1])))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("architecture rules readback: %w", err)
	}
	sort.Strings(violations)
	return violations, nil
}

// buildProgram renders facts and rules as datalog source. Facts:
// layer(Module, Layer), imports(From, To), forbidden(FromLayer, ToLayer).
func (c *ArchChecker) buildProgram(modules map[string][]*atommodel.AtomicUnit) string {
	var sb strings.Builder

	paths := make([]string, 0, len(modules))
	for path := range modules {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	// layer facts from configured path-prefix mapping.
	for _, path := range paths {
		if layer := c.layerOf(path); layer != "" {
			fmt.Fprintf(&sb, "layer(%q, %q).\n", path, layer)
		}
	}

	// imports facts: a module imports another when one of its atoms
	// references a symbol declared in the other.
	declaredIn := make(map[string]string) // symbol -> module path
	for _, path := range paths {
		for _, u := range modules[path] {
			for _, d := range u.Declares {
				if _, taken := declaredIn[d]; !taken {
					declaredIn[d] = path
				}
			}
		}
	}
	seen := make(map[string]struct{})
	for _, path := range paths {
		for _, u := range modules[path] {
			for _, ref := range u.References {
				other, ok := declaredIn[ref]
				if !ok || other == path {
					continue
				}
				key := path + "\x00" + other
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				fmt.Fprintf(&sb, "imports(%q, %q).\n", path, other)
			}
		}
	}

	for _, rule := range c.cfg.Forbidden {
		fmt.Fprintf(&sb, "forbidden(%q, %q).\n", rule.From, rule.To)
	}

	sb.WriteString("violation(F, T) :- imports(F, T), layer(F, LF), layer(T, LT), forbidden(LF, LT).\n")
	return sb.String()
}

// layerOf resolves a module path to its layer by longest matching prefix.
func (c *ArchChecker) layerOf(path string) string {
	best := ""
	layer := ""
	for prefix, name := range c.cfg.Layers {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
			layer = name
		}
	}
	return layer
}

// constantText renders a mangle constant without quoting.
func constantText(term ast.BaseTerm) string {
	return strings.Trim(term.String(), `"`)
}
