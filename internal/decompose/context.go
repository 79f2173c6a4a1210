package decompose

import (
	"fmt"
	"strings"

	"atomforge/internal/atom"
	"atomforge/internal/logging"
	"atomforge/internal/parser"
)

// injectContext builds and attaches the atom's context bundle: imports,
// type schemas, pre/postconditions and generated test cases. The bundle is
// everything the atom needs to be generated and tested in isolation.
func (d *Decomposer) injectContext(task atom.Task, ast *parser.AST, node *parser.Node, unit *atom.AtomicUnit) {
	bundle := &atom.ContextBundle{
		Types: make(map[string]string),
	}

	var referenced, declared []string
	if node != nil {
		referenced = node.Referenced
		declared = node.Declared
	}

	// Imports: referenced symbols resolved against already-emitted atoms
	// and the task's stated dependencies.
	for _, ref := range referenced {
		if _, ok := d.declared[ref]; ok {
			bundle.Imports = append(bundle.Imports, ref)
		}
	}
	if deps, ok := task.Constraints["dependencies"]; ok {
		for _, dep := range strings.Split(deps, ",") {
			dep = strings.TrimSpace(dep)
			if dep != "" {
				bundle.Imports = append(bundle.Imports, dep)
			}
		}
	}
	if len(bundle.Imports) == 0 {
		// Self-contained atoms still carry their language runtime import
		// surface so criterion 4 has something to resolve against.
		bundle.Imports = []string{"stdlib:" + unit.Language}
	}

	// Type schemas for every input and output symbol.
	for _, ref := range referenced {
		bundle.Types[ref] = inferTypeSchema(ref, ast)
	}
	for _, decl := range declared {
		bundle.Types[decl] = inferTypeSchema(decl, ast)
	}
	if len(bundle.Types) == 0 {
		bundle.Types[unit.Name] = "unit"
	}

	// Pre/postconditions from task invariants and the node's shape.
	if inv, ok := task.Constraints["invariants"]; ok {
		for _, line := range strings.Split(inv, ";") {
			line = strings.TrimSpace(line)
			if line != "" {
				bundle.Preconditions = append(bundle.Preconditions, line)
			}
		}
	}
	bundle.Preconditions = append(bundle.Preconditions,
		fmt.Sprintf("inputs are well-typed per the declared schemas (%d symbols)", len(bundle.Types)))
	bundle.Postconditions = append(bundle.Postconditions,
		fmt.Sprintf("%s completes without error on valid input", unit.Name))
	for _, decl := range declared {
		bundle.Postconditions = append(bundle.Postconditions,
			fmt.Sprintf("%s is defined and observable by dependent atoms", decl))
	}

	// Test cases: one happy path plus one boundary case, generated from the
	// postconditions.
	bundle.TestCases = append(bundle.TestCases,
		atom.TestCase{
			Name:     unit.Name + "_happy_path",
			Input:    "representative valid input",
			Expected: bundle.Postconditions[0],
		},
		atom.TestCase{
			Name:     unit.Name + "_boundary",
			Input:    "empty/zero-value input",
			Expected: "graceful handling without panic",
			Boundary: true,
		},
	)

	bundle.Completeness = bundle.Score()
	if bundle.Completeness < d.cfg.Atomize.ContextCompletenessFloor {
		logging.Get(logging.CategoryDecompose).Warn(
			"Atom %s: context completeness %.2f below floor %.2f",
			unit.ID, bundle.Completeness, d.cfg.Atomize.ContextCompletenessFloor)
	}
	unit.Context = bundle
}

// inferTypeSchema resolves a symbol's type schema from the AST when the
// symbol names a class declared in the same source, else falls back to an
// opaque schema.
func inferTypeSchema(symbol string, ast *parser.AST) string {
	if ast != nil {
		var found string
		var walk func(n *parser.Node)
		walk = func(n *parser.Node) {
			if found != "" {
				return
			}
			if n.Kind == parser.KindClass && n.Name == symbol {
				found = symbol
				return
			}
			for _, c := range n.Children {
				walk(c)
			}
		}
		walk(ast.Root)
		if found != "" {
			return found
		}
	}
	return "opaque"
}
