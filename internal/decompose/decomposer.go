// Package decompose splits coarse tasks into atomic units satisfying the
// atomicity contract, attaching a context bundle to every emitted atom.
package decompose

import (
	"fmt"
	"strings"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/logging"
	"atomforge/internal/parser"
)

// RetrieveFunc supplies advisory pattern snippets for a query. Purely
// advisory; a nil func disables retrieval.
type RetrieveFunc func(query string, k int) []string

// Decomposer recursively splits a task's code-shape into atoms.
type Decomposer struct {
	parser   *parser.Parser
	cfg      *config.Config
	retrieve RetrieveFunc

	// declared tracks symbol ownership across emitted atoms so no two atoms
	// share a declaration (atomicity criterion 5).
	declared map[string]string // symbol -> atom id
}

// New creates a decomposer.
func New(p *parser.Parser, cfg *config.Config, retrieve RetrieveFunc) *Decomposer {
	return &Decomposer{
		parser:   p,
		cfg:      cfg,
		retrieve: retrieve,
		declared: make(map[string]string),
	}
}

// Decompose splits one task into atoms. A parse failure of the task's
// scaffold is fatal for the task only.
func (d *Decomposer) Decompose(task atom.Task) ([]*atom.AtomicUnit, error) {
	timer := logging.StartTimer(logging.CategoryDecompose, "Decompose "+task.ID)
	defer timer.Stop()

	scaffold := task.Scaffold
	if scaffold == "" && d.retrieve != nil {
		scaffold = d.scaffoldFromPatterns(task)
	}
	if scaffold == "" {
		logging.DecomposeDebug("Task %s has no scaffold; sizing atoms from estimate", task.ID)
		return d.decomposeByEstimate(task), nil
	}

	ast, err := d.parser.Parse(task.Language, scaffold)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	if ast.Dynamic {
		logging.Get(logging.CategoryDecompose).Warn(
			"Task %s: dynamic/reflection-heavy source, routing to review", task.ID)
		unit := d.newUnit(task, ast.Root, ast)
		unit.Status = atom.StatusNeedsReview
		unit.Reason = "dynamic-source"
		unit.Confidence = 0
		unit.Scored = true
		return []*atom.AtomicUnit{unit}, nil
	}

	var units []*atom.AtomicUnit
	d.split(task, ast, ast.Root, &units)
	logging.DecomposeDebug("Task %s decomposed into %d atoms", task.ID, len(units))
	return units, nil
}

// scaffoldFromPatterns returns the first parseable retrieved snippet.
func (d *Decomposer) scaffoldFromPatterns(task atom.Task) string {
	snippets := d.retrieve(task.Language+" "+task.Description, 3)
	for _, s := range snippets {
		if _, err := d.parser.Parse(task.Language, s); err == nil {
			logging.DecomposeDebug("Task %s: using retrieved scaffold (%d bytes)", task.ID, len(s))
			return s
		}
	}
	return ""
}

// split recursively decomposes a node by the coarsest structural boundary:
// module -> class/function -> block -> statement group.
func (d *Decomposer) split(task atom.Task, ast *parser.AST, node *parser.Node, units *[]*atom.AtomicUnit) {
	if d.atomic(node) {
		*units = append(*units, d.emit(task, ast, node, true))
		return
	}

	if len(node.Children) == 0 {
		// Irreducible leaf: oversize or over-complex with no finer boundary.
		if node.LOC() > d.cfg.Atomize.LOCCap && node.Kind == parser.KindStatement {
			for _, chunk := range splitStatementGroup(node, d.cfg.Atomize.LOCCap) {
				if d.atomic(chunk) {
					*units = append(*units, d.emit(task, ast, chunk, true))
				} else {
					*units = append(*units, d.emit(task, ast, chunk, false))
				}
			}
			return
		}
		*units = append(*units, d.emit(task, ast, node, false))
		return
	}

	for _, child := range node.Children {
		d.split(task, ast, child, units)
	}
}

// atomic reports whether a node already satisfies the size and complexity
// bounds of the atomicity contract.
func (d *Decomposer) atomic(node *parser.Node) bool {
	if node.Kind == parser.KindModule {
		return false
	}
	return node.LOC() <= d.cfg.Atomize.LOCCap &&
		node.Complexity < d.cfg.Atomize.ComplexityCap
}

// splitStatementGroup slices an oversize statement group into chunks at
// most cap lines long. Statement groups contain only simple statements, so
// line boundaries are statement boundaries.
func splitStatementGroup(node *parser.Node, locCap int) []*parser.Node {
	var chunks []*parser.Node
	for start := node.StartLine; start <= node.EndLine; start += locCap {
		end := start + locCap - 1
		if end > node.EndLine {
			end = node.EndLine
		}
		chunks = append(chunks, &parser.Node{
			Kind:       parser.KindStatement,
			StartLine:  start,
			EndLine:    end,
			Declared:   node.Declared,
			Referenced: node.Referenced,
			Complexity: 1,
		})
	}
	return chunks
}

// emit creates an atomic unit for a node and injects its context bundle.
func (d *Decomposer) emit(task atom.Task, ast *parser.AST, node *parser.Node, reducible bool) *atom.AtomicUnit {
	unit := d.newUnit(task, node, ast)
	unit.Reducible = reducible
	if !reducible {
		logging.Get(logging.CategoryDecompose).Warn(
			"Task %s: irreducible atom %s (loc=%d complexity=%.1f)",
			task.ID, unit.Name, unit.EstimatedLOC, unit.Complexity)
	}

	d.injectContext(task, ast, node, unit)

	// Intra-task dependencies: atoms referencing a symbol declared by an
	// already-emitted atom depend on that atom.
	for _, ref := range node.Referenced {
		if owner, ok := d.declared[ref]; ok && owner != unit.ID {
			unit.DependsOn = appendUnique(unit.DependsOn, owner)
		}
	}
	for _, decl := range node.Declared {
		if _, taken := d.declared[decl]; !taken {
			d.declared[decl] = unit.ID
		}
	}
	return unit
}

func (d *Decomposer) newUnit(task atom.Task, node *parser.Node, ast *parser.AST) *atom.AtomicUnit {
	name := node.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s-l%d", task.ID, node.Kind, node.StartLine)
	}
	loc := node.LOC()
	if loc == 0 {
		loc = 1
	}
	return &atom.AtomicUnit{
		ID:           atom.NewAtomID(),
		TaskID:       task.ID,
		Name:         name,
		Language:     task.Language,
		TargetPath:   task.TargetPath,
		Component:    componentOf(task),
		EstimatedLOC: loc,
		Complexity:   node.Complexity,
		Reducible:    true,
		NodeKind:     string(node.Kind),
		Declares:     append([]string(nil), node.Declared...),
		References:   append([]string(nil), node.Referenced...),
		Status:       atom.StatusPending,
	}
}

// decomposeByEstimate handles scaffold-less tasks: one atom per LOC-cap
// slice of the estimate, each an independent statement group.
func (d *Decomposer) decomposeByEstimate(task atom.Task) []*atom.AtomicUnit {
	est := task.EstimatedLOC
	if est <= 0 {
		est = d.cfg.Atomize.LOCCap
	}
	var units []*atom.AtomicUnit
	part := 0
	for remaining := est; remaining > 0; remaining -= d.cfg.Atomize.LOCCap {
		part++
		loc := remaining
		if loc > d.cfg.Atomize.LOCCap {
			loc = d.cfg.Atomize.LOCCap
		}
		unit := &atom.AtomicUnit{
			ID:           atom.NewAtomID(),
			TaskID:       task.ID,
			Name:         fmt.Sprintf("%s-part-%d", task.ID, part),
			Language:     task.Language,
			TargetPath:   task.TargetPath,
			Component:    componentOf(task),
			EstimatedLOC: loc,
			Complexity:   1,
			Reducible:    true,
			NodeKind:     string(parser.KindStatement),
			Status:       atom.StatusPending,
		}
		d.injectContext(task, nil, nil, unit)
		if part > 1 {
			// Estimate slices are sequential: each continues the previous.
			unit.DependsOn = []string{units[part-2].ID}
		}
		units = append(units, unit)
	}
	return units
}

// componentOf resolves the architectural component grouping for Level-3
// validation: the task's declared component, else the first path segment.
func componentOf(task atom.Task) string {
	if task.Component != "" {
		return task.Component
	}
	path := strings.TrimLeft(task.TargetPath, "/")
	if i := strings.IndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return path
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
