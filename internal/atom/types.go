// Package atom defines the atomforge domain model: tasks, atomic units,
// context bundles, dependency edges, validation results and retry records.
// Atoms are plain records identified by id; dependency structure lives in
// the graph package, never as live references between atoms.
package atom

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a coarse coding task produced by the external planner.
// Immutable after plan freeze.
type Task struct {
	ID           string            `yaml:"id" json:"id"`
	Language     string            `yaml:"language" json:"language"`
	Description  string            `yaml:"description" json:"description"`
	TargetPath   string            `yaml:"target_path" json:"target_path"`
	EstimatedLOC int               `yaml:"estimated_loc" json:"estimated_loc"`
	Component    string            `yaml:"component,omitempty" json:"component,omitempty"`
	Scaffold     string            `yaml:"scaffold,omitempty" json:"scaffold,omitempty"`
	Constraints  map[string]string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// ContextBundle is the complete code-adjacent context an atom needs to be
// generated and tested in isolation. Built by the decomposer, referenced
// (never copied) by the executor.
type ContextBundle struct {
	Imports        []string          `json:"imports"`
	Types          map[string]string `json:"types"` // symbol -> type schema
	Preconditions  []string          `json:"preconditions"`
	Postconditions []string          `json:"postconditions"`
	TestCases      []TestCase        `json:"test_cases"`
	Completeness   float64           `json:"completeness"`
}

// TestCase is one generated test for an atom: at least one happy path and
// one boundary case per atom.
type TestCase struct {
	Name     string `json:"name"`
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Boundary bool   `json:"boundary"`
}

// Score recomputes the completeness fraction from populated fields.
func (cb *ContextBundle) Score() float64 {
	fields := 0
	populated := 0
	count := func(ok bool) {
		fields++
		if ok {
			populated++
		}
	}
	count(len(cb.Imports) > 0)
	count(len(cb.Types) > 0)
	count(len(cb.Preconditions) > 0)
	count(len(cb.Postconditions) > 0)
	count(len(cb.TestCases) > 0)
	if fields == 0 {
		return 0
	}
	return float64(populated) / float64(fields)
}

// AtomicUnit is the smallest unit of code produced in one oracle call.
// Structural fields (TaskID, Language, DependsOn, EstimatedLOC) are owned
// by the controller and never mutated after graph construction.
type AtomicUnit struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Name         string         `json:"name"`
	Language     string         `json:"language"`
	TargetPath   string         `json:"target_path"`
	Component    string         `json:"component"`
	EstimatedLOC int            `json:"estimated_loc"`
	Complexity   float64        `json:"complexity"`
	Reducible    bool           `json:"reducible"`
	NodeKind     string         `json:"node_kind"` // function | class | block | statement | module
	Declares     []string       `json:"declares"`
	References   []string       `json:"references"`
	Context      *ContextBundle `json:"context"`
	DependsOn    []string       `json:"depends_on"`

	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	Code       string  `json:"code,omitempty"`
	Confidence float64 `json:"confidence"`
	Scored     bool    `json:"scored"` // confidence is meaningless until set

	// Reason records why a terminal state was reached (cancelled, blocked,
	// exhausted, level-error, dynamic-source).
	Reason string `json:"reason,omitempty"`
}

// NewAtomID returns a fresh atom id.
func NewAtomID() string {
	return "atom-" + uuid.NewString()[:8]
}

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeImport EdgeKind = "import"
	EdgeData   EdgeKind = "data"
	EdgeCall   EdgeKind = "call"
	EdgeType   EdgeKind = "type"
)

// Weight returns the canonical weight for an edge kind.
func (k EdgeKind) Weight() float64 {
	switch k {
	case EdgeImport:
		return 1.0
	case EdgeType:
		return 0.9
	case EdgeCall:
		return 0.8
	case EdgeData:
		return 0.7
	default:
		return 0
	}
}

// Rank orders kinds for tie-breaking: import > type > call > data.
func (k EdgeKind) Rank() int {
	switch k {
	case EdgeImport:
		return 0
	case EdgeType:
		return 1
	case EdgeCall:
		return 2
	case EdgeData:
		return 3
	default:
		return 4
	}
}

// DependencyEdge is a directed dependency between two atoms.
type DependencyEdge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Weight float64  `json:"weight"`
}

// Key identifies the (from, to, kind) triple; duplicates are forbidden.
func (e DependencyEdge) Key() string {
	return e.From + "\x00" + e.To + "\x00" + string(e.Kind)
}

// ValidationError is one structured failure from a validation level.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	AtomID  string `json:"atom_id,omitempty"`
	Line    int    `json:"line,omitempty"` // 1-based; 0 when unknown
	EndLine int    `json:"end_line,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Code, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationResult is the outcome of one (subject, level) validation attempt.
// LevelError marks a validator malfunction, distinct from code failure.
type ValidationResult struct {
	AtomID       string            `json:"atom_id"` // or module/component/plan key
	Level        int               `json:"level"`   // 1..4
	Passed       bool              `json:"passed"`
	LevelError   bool              `json:"level_error"`
	ChecksRun    []string          `json:"checks_run"`
	ChecksPassed int               `json:"checks_passed"`
	ChecksFailed int               `json:"checks_failed"`
	Errors       []ValidationError `json:"errors,omitempty"`
	Code         string            `json:"code,omitempty"` // the code that was validated
	Duration     time.Duration     `json:"duration"`
}

// RetryRecord is an append-only log entry for one oracle attempt.
type RetryRecord struct {
	AtomID         string    `json:"atom_id"`
	Attempt        int       `json:"attempt"` // 1..max; 0 marks a regenerate reset
	FailureSummary string    `json:"failure_summary,omitempty"`
	Prompt         string    `json:"prompt"`
	Temperature    float64   `json:"temperature"`
	Success        bool      `json:"success"`
	Code           string    `json:"code,omitempty"`
	At             time.Time `json:"at"`
}

// Wave is a maximal set of atoms with no intra-set dependencies.
type Wave struct {
	Index   int        `json:"index"`
	AtomIDs []string   `json:"atom_ids"`
	Status  WaveStatus `json:"status"`
}

// WaveStatus tracks a wave's lifecycle.
type WaveStatus string

const (
	WavePending WaveStatus = "pending"
	WaveRunning WaveStatus = "running"
	WaveDone    WaveStatus = "done"
	WaveFailed  WaveStatus = "failed"
)
