package decompose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/parser"
)

func testDecomposer(t *testing.T) (*Decomposer, *parser.Parser, *config.Config) {
	t.Helper()
	p := parser.New()
	t.Cleanup(p.Close)
	cfg := config.DefaultConfig()
	return New(p, cfg, nil), p, cfg
}

func TestDecompose_SmallFunctionsBecomeAtoms(t *testing.T) {
	d, _, cfg := testDecomposer(t)

	task := atom.Task{
		ID:       "task-1",
		Language: "go",
		Description: "arithmetic helpers",
		TargetPath:  "pkg/math/ops.go",
		Scaffold: `package ops

func Add(a int, b int) int {
	return a + b
}

func Sub(a int, b int) int {
	return a - b
}
`,
	}

	units, err := d.Decompose(task)
	require.NoError(t, err)
	require.Len(t, units, 2)

	names := []string{units[0].Name, units[1].Name}
	assert.Contains(t, names, "Add")
	assert.Contains(t, names, "Sub")

	for _, u := range units {
		assert.LessOrEqual(t, u.EstimatedLOC, cfg.Atomize.LOCCap)
		assert.Less(t, u.Complexity, cfg.Atomize.ComplexityCap)
		assert.True(t, u.Reducible)
		require.NotNil(t, u.Context)
		assert.GreaterOrEqual(t, u.Context.Completeness, cfg.Atomize.ContextCompletenessFloor)
		assert.NotEmpty(t, u.Context.TestCases)
	}
}

func TestDecompose_OversizeFunctionSplitsIntoBlocks(t *testing.T) {
	d, _, cfg := testDecomposer(t)

	// A function body past the LOC cap whose blocks fit individually.
	task := atom.Task{
		ID:       "task-2",
		Language: "go",
		TargetPath: "pkg/report/build.go",
		Scaffold: `package report

func Build(rows []int) (int, int) {
	total := 0
	count := 0
	for _, r := range rows {
		total += r
	}
	for _, r := range rows {
		if r > 0 {
			count++
		}
	}
	minimum := 0
	maximum := 0
	extra1 := 1
	extra2 := 2
	_ = extra1
	_ = extra2
	_ = minimum
	_ = maximum
	return total, count
}
`,
	}

	units, err := d.Decompose(task)
	require.NoError(t, err)
	require.Greater(t, len(units), 1, "oversize function must split")
	for _, u := range units {
		assert.LessOrEqual(t, u.EstimatedLOC, cfg.Atomize.IrreducibleLOCCap)
	}
}

func TestDecompose_DynamicSourceRoutesToReview(t *testing.T) {
	d, _, _ := testDecomposer(t)

	task := atom.Task{
		ID:       "task-3",
		Language: "python",
		TargetPath: "svc/loader.py",
		Scaffold: "def load(name):\n" +
			"    mod = __import__(name)\n" +
			"    handler = getattr(mod, 'run')\n" +
			"    return eval(handler)\n",
	}

	units, err := d.Decompose(task)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, atom.StatusNeedsReview, units[0].Status)
	assert.Equal(t, "dynamic-source", units[0].Reason)
	assert.Equal(t, 0.0, units[0].Confidence)
	assert.True(t, units[0].Scored)
	assert.Empty(t, units[0].Code)
}

func TestDecompose_ParseErrorIsFatalForTask(t *testing.T) {
	d, _, _ := testDecomposer(t)

	_, err := d.Decompose(atom.Task{
		ID:       "task-4",
		Language: "go",
		Scaffold: "func broken( {",
	})
	require.Error(t, err)
}

func TestDecompose_ScaffoldlessTaskSizedByEstimate(t *testing.T) {
	d, _, cfg := testDecomposer(t)

	units, err := d.Decompose(atom.Task{
		ID:           "task-5",
		Language:     "go",
		Description:  "config loader",
		TargetPath:   "pkg/config/load.go",
		EstimatedLOC: 23,
	})
	require.NoError(t, err)
	require.Len(t, units, 3) // ceil(23 / 10)

	for i, u := range units {
		assert.LessOrEqual(t, u.EstimatedLOC, cfg.Atomize.LOCCap)
		if i > 0 {
			assert.Equal(t, []string{units[i-1].ID}, u.DependsOn, "estimate slices chain sequentially")
		}
	}
}

func TestDecompose_IntraTaskDependencies(t *testing.T) {
	d, _, _ := testDecomposer(t)

	task := atom.Task{
		ID:       "task-6",
		Language: "go",
		TargetPath: "pkg/pipeline/steps.go",
		Scaffold: `package steps

func Parse(s string) int {
	return len(s)
}

func Run(s string) int {
	return Parse(s) * 2
}
`,
	}
	units, err := d.Decompose(task)
	require.NoError(t, err)
	require.Len(t, units, 2)

	var parseUnit, runUnit *atom.AtomicUnit
	for _, u := range units {
		switch u.Name {
		case "Parse":
			parseUnit = u
		case "Run":
			runUnit = u
		}
	}
	require.NotNil(t, parseUnit)
	require.NotNil(t, runUnit)
	assert.Contains(t, runUnit.DependsOn, parseUnit.ID)
	assert.Contains(t, runUnit.Context.Imports, "Parse")
}

func TestAtomicityChecker_TenCriteria(t *testing.T) {
	p := parser.New()
	t.Cleanup(p.Close)
	cfg := config.DefaultConfig()
	checker := NewAtomicityChecker(cfg, p)

	unit := &atom.AtomicUnit{
		ID: "a1", Language: "go", EstimatedLOC: 3, Complexity: 1, Reducible: true,
		Context: &atom.ContextBundle{
			Imports:        []string{"stdlib:go"},
			Types:          map[string]string{"Double": "func"},
			Preconditions:  []string{"n is finite"},
			Postconditions: []string{"Double is defined and observable by dependent atoms"},
			TestCases:      []atom.TestCase{{Name: "happy"}},
			Completeness:   1.0,
		},
	}

	ok, score, failures := checker.Check(unit, "func Double(n int) int {\n\treturn n * 2\n}\n", map[string]string{})
	assert.True(t, ok, "failures: %v", failures)
	assert.Greater(t, score, 0.5)

	t.Run("placeholder marker fails", func(t *testing.T) {
		ok, _, failures := checker.Check(unit, "func Double(n int) int {\n\t// TODO implement\n\treturn 0\n}\n", nil)
		assert.False(t, ok)
		assert.Contains(t, failures, "placeholder_marker")
	})

	t.Run("unparseable fails", func(t *testing.T) {
		ok, _, failures := checker.Check(unit, "func Double(n int int {", nil)
		assert.False(t, ok)
		assert.Contains(t, failures, "unparseable")
	})

	t.Run("shared declaration fails", func(t *testing.T) {
		ok, _, failures := checker.Check(unit,
			"func Double(n int) int {\n\treturn n * 2\n}\n",
			map[string]string{"Double": "someone-else"})
		assert.False(t, ok)
		assert.Contains(t, failures, "shared_declaration")
	})

	t.Run("missing tests fail", func(t *testing.T) {
		bare := *unit
		ctx := *unit.Context
		ctx.TestCases = nil
		ctx.Completeness = ctx.Score()
		bare.Context = &ctx
		ok, _, failures := checker.Check(&bare, "func Double(n int) int {\n\treturn n * 2\n}\n", nil)
		assert.False(t, ok)
		assert.Contains(t, failures, "no_test_cases")
	})

	t.Run("oversize fails", func(t *testing.T) {
		var code string
		for i := 0; i < 12; i++ {
			code += "var filler" + string(rune('a'+i)) + " = 1\n"
		}
		ok, _, failures := checker.Check(unit, code, nil)
		assert.False(t, ok)
		assert.Contains(t, failures, "loc_exceeded")
	})
}
