package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/emit"
	"atomforge/internal/oracle"
	"atomforge/internal/parser"
)

// scriptedController wires a controller over a scripted oracle whose
// responses are matched to atoms by the function name in the prompt.
func scriptedController(t *testing.T, cfg *config.Config, byName map[string]string) (*Controller, *emit.Recorder) {
	t.Helper()

	p := parser.New()
	t.Cleanup(p.Close)

	provider := &nameMatchedProvider{byName: byName}
	client := oracle.NewClient(provider, cfg.Oracle)

	recorder := &emit.Recorder{}
	controller, err := NewController(Options{
		Config: cfg,
		Parser: p,
		Oracle: client,
		Sink:   recorder,
	})
	require.NoError(t, err)
	return controller, recorder
}

// nameMatchedProvider returns the canned response whose key appears in the
// prompt, making responses independent of scheduling order.
type nameMatchedProvider struct {
	byName map[string]string
}

func (p *nameMatchedProvider) Generate(ctx context.Context, req oracle.Request) (string, error) {
	for name, code := range p.byName {
		if strings.Contains(req.Prompt, "\""+name+"\"") {
			return code, nil
		}
	}
	return "", &oracle.Error{Kind: oracle.KindSemantic, Message: "no canned response matches prompt"}
}

func testTasks() []atom.Task {
	return []atom.Task{
		{
			ID:          "task-core",
			Language:    "go",
			Description: "math core",
			TargetPath:  "core/math.go",
			Scaffold: `package core

func Add(a int, b int) int {
	return a + b
}

func Scale(a int, factor int) int {
	return Add(a, a) * factor
}
`,
		},
	}
}

func TestRun_EndToEndPlanCompletes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.MaxRetries = 0

	controller, recorder := scriptedController(t, cfg, map[string]string{
		"Add":   "func Add(a int, b int) int {\n\treturn a + b\n}\n",
		"Scale": "func Scale(a int, factor int) int {\n\treturn Add(a, a) * factor\n}\n",
	})

	summary, err := controller.Run(context.Background(), testTasks())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, PlanCompleted, summary.Status)
	assert.Equal(t, 2, summary.TotalAtoms)
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 0, summary.NeedsReview)
	assert.True(t, summary.Level4Passed, "system level must pass on a clean plan")
	assert.Equal(t, map[int]int{1: 2}, summary.AttemptsHistogram)
	assert.GreaterOrEqual(t, summary.Waves, 2, "Scale depends on Add")

	// Artifacts stream in acceptance order with the right paths.
	artifacts := recorder.Artifacts()
	require.Len(t, artifacts, 2)
	assert.Equal(t, "core/math.go", artifacts[0].TargetPath)

	// Every accepted atom's final code passed a level-1 validation.
	for _, id := range controller.Registry().IDs() {
		u, _ := controller.Registry().Get(id)
		require.Equal(t, atom.StatusAccepted, u.Status)
		matched := false
		for _, v := range controller.Registry().Validations(id) {
			if v.Level == 1 && v.Passed && v.Code == u.Code {
				matched = true
			}
		}
		assert.True(t, matched, "atom %s accepted without a passing level-1 result for its code", id)
	}
}

func TestRun_ExhaustedAtomEndsNeedsReviewAndBlocksDownstream(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.MaxRetries = 0

	controller, _ := scriptedController(t, cfg, map[string]string{
		"Add":   "func Add(a int, b int) int {\n\treturn undefinedThing\n}\n",
		"Scale": "func Scale(a int, factor int) int {\n\treturn Add(a, a) * factor\n}\n",
	})

	summary, err := controller.Run(context.Background(), testTasks())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Accepted)
	assert.Equal(t, 2, summary.NeedsReview)
	assert.False(t, summary.Level4Passed)

	reasons := make(map[string]string)
	for _, entry := range summary.ReviewEntries {
		reasons[entry.AtomID] = entry.Reason
	}
	assert.Contains(t, mapValues(reasons), "exhausted")
	assert.Contains(t, mapValues(reasons), "blocked")

	// The exhausted entry carries its last validation result.
	for _, entry := range summary.ReviewEntries {
		if entry.Reason == "exhausted" {
			assert.Equal(t, cfg.Execution.MaxAttemptsPerAtom, entry.Attempts)
			require.NotNil(t, entry.LastResult)
			assert.False(t, entry.LastResult.Passed)
		}
	}
}

func mapValues(m map[string]string) []string {
	var out []string
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestRun_HumanApprovalUnblocksDependants(t *testing.T) {
	// Scenario: the upstream atom exhausts, a human submits a corrected body
	// through Edit, and Resume carries the dependant through to accepted.
	cfg := config.DefaultConfig()
	cfg.Oracle.MaxRetries = 0

	goodAdd := "func Add(a int, b int) int {\n\treturn a + b\n}\n"
	provider := &sequencedProvider{
		// Three failures for Add during the plan; afterwards every call
		// succeeds (used by Resume for Scale).
		first: []string{
			"func Add(a int, b int) int {\n\treturn undefinedThing\n}\n",
			"func Add(a int, b int) int {\n\treturn undefinedThing\n}\n",
			"func Add(a int, b int) int {\n\treturn undefinedThing\n}\n",
		},
		then: map[string]string{
			"Scale": "func Scale(a int, factor int) int {\n\treturn Add(a, a) * factor\n}\n",
			"Add":   goodAdd,
		},
	}

	p := parser.New()
	t.Cleanup(p.Close)
	controller, recorder := func() (*Controller, *emit.Recorder) {
		recorder := &emit.Recorder{}
		c, err := NewController(Options{
			Config: cfg,
			Parser: p,
			Oracle: oracle.NewClient(provider, cfg.Oracle),
			Sink:   recorder,
		})
		require.NoError(t, err)
		return c, recorder
	}()

	summary, err := controller.Run(context.Background(), testTasks())
	require.NoError(t, err)
	require.Equal(t, 2, summary.NeedsReview)

	// Find the exhausted upstream atom and hand-approve a corrected body.
	var exhaustedID string
	for _, entry := range summary.ReviewEntries {
		if entry.Reason == "exhausted" {
			exhaustedID = entry.AtomID
		}
	}
	require.NotEmpty(t, exhaustedID)

	res, err := controller.Edit(context.Background(), exhaustedID, goodAdd)
	require.NoError(t, err)
	require.True(t, res.Passed, "human-corrected code must pass level 1: %v", res.Errors)

	u, _ := controller.Registry().Get(exhaustedID)
	assert.Equal(t, atom.StatusAccepted, u.Status)

	// Resume executes the blocked dependant.
	require.NoError(t, controller.Resume(context.Background()))

	accepted := 0
	for _, id := range controller.Registry().IDs() {
		if status, _ := controller.Registry().Status(id); status == atom.StatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Len(t, recorder.Artifacts(), 2)
}

// sequencedProvider fails the first N calls, then matches by name.
type sequencedProvider struct {
	first []string
	then  map[string]string
	calls int
}

func (p *sequencedProvider) Generate(ctx context.Context, req oracle.Request) (string, error) {
	p.calls++
	if p.calls <= len(p.first) {
		return p.first[p.calls-1], nil
	}
	for name, code := range p.then {
		if strings.Contains(req.Prompt, "\""+name+"\"") {
			return code, nil
		}
	}
	return "", &oracle.Error{Kind: oracle.KindSemantic, Message: "no response"}
}

func TestRun_ParseErrorFailsOnlyThatTask(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Oracle.MaxRetries = 0

	tasks := append(testTasks(), atom.Task{
		ID:       "task-broken",
		Language: "go",
		Scaffold: "func broken( {",
	})

	controller, _ := scriptedController(t, cfg, map[string]string{
		"Add":   "func Add(a int, b int) int {\n\treturn a + b\n}\n",
		"Scale": "func Scale(a int, factor int) int {\n\treturn Add(a, a) * factor\n}\n",
	})

	summary, err := controller.Run(context.Background(), tasks)
	require.NoError(t, err, "a parse error is structural, not plan-fatal")
	assert.Equal(t, 2, summary.TotalAtoms, "the broken task contributes no atoms")
	assert.Equal(t, 2, summary.Accepted)
}

func TestBus_SubscribersReceiveEvents(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Emit(atom.Event{Type: atom.EventWaveStarted, WaveIndex: 0})
	bus.Emit(atom.Event{Type: atom.EventWaveCompleted, WaveIndex: 0})
	bus.Close()

	var types []atom.EventType
	for e := range ch {
		types = append(types, e.Type)
	}
	assert.Equal(t, []atom.EventType{atom.EventWaveStarted, atom.EventWaveCompleted}, types)
}
