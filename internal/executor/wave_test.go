package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/graph"
	"atomforge/internal/oracle"
	"atomforge/internal/parser"
	"atomforge/internal/review"
	"atomforge/internal/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness wires a registry, graph, validator and scripted oracle for
// executor tests.
type harness struct {
	cfg      *config.Config
	registry *atom.Registry
	graph    *graph.Graph
	queue    *review.Queue
	tasks    map[string]atom.Task
	exec     *WaveExecutor

	eventsMu sync.Mutex
	events   []atom.Event
}

func (h *harness) eventSeen(eventType atom.EventType, atomID string) bool {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	for _, e := range h.events {
		if e.Type == eventType && e.AtomID == atomID {
			return true
		}
	}
	return false
}

func (h *harness) stateChangeSeen(atomID string, from, to atom.Status) bool {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	for _, e := range h.events {
		if e.Type != atom.EventAtomStateChange || e.AtomID != atomID {
			continue
		}
		if e.Metadata["from"] == string(from) && e.Metadata["to"] == string(to) {
			return true
		}
	}
	return false
}

func goodCode(name string) string {
	return "func " + name + "() int {\n\treturn 1\n}\n"
}

func badCode(name string) string {
	return "func " + name + "() int {\n\treturn missingValue\n}\n"
}

func bundleFor(name string) *atom.ContextBundle {
	b := &atom.ContextBundle{
		Imports:        []string{"stdlib:go"},
		Types:          map[string]string{name: "func"},
		Preconditions:  []string{"inputs are well-typed"},
		Postconditions: []string{name + " is defined and observable by dependent atoms"},
		TestCases: []atom.TestCase{
			{Name: name + "_happy_path", Input: "valid", Expected: "ok"},
			{Name: name + "_boundary", Input: "zero", Expected: "ok", Boundary: true},
		},
	}
	b.Completeness = b.Score()
	return b
}

// newHarness builds the executor fixture. atoms maps id -> function name;
// edges wire producer -> consumer dependencies.
func newHarness(t *testing.T, atoms map[string]string, edges []atom.DependencyEdge, responses ...oracle.ScriptedResponse) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Oracle.MaxRetries = 0
	cfg.Oracle.TimeoutMS = 5000

	p := parser.New()
	t.Cleanup(p.Close)

	h := &harness{
		cfg:      cfg,
		registry: atom.NewRegistry(),
		queue:    review.NewQueue(),
		tasks:    map[string]atom.Task{"t1": {ID: "t1", Language: "go", Description: "demo", TargetPath: "pkg/demo.go"}},
	}

	var ids []string
	for id := range atoms {
		ids = append(ids, id)
	}
	for _, id := range ids {
		name := atoms[id]
		require.NoError(t, h.registry.Add(&atom.AtomicUnit{
			ID: id, TaskID: "t1", Name: name, Language: "go",
			TargetPath: "pkg/demo.go", Component: "pkg",
			EstimatedLOC: 3, Complexity: 1, Reducible: true,
			NodeKind: "function", Declares: []string{name},
			Context: bundleFor(name),
		}))
	}

	g, err := graph.Build(h.registry.IDs(), edges, cfg.Graph)
	require.NoError(t, err)
	h.graph = g

	client := oracle.NewClient(oracle.NewScriptedProvider(responses...), cfg.Oracle)
	validator := validate.New(cfg, p)
	emitFn := func(e atom.Event) {
		h.eventsMu.Lock()
		h.events = append(h.events, e)
		h.eventsMu.Unlock()
	}

	retry := NewRetryOrchestrator(cfg, client, validator, h.registry, nil, map[string]string{}, emitFn)
	h.exec = NewWaveExecutor(cfg, h.registry, g, retry, h.queue, h.tasks, emitFn)
	return h
}

func (h *harness) runAllWaves(t *testing.T) []WaveResult {
	t.Helper()
	var results []WaveResult
	for _, wave := range h.graph.Waves {
		results = append(results, h.exec.RunWave(context.Background(), wave))
	}
	return results
}

func (h *harness) status(t *testing.T, id string) atom.Status {
	t.Helper()
	status, ok := h.registry.Status(id)
	require.True(t, ok)
	return status
}

func TestRunWave_LinearChainAllAccepted(t *testing.T) {
	// Scenario: a1 -> a2 -> a3 by data edges, first-attempt success for
	// each. Three waves of one atom, all accepted.
	h := newHarness(t,
		map[string]string{"a1": "First", "a2": "Second", "a3": "Third"},
		[]atom.DependencyEdge{
			{From: "a1", To: "a2", Kind: atom.EdgeData},
			{From: "a2", To: "a3", Kind: atom.EdgeData},
		},
		oracle.ScriptedResponse{Text: goodCode("First")},
		oracle.ScriptedResponse{Text: goodCode("Second")},
		oracle.ScriptedResponse{Text: goodCode("Third")},
	)

	require.Len(t, h.graph.Waves, 3)
	results := h.runAllWaves(t)

	for i, res := range results {
		assert.Equal(t, 1, res.Accepted, "wave %d", i)
		assert.False(t, res.Aborted)
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, atom.StatusAccepted, h.status(t, id))
	}
	assert.Equal(t, map[int]int{1: 3}, h.registry.AttemptsHistogram())
}

func TestRunWave_RetrySucceedsThenLowConfidenceRoutesToReview(t *testing.T) {
	// Two failures then success on attempt 3: level 1 passes but the
	// attempt penalty drops confidence below the threshold.
	h := newHarness(t,
		map[string]string{"a1": "Solo"},
		nil,
		oracle.ScriptedResponse{Text: badCode("Solo")},
		oracle.ScriptedResponse{Text: badCode("Solo")},
		oracle.ScriptedResponse{Text: goodCode("Solo")},
	)

	results := h.runAllWaves(t)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Review)
	assert.Equal(t, atom.StatusNeedsReview, h.status(t, "a1"))

	u, _ := h.registry.Get("a1")
	assert.Equal(t, 3, u.Attempts)
	// 0.4·1 + 0.3·0.33 + 0.2·(1 - 1/3) + 0 ≈ 0.632 < 0.7
	assert.InDelta(t, 0.632, u.Confidence, 0.01)

	records := h.registry.Retries("a1")
	require.Len(t, records, 3)
	assert.Equal(t, 0.7, records[0].Temperature)
	assert.Equal(t, 0.5, records[1].Temperature)
	assert.Equal(t, 0.3, records[2].Temperature)
	assert.False(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.True(t, records[2].Success)

	item, ok := h.queue.Get("a1")
	require.True(t, ok)
	assert.Equal(t, review.ItemPending, item.Status)

	// Failed attempts bounce through the failed state and back into
	// flight for the retry.
	assert.True(t, h.stateChangeSeen("a1", atom.StatusInFlight, atom.StatusFailed))
	assert.True(t, h.stateChangeSeen("a1", atom.StatusFailed, atom.StatusInFlight))
}

func TestRunWave_ExhaustedAtomBlocksDependants(t *testing.T) {
	// Scenario: a1 fails all three attempts; a2 depends on it. a1 ends
	// needs-review(exhausted); a2 never runs.
	h := newHarness(t,
		map[string]string{"a1": "Flaky", "a2": "Downstream"},
		[]atom.DependencyEdge{{From: "a1", To: "a2", Kind: atom.EdgeData}},
		oracle.ScriptedResponse{Text: badCode("Flaky")},
	)

	results := h.runAllWaves(t)
	require.Len(t, results, 2)

	assert.Equal(t, atom.StatusNeedsReview, h.status(t, "a1"))
	u, _ := h.registry.Get("a1")
	assert.Equal(t, "exhausted", u.Reason)
	assert.Equal(t, 3, u.Attempts)

	// The dependant stays pending: no speculative execution.
	assert.Equal(t, atom.StatusPending, h.status(t, "a2"))
	assert.Equal(t, 1, results[1].Blocked)

	// Retry exhaustion emitted an event.
	assert.True(t, h.eventSeen(atom.EventRetryExhausted, "a1"))
}

func TestRunWave_FailureRatioAbortsWave(t *testing.T) {
	// Ten independent atoms, every attempt fails: the abort ratio (0.30)
	// trips and the wave reports aborted.
	atoms := make(map[string]string, 10)
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for i, n := range names {
		atoms["a"+string(rune('0'+i))] = "Unit" + n
	}
	h := newHarness(t, atoms, nil,
		oracle.ScriptedResponse{Text: "func Wrong() int {\n\treturn missingValue\n}\n"},
	)
	h.cfg.Execution.MaxConcurrencyPerWave = 2

	results := h.runAllWaves(t)
	require.Len(t, results, 1)
	assert.True(t, results[0].Aborted)

	// Every atom settled: exhausted or cancelled, none in flight.
	for id := range atoms {
		status := h.status(t, id)
		assert.Contains(t, []atom.Status{atom.StatusNeedsReview, atom.StatusPending}, status,
			"atom %s must not remain in flight", id)
	}
}

func TestRunWave_CancelledContextSettlesAtoms(t *testing.T) {
	h := newHarness(t,
		map[string]string{"a1": "One"},
		nil,
		oracle.ScriptedResponse{Text: goodCode("One")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.exec.RunWave(ctx, h.graph.Waves[0])
	assert.True(t, res.Cancelled)
	assert.Equal(t, atom.StatusNeedsReview, h.status(t, "a1"))
	u, _ := h.registry.Get("a1")
	assert.Equal(t, "cancelled", u.Reason)
}

func TestRunWave_AttemptsNeverExceedMax(t *testing.T) {
	h := newHarness(t,
		map[string]string{"a1": "Cap"},
		nil,
		oracle.ScriptedResponse{Text: badCode("Cap")},
	)
	h.runAllWaves(t)

	u, _ := h.registry.Get("a1")
	assert.LessOrEqual(t, u.Attempts, h.cfg.Execution.MaxAttemptsPerAtom)
	assert.LessOrEqual(t, len(h.registry.Retries("a1")), h.cfg.Execution.MaxAttemptsPerAtom)
}
