// Package pipeline orchestrates the end-to-end flow: decomposition, graph
// construction, wave execution, progressive hierarchical validation,
// confidence scoring and review routing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/decompose"
	"atomforge/internal/emit"
	"atomforge/internal/executor"
	"atomforge/internal/graph"
	"atomforge/internal/logging"
	"atomforge/internal/oracle"
	"atomforge/internal/parser"
	"atomforge/internal/retrieval"
	"atomforge/internal/review"
	"atomforge/internal/store"
	"atomforge/internal/validate"
)

// PlanStatus is the terminal status of a plan run.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanDegraded  PlanStatus = "degraded"
	PlanAborted   PlanStatus = "aborted"
	PlanCancelled PlanStatus = "cancelled"
)

// ReviewEntry describes one needs-review atom in the final summary:
// enough to act on without inspecting logs.
type ReviewEntry struct {
	AtomID     string                 `json:"atom_id"`
	Reason     string                 `json:"reason"`
	Attempts   int                    `json:"attempts"`
	Confidence float64                `json:"confidence"`
	LastResult *atom.ValidationResult `json:"last_result,omitempty"`
}

// Summary is the final plan report.
type Summary struct {
	Status            PlanStatus    `json:"status"`
	TotalAtoms        int           `json:"total_atoms"`
	Accepted          int           `json:"accepted"`
	NeedsReview       int           `json:"needs_review"`
	Rejected          int           `json:"rejected"`
	Level4Passed      bool          `json:"level_4_passed"`
	Degraded          bool          `json:"degraded"`
	BrokenEdges       int           `json:"broken_edges"`
	Waves             int           `json:"waves"`
	Duration          time.Duration `json:"duration"`
	AttemptsHistogram map[int]int   `json:"attempts_histogram"`
	ReviewEntries     []ReviewEntry `json:"review_entries,omitempty"`
}

// Controller owns the atom registry and the dependency graph for one plan
// and drives the flow end to end.
type Controller struct {
	cfg       *config.Config
	parser    *parser.Parser
	oracle    *oracle.Client
	validator *validate.Hierarchical
	registry  *atom.Registry
	queue     *review.Queue
	bus       *Bus
	sink      emit.Sink
	patterns  *retrieval.Store
	persist   *store.Store
	metrics   *Metrics

	tasks      map[string]atom.Task
	taskOrder  []string
	emitted    map[string]bool
	graph      *graph.Graph
	declaredBy map[string]string
	retryOrch  *executor.RetryOrchestrator
	waveExec   *executor.WaveExecutor

	cancel context.CancelFunc
}

// Options are the controller's external collaborators. Oracle and Parser
// are required; the rest default to no-ops.
type Options struct {
	Config   *config.Config
	Parser   *parser.Parser
	Oracle   *oracle.Client
	Sink     emit.Sink
	Patterns *retrieval.Store
	Persist  *store.Store
	Metrics  *Metrics
}

// NewController wires a controller from options.
func NewController(opts Options) (*Controller, error) {
	if opts.Config == nil || opts.Parser == nil || opts.Oracle == nil {
		return nil, errors.New("controller requires config, parser and oracle")
	}
	sink := opts.Sink
	if sink == nil {
		sink = emit.Discard{}
	}
	return &Controller{
		cfg:       opts.Config,
		parser:    opts.Parser,
		oracle:    opts.Oracle,
		validator: validate.New(opts.Config, opts.Parser),
		registry:  atom.NewRegistry(),
		queue:     review.NewQueue(),
		bus:       NewBus(),
		sink:      sink,
		patterns:  opts.Patterns,
		persist:   opts.Persist,
		metrics:   opts.Metrics,
		tasks:     make(map[string]atom.Task),
		emitted:   make(map[string]bool),
	}, nil
}

// Events returns the progress event bus.
func (c *Controller) Events() *Bus { return c.bus }

// Registry exposes the atom registry for inspection.
func (c *Controller) Registry() *atom.Registry { return c.registry }

// Queue exposes the review queue.
func (c *Controller) Queue() *review.Queue { return c.queue }

// Cancel requests plan-level cancellation: no new atoms enter flight and
// in-flight atoms abort at their next safe point.
func (c *Controller) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// retrieveFunc adapts the pattern store; nil store means no retrieval.
func (c *Controller) retrieveFunc() func(string, int) []string {
	if c.patterns == nil {
		return nil
	}
	topK := c.cfg.Retrieval.TopK
	return func(query string, k int) []string {
		if k <= 0 {
			k = topK
		}
		return c.patterns.Retrieve(query, k)
	}
}

// Plan decomposes tasks and partitions waves without executing anything:
// the dry-run surface. Returns atom count, waves and broken-edge count.
func (c *Controller) Plan(tasks []atom.Task) (int, []atom.Wave, int, error) {
	if err := c.decomposeAll(tasks); err != nil {
		return 0, nil, 0, err
	}
	if err := c.buildGraph(); err != nil {
		return 0, nil, 0, err
	}
	return c.registry.Len(), c.graph.Waves, len(c.graph.Broken), nil
}

// Run executes a plan to completion and returns its summary. Structural
// failures (an unparseable task) fail that task only; the returned error
// is non-nil only for plan-fatal conditions.
func (c *Controller) Run(ctx context.Context, tasks []atom.Task) (*Summary, error) {
	start := time.Now()

	planCtx, cancel := context.WithTimeout(ctx, c.cfg.PlanDeadline())
	defer cancel()
	c.cancel = cancel

	// 1-2. Decompose every task; validate atomicity of the drafts.
	if err := c.decomposeAll(tasks); err != nil {
		return nil, err
	}

	// 3. Dependency graph and waves.
	if err := c.buildGraph(); err != nil {
		var gerr *graph.GraphError
		if errors.As(err, &gerr) {
			summary := c.summarize(start, PlanAborted, false)
			return summary, err
		}
		return nil, err
	}

	// 4. Wave-by-wave execution with progressive integration.
	aborted, cancelled := c.runWaves(planCtx)

	status := PlanCompleted
	switch {
	case cancelled:
		status = PlanCancelled
		c.settleCancelled()
	case aborted:
		status = PlanAborted
	}

	// Atoms whose dependencies never became accepted end blocked.
	c.settleBlocked()

	// 5. Level 4 once per plan, only for plans still in good standing.
	level4Passed := false
	if status == PlanCompleted {
		level4Passed = c.runLevel4(planCtx)
	}

	// 6. Final confidence pass routes any remaining low-confidence atoms.
	c.finalConfidencePass()

	if status == PlanCompleted && c.graph.Degraded {
		status = PlanDegraded
	}

	c.persistReviewQueue()

	summary := c.summarize(start, status, level4Passed)
	c.bus.Emit(atom.Event{
		Type:      atom.EventPlanCompleted,
		WaveIndex: -1,
		Metadata: map[string]interface{}{
			"status":   string(status),
			"accepted": summary.Accepted,
			"review":   summary.NeedsReview,
		},
	})
	logging.Pipeline("plan %s: %d/%d accepted, %d review, level4=%v",
		status, summary.Accepted, summary.TotalAtoms, summary.NeedsReview, level4Passed)
	return summary, nil
}

// decomposeAll turns tasks into registered atoms. Parse errors fail the
// owning task only.
func (c *Controller) decomposeAll(tasks []atom.Task) error {
	decomposer := decompose.New(c.parser, c.cfg, decompose.RetrieveFunc(c.retrieveFunc()))
	checker := decompose.NewAtomicityChecker(c.cfg, c.parser)

	c.declaredBy = make(map[string]string)
	for _, task := range tasks {
		if _, dup := c.tasks[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		c.tasks[task.ID] = task
		c.taskOrder = append(c.taskOrder, task.ID)

		units, err := decomposer.Decompose(task)
		if err != nil {
			var perr *parser.ParseError
			if errors.As(err, &perr) {
				logging.Get(logging.CategoryPipeline).Error("Task %s failed to parse: %v", task.ID, err)
				continue // structural failure: this task only
			}
			return err
		}

		for _, u := range units {
			for _, d := range u.Declares {
				if _, taken := c.declaredBy[d]; !taken {
					c.declaredBy[d] = u.ID
				}
			}
		}
		for _, u := range units {
			if _, score, failures := checker.Check(u, "", c.declaredBy); len(failures) > 0 {
				logging.DecomposeDebug("Draft %s atomicity score %.2f, failures %v", u.ID, score, failures)
			}
			if err := c.registry.Add(u); err != nil {
				return err
			}
			if u.Status == atom.StatusNeedsReview {
				c.queue.Enqueue(u.ID, 0, u.Reason, "flagged during decomposition: "+u.Reason)
			}
			c.persistAtom(u.ID)
		}
	}

	if c.registry.Len() == 0 {
		return errors.New("no atoms produced from plan")
	}
	return nil
}

// buildGraph analyzes dependencies and partitions waves.
func (c *Controller) buildGraph() error {
	units := c.allUnits()
	raw := graph.Analyze(units)

	g, err := graph.Build(c.registry.IDs(), raw, c.cfg.Graph)
	if err != nil {
		return err
	}
	c.graph = g

	// The graph owns dependency structure; mirror final predecessor sets
	// onto the atoms for reporting.
	for _, id := range g.Nodes {
		deps := g.Dependencies(id)
		c.registry.Update(id, func(a *atom.AtomicUnit) { a.DependsOn = deps })
	}

	c.retryOrch = executor.NewRetryOrchestrator(c.cfg, c.oracle, c.validator, c.registry,
		executor.RetrieveFunc(c.retrieveFunc()), c.declaredBy, c.bus.Emit)
	c.waveExec = executor.NewWaveExecutor(c.cfg, c.registry, g, c.retryOrch, c.queue, c.tasks, c.bus.Emit)
	return nil
}

// runWaves executes waves in strict order with progressive Level 2/3
// validation after each. Returns (aborted, cancelled).
func (c *Controller) runWaves(ctx context.Context) (bool, bool) {
	for i := range c.graph.Waves {
		wave := c.graph.Waves[i]
		if ctx.Err() != nil {
			return false, true
		}

		c.bus.Emit(atom.Event{
			Type:      atom.EventWaveStarted,
			WaveIndex: wave.Index,
			Metadata:  map[string]interface{}{"atoms": len(wave.AtomIDs)},
		})
		waveStart := time.Now()

		result := c.waveExec.RunWave(ctx, wave)

		if c.metrics != nil {
			c.metrics.WaveDuration.Observe(time.Since(waveStart).Seconds())
			c.metrics.AtomsGenerated.Add(float64(result.Ran))
			c.metrics.AtomsAccepted.Add(float64(result.Accepted))
			c.metrics.ReviewQueued.Add(float64(result.Review))
			c.metrics.ReviewQueueSize.Set(float64(c.queue.Len()))
			for _, id := range wave.AtomIDs {
				for _, rec := range c.registry.Retries(id) {
					if rec.Attempt > 1 {
						c.metrics.RetriesTotal.Inc()
					}
				}
			}
		}

		c.emitAccepted(wave.AtomIDs)
		c.persistWave(wave.AtomIDs)

		c.bus.Emit(atom.Event{
			Type:      atom.EventWaveCompleted,
			WaveIndex: wave.Index,
			Metadata: map[string]interface{}{
				"accepted": result.Accepted,
				"review":   result.Review,
				"blocked":  result.Blocked,
				"aborted":  result.Aborted,
			},
		})

		if result.Aborted {
			return true, false
		}
		if result.Cancelled || ctx.Err() != nil {
			return false, true
		}

		// Progressive integration after each completed wave.
		c.progressiveValidation(ctx)
	}
	return false, false
}

// emitAccepted streams newly accepted artifacts in deterministic order and
// reports them to the pattern-feedback sink.
func (c *Controller) emitAccepted(ids []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		u, ok := c.registry.Get(id)
		if !ok || u.Status != atom.StatusAccepted || u.Code == "" {
			continue
		}
		if c.emitted[id] {
			continue
		}
		if err := c.sink.Write(emit.Artifact{AtomID: u.ID, TargetPath: u.TargetPath, Code: u.Code}); err != nil {
			logging.Get(logging.CategoryPipeline).Error("Artifact write failed for %s: %v", u.ID, err)
			continue
		}
		c.emitted[id] = true
		if c.patterns != nil {
			c.patterns.RecordOutcome(u.Language, u.NodeKind, u.Code, true)
		}
	}
}

func (c *Controller) persistWave(ids []string) {
	if c.persist == nil {
		return
	}
	for _, id := range ids {
		c.persistAtom(id)
		for _, rec := range c.registry.Retries(id) {
			if rec.Attempt > 0 {
				c.persist.UpsertRetry(rec)
			}
		}
		for i, v := range c.registry.Validations(id) {
			c.persist.UpsertValidation(v, i+1)
		}
	}
}

// persistReviewQueue mirrors pending review items into the store so the
// review CLI can list and resolve them across processes.
func (c *Controller) persistReviewQueue() {
	if c.persist == nil {
		return
	}
	for _, item := range c.queue.Pending() {
		if err := c.persist.UpsertReviewItem(item); err != nil {
			logging.Get(logging.CategoryStore).Warn("Review item persistence failed: %v", err)
		}
	}
}

func (c *Controller) persistAtom(id string) {
	if c.persist == nil {
		return
	}
	if u, ok := c.registry.Get(id); ok {
		if err := c.persist.UpsertAtom(u); err != nil {
			logging.Get(logging.CategoryStore).Warn("Atom persistence failed: %v", err)
		}
	}
}

func (c *Controller) allUnits() []*atom.AtomicUnit {
	var units []*atom.AtomicUnit
	for _, id := range c.registry.IDs() {
		if u, ok := c.registry.Get(id); ok {
			copied := u
			units = append(units, &copied)
		}
	}
	return units
}
