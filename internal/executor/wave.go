package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/confidence"
	"atomforge/internal/graph"
	"atomforge/internal/logging"
	"atomforge/internal/review"
)

// WaveResult summarizes one wave's execution.
type WaveResult struct {
	Index     int
	Ran       int
	Accepted  int
	Review    int
	Blocked   int
	Aborted   bool
	Cancelled bool
}

// WaveExecutor schedules atoms within a wave concurrently under the
// configured bound, with strict happens-before between waves. All status
// mutation goes through the registry's CAS transitions.
type WaveExecutor struct {
	cfg      *config.Config
	registry *atom.Registry
	graph    *graph.Graph
	retry    *RetryOrchestrator
	queue    *review.Queue
	tasks    map[string]atom.Task
	emit     atom.EmitFunc
}

// NewWaveExecutor creates the executor.
func NewWaveExecutor(cfg *config.Config, registry *atom.Registry, g *graph.Graph,
	retry *RetryOrchestrator, queue *review.Queue, tasks map[string]atom.Task, emit atom.EmitFunc) *WaveExecutor {
	if emit == nil {
		emit = atom.NopEmit
	}
	return &WaveExecutor{
		cfg:      cfg,
		registry: registry,
		graph:    g,
		retry:    retry,
		queue:    queue,
		tasks:    tasks,
		emit:     emit,
	}
}

// RunWave executes one wave to completion: every member reaches a settled
// state (accepted, needs-review or still pending when blocked) before the
// method returns. A failure ratio at or above the abort threshold cancels the
// wave's in-flight atoms and marks the result aborted.
func (w *WaveExecutor) RunWave(ctx context.Context, wave atom.Wave) WaveResult {
	timer := logging.StartTimer(logging.CategoryExecutor, "RunWave")
	defer timer.Stop()

	result := WaveResult{Index: wave.Index}
	waveSize := len(wave.AtomIDs)
	if waveSize == 0 {
		return result
	}

	waveCtx, cancelWave := context.WithTimeout(ctx, w.cfg.WaveTimeout(waveSize))
	defer cancelWave()

	// Runnable members: dependencies all accepted. Atoms with a blocked or
	// reviewed dependency stay pending — no speculative execution.
	var runnable []string
	for _, id := range wave.AtomIDs {
		unit, ok := w.registry.Get(id)
		if !ok {
			continue
		}
		switch unit.Status {
		case atom.StatusNeedsReview, atom.StatusAccepted, atom.StatusRejected:
			continue // settled before the wave (dynamic-source, human action)
		}
		if w.dependenciesAccepted(id) {
			if err := w.transition(id, atom.StatusPending, atom.StatusReady, wave.Index); err == nil {
				runnable = append(runnable, id)
			}
		} else {
			result.Blocked++
			logging.ExecutorDebug("Atom %s blocked: dependency not accepted", id)
		}
	}

	var mu sync.Mutex
	failures := 0
	abortRatio := w.cfg.Execution.WaveFailureAbortRatio
	noteFailure := func() {
		mu.Lock()
		failures++
		aborting := abortRatio > 0 && float64(failures)/float64(waveSize) >= abortRatio
		mu.Unlock()
		if aborting {
			mu.Lock()
			if !result.Aborted {
				result.Aborted = true
				logging.Get(logging.CategoryExecutor).Error(
					"Wave %d failure ratio reached %.0f%%, cancelling in-flight atoms",
					wave.Index, abortRatio*100)
			}
			mu.Unlock()
			cancelWave()
		}
	}

	sem := semaphore.NewWeighted(int64(w.cfg.Execution.MaxConcurrencyPerWave))
	g, groupCtx := errgroup.WithContext(waveCtx)

	for _, id := range runnable {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				w.markCancelled(id, wave.Index)
				return nil
			}
			defer sem.Release(1)

			// Refuse new in-flight transitions once cancelled.
			if groupCtx.Err() != nil {
				w.markCancelled(id, wave.Index)
				return nil
			}
			if err := w.transition(id, atom.StatusReady, atom.StatusInFlight, wave.Index); err != nil {
				return nil
			}

			w.runAtom(groupCtx, id, wave.Index, &result, &mu, noteFailure)
			return nil
		})
	}
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	result.Ran = len(runnable)
	result.Cancelled = ctx.Err() != nil
	return result
}

// runAtom drives one atom through the retry loop and settles its status.
func (w *WaveExecutor) runAtom(ctx context.Context, id string, waveIndex int,
	result *WaveResult, mu *sync.Mutex, noteFailure func()) {

	unit, ok := w.registry.Get(id)
	if !ok {
		return
	}
	task := w.tasks[unit.TaskID]

	outcome := w.retry.RunAtom(ctx, task, &unit, waveIndex, "")

	switch {
	case outcome.Cancelled:
		w.settleReview(id, waveIndex, "cancelled", outcome)
		noteFailure()

	case outcome.LevelError:
		// Validator malfunction: escalate to review, never blame the code.
		w.settleReview(id, waveIndex, "level-error", outcome)
		noteFailure()

	case outcome.Success:
		if err := w.transition(id, atom.StatusInFlight, atom.StatusValidated, waveIndex); err != nil {
			return
		}
		// Re-read: the retry loop updated attempts and code.
		unit, _ = w.registry.Get(id)
		score := confidence.Rescore(&unit, true, confidence.IntegrationNone)
		w.registry.Update(id, func(a *atom.AtomicUnit) {
			a.Confidence = score
			a.Scored = true
		})
		if score >= w.cfg.Review.ConfidenceThreshold {
			if err := w.transition(id, atom.StatusValidated, atom.StatusAccepted, waveIndex); err == nil {
				mu.Lock()
				result.Accepted++
				mu.Unlock()
			}
		} else {
			w.queueForReview(id, waveIndex, "low-confidence", score, outcome)
			if err := w.registry.TransitionWithReason(id, atom.StatusValidated, atom.StatusNeedsReview, "low-confidence"); err == nil {
				w.emitStateChange(id, waveIndex, atom.StatusValidated, atom.StatusNeedsReview)
				mu.Lock()
				result.Review++
				mu.Unlock()
			}
		}

	case outcome.Exhausted:
		w.settleReview(id, waveIndex, "exhausted", outcome)
		mu.Lock()
		result.Review++
		mu.Unlock()
		noteFailure()
	}
}

// settleReview routes an atom to needs-review from whatever in-flight
// state it is in, recording the reason.
func (w *WaveExecutor) settleReview(id string, waveIndex int, reason string, outcome Outcome) {
	unit, ok := w.registry.Get(id)
	if !ok {
		return
	}
	from := unit.Status
	if from == atom.StatusNeedsReview {
		return
	}
	if err := w.registry.TransitionWithReason(id, from, atom.StatusNeedsReview, reason); err != nil {
		logging.Get(logging.CategoryExecutor).Error("Failed to settle %s: %v", id, err)
		return
	}
	w.emitStateChange(id, waveIndex, from, atom.StatusNeedsReview)
	score := 0.0
	if outcome.Attempts > 0 {
		w.registry.Update(id, func(a *atom.AtomicUnit) {
			a.Confidence = score
			a.Scored = true
		})
	}
	w.queueForReview(id, waveIndex, reason, score, outcome)
}

func (w *WaveExecutor) queueForReview(id string, waveIndex int, reason string, score float64, outcome Outcome) {
	unit, ok := w.registry.Get(id)
	if !ok {
		return
	}
	var last *atom.ValidationResult
	if outcome.Last.AtomID != "" {
		last = &outcome.Last
	}
	hint := review.BuildHint(unit, last, w.registry.Retries(id))
	w.queue.Enqueue(id, score, reason, hint)
	w.emit(atom.Event{
		Type:      atom.EventReviewQueued,
		AtomID:    id,
		WaveIndex: waveIndex,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"reason": reason, "confidence": score},
	})
}

// markCancelled settles an atom that never ran because the wave was
// cancelled.
func (w *WaveExecutor) markCancelled(id string, waveIndex int) {
	unit, ok := w.registry.Get(id)
	if !ok || unit.Status.Terminal() || unit.Status == atom.StatusNeedsReview {
		return
	}
	if err := w.registry.TransitionWithReason(id, unit.Status, atom.StatusNeedsReview, "cancelled"); err == nil {
		w.emitStateChange(id, waveIndex, unit.Status, atom.StatusNeedsReview)
	}
}

// dependenciesAccepted reports whether all graph predecessors are accepted.
func (w *WaveExecutor) dependenciesAccepted(id string) bool {
	for _, dep := range w.graph.Dependencies(id) {
		status, ok := w.registry.Status(dep)
		if !ok || status != atom.StatusAccepted {
			return false
		}
	}
	return true
}

// transition performs a CAS status change and emits the state event.
func (w *WaveExecutor) transition(id string, from, to atom.Status, waveIndex int) error {
	if err := w.registry.Transition(id, from, to); err != nil {
		return err
	}
	w.emitStateChange(id, waveIndex, from, to)
	return nil
}

func (w *WaveExecutor) emitStateChange(id string, waveIndex int, from, to atom.Status) {
	w.emit(atom.Event{
		Type:      atom.EventAtomStateChange,
		AtomID:    id,
		WaveIndex: waveIndex,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"from": string(from), "to": string(to)},
	})
}
