package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/logging"
	"atomforge/internal/oracle"
	"atomforge/internal/validate"
)

// RetrieveFunc supplies advisory pattern snippets for prompt composition.
type RetrieveFunc func(query string, k int) []string

// Outcome summarizes one atom's pass through the retry loop.
type Outcome struct {
	AtomID     string
	Success    bool
	Exhausted  bool
	LevelError bool
	Cancelled  bool
	Attempts   int
	Code       string
	Last       atom.ValidationResult
}

// RetryOrchestrator drives per-atom attempts: prompt composition, the
// descending temperature schedule, Level 1 validation and error-conditioned
// feedback. At most cfg.Execution.MaxAttemptsPerAtom oracle calls per sequence.
type RetryOrchestrator struct {
	cfg        *config.Config
	client     *oracle.Client
	validator  *validate.Hierarchical
	registry   *atom.Registry
	retrieve   RetrieveFunc
	declaredBy map[string]string
	emit       atom.EmitFunc
}

// NewRetryOrchestrator creates the orchestrator. declaredBy maps symbols
// to owning atom ids for the atomicity checks.
func NewRetryOrchestrator(cfg *config.Config, client *oracle.Client, validator *validate.Hierarchical,
	registry *atom.Registry, retrieve RetrieveFunc, declaredBy map[string]string, emit atom.EmitFunc) *RetryOrchestrator {
	if emit == nil {
		emit = atom.NopEmit
	}
	return &RetryOrchestrator{
		cfg:        cfg,
		client:     client,
		validator:  validator,
		registry:   registry,
		retrieve:   retrieve,
		declaredBy: declaredBy,
		emit:       emit,
	}
}

// RunAtom executes the retry loop for one atom. Attempts are strictly
// sequential: attempt n+1 begins only after attempt n's Level 1 result is
// recorded. extraHint, when non-empty, is prepended to the first prompt
// (human regenerate hint).
func (r *RetryOrchestrator) RunAtom(ctx context.Context, task atom.Task, unit *atom.AtomicUnit, waveIndex int, extraHint string) Outcome {
	outcome := Outcome{AtomID: unit.ID}
	if !unit.Reducible {
		logging.Get(logging.CategoryExecutor).Warn("Atom %s is irreducible (loc=%d, cap %d)",
			unit.ID, unit.EstimatedLOC, r.cfg.Atomize.IrreducibleLOCCap)
	}

	var patterns []string
	if r.retrieve != nil {
		patterns = r.retrieve(unit.Language+" "+unit.Name+" "+task.Description, 3)
	}

	var priorCode string
	var lastResult atom.ValidationResult
	haveFailure := false

	maxAttempts := r.cfg.Execution.MaxAttemptsPerAtom
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			outcome.Cancelled = true
			return outcome
		}

		// Retries re-enter flight from the failed state.
		if attempt > 1 {
			r.markStatus(unit.ID, atom.StatusFailed, atom.StatusInFlight, waveIndex)
		}

		var prompt string
		if haveFailure {
			prompt = composeFeedbackPrompt(task, unit, lastResult, priorCode)
		} else {
			prompt = composeInitialPrompt(task, unit, patterns)
			if extraHint != "" {
				prompt = "Reviewer guidance: " + extraHint + "\n\n" + prompt
			}
		}
		temperature := r.cfg.Temperature(attempt)

		if attempt > 1 {
			r.emit(atom.Event{
				Type:      atom.EventRetryStarted,
				AtomID:    unit.ID,
				WaveIndex: waveIndex,
				Timestamp: time.Now(),
				Metadata:  map[string]interface{}{"attempt": attempt, "temperature": temperature},
			})
		}
		logging.ExecutorDebug("Atom %s attempt %d/%d (T=%.1f)", unit.ID, attempt, maxAttempts, temperature)

		code, genErr := r.client.Generate(ctx, oracle.Request{
			System:      "You are a code generator producing one small, complete unit per request.",
			Prompt:      prompt,
			Temperature: temperature,
		})

		outcome.Attempts = attempt
		r.registry.Update(unit.ID, func(a *atom.AtomicUnit) { a.Attempts = attempt })

		record := atom.RetryRecord{
			AtomID:      unit.ID,
			Attempt:     attempt,
			Prompt:      prompt,
			Temperature: temperature,
			At:          time.Now(),
		}

		if genErr != nil {
			if ctx.Err() != nil {
				outcome.Cancelled = true
				record.FailureSummary = "cancelled: " + ctx.Err().Error()
				r.appendRecord(record)
				return outcome
			}
			// Semantic failures and post-retry transport exhaustion both
			// count as a failed attempt; the client has already absorbed
			// retryable transport noise.
			var oerr *oracle.Error
			if errors.As(genErr, &oerr) && oerr.Kind == oracle.KindInvalidRequest {
				record.FailureSummary = genErr.Error()
				r.appendRecord(record)
				outcome.LevelError = true
				outcome.Last = lastResult
				return outcome
			}
			record.FailureSummary = genErr.Error()
			r.appendRecord(record)
			r.markStatus(unit.ID, atom.StatusInFlight, atom.StatusFailed, waveIndex)
			haveFailure = true
			lastResult = atom.ValidationResult{
				AtomID: unit.ID,
				Level:  validate.LevelAtomic,
				Errors: []atom.ValidationError{{Code: "oracle_error", Message: genErr.Error()}},
			}
			continue
		}

		record.Code = code
		res := r.validator.SafeValidateAtom(ctx, unit, code, r.declaredBy)
		r.registry.AppendValidation(res)

		if res.LevelError {
			record.FailureSummary = "validator malfunction"
			r.appendRecord(record)
			outcome.LevelError = true
			outcome.Last = res
			outcome.Code = code
			return outcome
		}

		if res.Passed {
			record.Success = true
			r.appendRecord(record)
			outcome.Success = true
			outcome.Code = code
			outcome.Last = res
			r.registry.Update(unit.ID, func(a *atom.AtomicUnit) { a.Code = code })
			logging.ExecutorDebug("Atom %s passed level 1 on attempt %d", unit.ID, attempt)
			return outcome
		}

		record.FailureSummary = summarize(res)
		r.appendRecord(record)
		r.markStatus(unit.ID, atom.StatusInFlight, atom.StatusFailed, waveIndex)
		priorCode = code
		lastResult = res
		haveFailure = true
	}

	outcome.Exhausted = true
	outcome.Last = lastResult
	outcome.Code = priorCode
	r.emit(atom.Event{
		Type:      atom.EventRetryExhausted,
		AtomID:    unit.ID,
		WaveIndex: waveIndex,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"attempts": maxAttempts},
	})
	logging.Get(logging.CategoryExecutor).Warn("Atom %s exhausted %d attempts", unit.ID, maxAttempts)
	return outcome
}

// markStatus performs the failed/in-flight CAS transition around a retry
// attempt and emits the state event. A stale CAS here means a concurrent
// settle already moved the atom on; that wins.
func (r *RetryOrchestrator) markStatus(id string, from, to atom.Status, waveIndex int) {
	if err := r.registry.Transition(id, from, to); err != nil {
		logging.ExecutorDebug("Retry status change %s -> %s skipped for %s: %v", from, to, id, err)
		return
	}
	r.emit(atom.Event{
		Type:      atom.EventAtomStateChange,
		AtomID:    id,
		WaveIndex: waveIndex,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"from": string(from), "to": string(to)},
	})
}

func (r *RetryOrchestrator) appendRecord(record atom.RetryRecord) {
	if err := r.registry.AppendRetry(record); err != nil {
		logging.Get(logging.CategoryExecutor).Error("Retry record rejected: %v", err)
	}
}

func summarize(res atom.ValidationResult) string {
	if len(res.Errors) == 0 {
		return "validation failed"
	}
	first := res.Errors[0]
	if len(res.Errors) == 1 {
		return first.Code + ": " + first.Message
	}
	return first.Code + " (+" + strconv.Itoa(len(res.Errors)-1) + " more)"
}
