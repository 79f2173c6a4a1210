package pipeline

import (
	"context"
	"fmt"

	"atomforge/internal/atom"
	"atomforge/internal/confidence"
	"atomforge/internal/executor"
	"atomforge/internal/logging"
	"atomforge/internal/review"
)

// Approve accepts a reviewed atom as-is: its code is whatever attempt the
// human approved (the atom's current code, or the latest recorded attempt
// that produced code when the atom never passed Level 1).
func (c *Controller) Approve(atomID string) error {
	u, ok := c.registry.Get(atomID)
	if !ok {
		return fmt.Errorf("unknown atom %s", atomID)
	}
	if u.Status != atom.StatusNeedsReview {
		return fmt.Errorf("atom %s is %s, not needs-review", atomID, u.Status)
	}

	code := u.Code
	if code == "" {
		for _, rec := range c.registry.Retries(atomID) {
			if rec.Code != "" {
				code = rec.Code
			}
		}
	}
	if code == "" {
		return fmt.Errorf("atom %s has no attempt to approve", atomID)
	}

	if err := c.registry.TransitionWithReason(atomID, atom.StatusNeedsReview, atom.StatusAccepted, "human-approved"); err != nil {
		return err
	}
	c.registry.Update(atomID, func(a *atom.AtomicUnit) { a.Code = code })
	c.queue.Resolve(atomID, review.ItemApproved, "approved latest attempt")
	c.emitAccepted([]string{atomID})
	c.persistAtom(atomID)
	logging.Get(logging.CategoryReview).Info("Atom %s approved by human", atomID)
	return nil
}

// Edit replaces the atom's code with human-supplied code. Level 1 re-runs
// on it; only a pass accepts the atom.
func (c *Controller) Edit(ctx context.Context, atomID, code string) (atom.ValidationResult, error) {
	u, ok := c.registry.Get(atomID)
	if !ok {
		return atom.ValidationResult{}, fmt.Errorf("unknown atom %s", atomID)
	}
	if u.Status != atom.StatusNeedsReview {
		return atom.ValidationResult{}, fmt.Errorf("atom %s is %s, not needs-review", atomID, u.Status)
	}

	res := c.validator.SafeValidateAtom(ctx, &u, code, c.declaredBy)
	c.registry.AppendValidation(res)
	if !res.Passed {
		logging.Get(logging.CategoryReview).Info("Human edit for %s failed level 1", atomID)
		return res, nil
	}

	if err := c.registry.TransitionWithReason(atomID, atom.StatusNeedsReview, atom.StatusAccepted, "human-edited"); err != nil {
		return res, err
	}
	c.registry.Update(atomID, func(a *atom.AtomicUnit) {
		a.Code = code
		a.Confidence = 1
		a.Scored = true
	})
	c.queue.Resolve(atomID, review.ItemApproved, "accepted human edit")
	c.emitAccepted([]string{atomID})
	c.persistAtom(atomID)
	return res, nil
}

// Regenerate resets the atom's attempt budget (logged) and re-enters the
// retry loop with the human hint prepended to the prompt.
func (c *Controller) Regenerate(ctx context.Context, atomID, hint string) error {
	u, ok := c.registry.Get(atomID)
	if !ok {
		return fmt.Errorf("unknown atom %s", atomID)
	}
	if u.Status != atom.StatusNeedsReview {
		return fmt.Errorf("atom %s is %s, not needs-review", atomID, u.Status)
	}

	c.registry.ResetRetrySequence(atomID, "human regenerate")
	c.registry.Update(atomID, func(a *atom.AtomicUnit) {
		a.Attempts = 0
		a.Reason = ""
	})
	if err := c.registry.Transition(atomID, atom.StatusNeedsReview, atom.StatusInFlight); err != nil {
		return err
	}
	c.queue.Resolve(atomID, review.ItemRegenerated, "regenerating with hint")

	task := c.tasks[u.TaskID]
	outcome := c.retryOrch.RunAtom(ctx, task, &u, c.graph.WaveOf(atomID), hint)
	c.settleOutcome(atomID, outcome)
	return nil
}

// Reject terminates the atom; its dependants are treated as blocked.
func (c *Controller) Reject(atomID string) error {
	u, ok := c.registry.Get(atomID)
	if !ok {
		return fmt.Errorf("unknown atom %s", atomID)
	}
	if u.Status != atom.StatusNeedsReview {
		return fmt.Errorf("atom %s is %s, not needs-review", atomID, u.Status)
	}
	if err := c.registry.TransitionWithReason(atomID, atom.StatusNeedsReview, atom.StatusRejected, "human-rejected"); err != nil {
		return err
	}
	c.queue.Resolve(atomID, review.ItemRejected, "rejected")
	c.persistAtom(atomID)

	for _, dep := range c.graph.TransitiveDependents(atomID) {
		status, ok := c.registry.Status(dep)
		if !ok {
			continue
		}
		if status == atom.StatusPending || status == atom.StatusReady {
			c.registry.TransitionWithReason(dep, status, atom.StatusNeedsReview, "blocked")
			c.queue.Enqueue(dep, 0, "blocked", "upstream atom "+atomID+" was rejected")
		}
	}
	return nil
}

// Resume continues a plan after human decisions: every blocked atom whose
// dependencies are now all accepted re-enters execution in wave order.
func (c *Controller) Resume(ctx context.Context) error {
	if c.graph == nil {
		return fmt.Errorf("no plan to resume")
	}

	progressed := true
	for progressed {
		progressed = false
		for _, id := range c.graph.TopoOrder {
			u, ok := c.registry.Get(id)
			if !ok || u.Status != atom.StatusNeedsReview || u.Reason != "blocked" {
				continue
			}
			if !c.dependenciesAccepted(id) {
				continue
			}
			if err := c.registry.Transition(id, atom.StatusNeedsReview, atom.StatusInFlight); err != nil {
				continue
			}
			task := c.tasks[u.TaskID]
			outcome := c.retryOrch.RunAtom(ctx, task, &u, c.graph.WaveOf(id), "")
			c.settleOutcome(id, outcome)
			progressed = true
		}
	}

	c.progressiveValidation(ctx)
	return nil
}

// settleOutcome applies a retry-loop outcome to an atom that entered the
// loop outside normal wave execution (regenerate, resume). The retry loop
// leaves the atom at in-flight after a success and at failed after an
// exhausted final attempt, so transitions start from the current status.
func (c *Controller) settleOutcome(atomID string, outcome executor.Outcome) {
	u, ok := c.registry.Get(atomID)
	if !ok {
		return
	}
	switch {
	case outcome.Success:
		if err := c.registry.Transition(atomID, atom.StatusInFlight, atom.StatusValidated); err != nil {
			return
		}
		u, _ = c.registry.Get(atomID)
		score := confidence.Rescore(&u, true, confidence.IntegrationNone)
		c.registry.Update(atomID, func(a *atom.AtomicUnit) {
			a.Confidence = score
			a.Scored = true
		})
		if score >= c.cfg.Review.ConfidenceThreshold {
			if c.registry.Transition(atomID, atom.StatusValidated, atom.StatusAccepted) == nil {
				c.emitAccepted([]string{atomID})
			}
		} else {
			c.registry.TransitionWithReason(atomID, atom.StatusValidated, atom.StatusNeedsReview, "low-confidence")
			last := outcome.Last
			c.queue.Enqueue(atomID, score, "low-confidence",
				review.BuildHint(u, &last, c.registry.Retries(atomID)))
		}
	case outcome.Cancelled:
		c.settleToReview(atomID, "cancelled")
	case outcome.LevelError:
		c.settleToReview(atomID, "level-error")
		c.queue.Enqueue(atomID, 0, "level-error", "validator malfunction during regeneration")
	default:
		c.settleToReview(atomID, "exhausted")
		last := outcome.Last
		c.queue.Enqueue(atomID, 0, "exhausted",
			review.BuildHint(u, &last, c.registry.Retries(atomID)))
	}
	c.persistAtom(atomID)
}

// settleToReview moves an atom to needs-review from whatever state the
// retry loop left it in.
func (c *Controller) settleToReview(atomID, reason string) {
	status, ok := c.registry.Status(atomID)
	if !ok || status == atom.StatusNeedsReview || status.Terminal() {
		return
	}
	if err := c.registry.TransitionWithReason(atomID, status, atom.StatusNeedsReview, reason); err != nil {
		logging.Get(logging.CategoryPipeline).Error("Failed to settle %s: %v", atomID, err)
	}
}

func (c *Controller) dependenciesAccepted(id string) bool {
	for _, dep := range c.graph.Dependencies(id) {
		status, ok := c.registry.Status(dep)
		if !ok || status != atom.StatusAccepted {
			return false
		}
	}
	return true
}
