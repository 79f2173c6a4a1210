package pipeline

import (
	"context"
	"sort"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/confidence"
	"atomforge/internal/logging"
	"atomforge/internal/review"
	"atomforge/internal/validate"
)

// progressiveValidation runs Level 2 for every module whose atoms are now
// all accepted, then Level 3 for every component whose modules are all
// Level-2 passed, rescoring confidence as integration verdicts land.
func (c *Controller) progressiveValidation(ctx context.Context) {
	modules := c.modulesByPath()

	for _, path := range sortedPaths(modules) {
		members := modules[path]
		if !allAccepted(members) {
			continue
		}
		if c.validator.PassedLevel(validate.LevelModule, path) >= validate.LevelModule {
			continue // already validated and not invalidated since
		}

		subject := c.moduleSubject(path, members)
		res := c.validator.ValidateModule(ctx, subject)
		c.registry.AppendValidation(res)
		c.emitLevelEvent(res)

		if res.Passed {
			c.rescoreMembers(members, confidence.IntegrationModule)
		}
	}

	components := c.componentsByName(modules)
	for _, name := range sortedPaths(components) {
		comp := components[name]
		ready := true
		for path := range comp.Modules {
			if c.validator.PassedLevel(validate.LevelModule, path) < validate.LevelModule {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if c.validator.PassedLevel(validate.LevelComponent, name) >= validate.LevelComponent {
			continue
		}

		res := c.validator.ValidateComponent(ctx, comp)
		c.registry.AppendValidation(res)
		c.emitLevelEvent(res)

		if res.Passed {
			for _, members := range comp.Modules {
				c.rescoreMembers(members, confidence.IntegrationFull)
			}
		}
	}
}

// runLevel4 runs the system level once per plan.
func (c *Controller) runLevel4(ctx context.Context) bool {
	modules := c.modulesByPath()
	components := c.componentsByName(modules)

	var names []string
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	subject := validate.SystemSubject{
		Components: names,
		Atoms:      c.allUnits(),
		Code:       c.codeByAtom(),
	}
	for _, id := range c.taskOrder {
		subject.Tasks = append(subject.Tasks, c.tasks[id])
	}

	res := c.validator.ValidateSystem(ctx, subject)
	c.registry.AppendValidation(res)
	c.emitLevelEvent(res)
	return res.Passed
}

// rescoreMembers recomputes confidence with a new integration component.
// A raised score can lift a needs-review atom back over the threshold only
// through human action, so here we only update the number.
func (c *Controller) rescoreMembers(members []*atom.AtomicUnit, integration float64) {
	for _, u := range members {
		current, ok := c.registry.Get(u.ID)
		if !ok || !current.Scored {
			continue
		}
		level1Passed := c.validator.PassedLevel(validate.LevelAtomic, u.ID) >= validate.LevelAtomic
		score := confidence.Rescore(&current, level1Passed, integration)
		c.registry.Update(u.ID, func(a *atom.AtomicUnit) { a.Confidence = score })
	}
}

// finalConfidencePass routes accepted-but-now-low-confidence atoms (a
// later Level 2/3 failure can lower i) into the review queue.
func (c *Controller) finalConfidencePass() {
	for _, id := range c.registry.IDs() {
		u, ok := c.registry.Get(id)
		if !ok || !u.Scored {
			continue
		}
		if u.Status == atom.StatusAccepted && u.Confidence < c.cfg.Review.ConfidenceThreshold {
			last, _ := c.registry.LastValidation(id, validate.LevelAtomic)
			hint := review.BuildHint(u, &last, c.registry.Retries(id))
			c.queue.Enqueue(id, u.Confidence, "low-confidence", hint)
		}
	}
	if c.metrics != nil {
		c.metrics.ReviewQueueSize.Set(float64(c.queue.Len()))
	}
}

// settleBlocked marks atoms that never became runnable: a dependency ended
// needs-review or rejected, so they end needs-review(blocked).
func (c *Controller) settleBlocked() {
	for _, id := range c.registry.IDs() {
		status, ok := c.registry.Status(id)
		if !ok || (status != atom.StatusPending && status != atom.StatusReady) {
			continue
		}
		if err := c.registry.TransitionWithReason(id, status, atom.StatusNeedsReview, "blocked"); err != nil {
			continue
		}
		u, _ := c.registry.Get(id)
		hint := "blocked: a dependency did not reach accepted"
		c.queue.Enqueue(id, 0, "blocked", hint)
		c.bus.Emit(atom.Event{
			Type:      atom.EventReviewQueued,
			AtomID:    id,
			WaveIndex: c.graph.WaveOf(id),
			Metadata:  map[string]interface{}{"reason": "blocked", "task": u.TaskID},
		})
	}
}

// settleCancelled marks every unsettled atom cancelled after a plan-level
// cancel, within the configured grace period.
func (c *Controller) settleCancelled() {
	deadline := time.Now().Add(c.cfg.CancelGrace())
	for _, id := range c.registry.IDs() {
		if time.Now().After(deadline) {
			logging.Get(logging.CategoryPipeline).Error(
				"Degraded shutdown: cancellation grace period exceeded")
			return
		}
		status, ok := c.registry.Status(id)
		if !ok || status.Terminal() || status == atom.StatusNeedsReview {
			continue
		}
		if err := c.registry.TransitionWithReason(id, status, atom.StatusNeedsReview, "cancelled"); err == nil {
			c.queue.Enqueue(id, 0, "cancelled", "plan cancelled before completion")
		}
	}
}

func (c *Controller) emitLevelEvent(res atom.ValidationResult) {
	eventType := atom.EventLevelValidationPassed
	if !res.Passed {
		eventType = atom.EventLevelValidationFailed
	}
	c.bus.Emit(atom.Event{
		Type:      eventType,
		AtomID:    res.AtomID,
		WaveIndex: -1,
		Metadata: map[string]interface{}{
			"level":       res.Level,
			"checks":      len(res.ChecksRun),
			"level_error": res.LevelError,
		},
	})
}

// modulesByPath clusters atoms by target path (the Level-2 module unit).
func (c *Controller) modulesByPath() map[string][]*atom.AtomicUnit {
	modules := make(map[string][]*atom.AtomicUnit)
	for _, u := range c.allUnits() {
		modules[u.TargetPath] = append(modules[u.TargetPath], u)
	}
	return modules
}

// componentsByName clusters modules into Level-3 component subjects.
func (c *Controller) componentsByName(modules map[string][]*atom.AtomicUnit) map[string]validate.ComponentSubject {
	components := make(map[string]validate.ComponentSubject)
	for path, members := range modules {
		if len(members) == 0 {
			continue
		}
		name := members[0].Component
		comp, ok := components[name]
		if !ok {
			comp = validate.ComponentSubject{
				Name:    name,
				Modules: make(map[string][]*atom.AtomicUnit),
				Tasks:   make(map[string]atom.Task),
			}
		}
		comp.Modules[path] = members
		for _, u := range members {
			if task, found := c.tasks[u.TaskID]; found {
				comp.Tasks[task.ID] = task
			}
		}
		components[name] = comp
	}
	return components
}

func (c *Controller) moduleSubject(path string, members []*atom.AtomicUnit) validate.ModuleSubject {
	language := ""
	internal := false
	code := make(map[string]string, len(members))
	for _, u := range members {
		if language == "" {
			language = u.Language
		}
		code[u.ID] = u.Code
		if task, ok := c.tasks[u.TaskID]; ok {
			if task.Constraints["internal"] == "true" {
				internal = true
			}
		}
	}
	return validate.ModuleSubject{
		Path:     path,
		Language: language,
		Internal: internal,
		Atoms:    members,
		Code:     code,
	}
}

func (c *Controller) codeByAtom() map[string]string {
	code := make(map[string]string)
	for _, u := range c.allUnits() {
		if u.Code != "" {
			code[u.ID] = u.Code
		}
	}
	return code
}

func allAccepted(members []*atom.AtomicUnit) bool {
	for _, u := range members {
		if u.Status != atom.StatusAccepted {
			return false
		}
	}
	return len(members) > 0
}

func sortedPaths[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
