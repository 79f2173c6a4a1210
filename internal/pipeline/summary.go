package pipeline

import (
	"fmt"
	"strings"
	"time"

	"atomforge/internal/atom"
	"atomforge/internal/validate"
)

// summarize builds the final plan summary: counts, attempt histogram and a
// per-atom account of everything that needs review.
func (c *Controller) summarize(start time.Time, status PlanStatus, level4Passed bool) *Summary {
	s := &Summary{
		Status:            status,
		Level4Passed:      level4Passed,
		Duration:          time.Since(start),
		AttemptsHistogram: c.registry.AttemptsHistogram(),
	}
	if c.graph != nil {
		s.Waves = len(c.graph.Waves)
		s.BrokenEdges = len(c.graph.Broken)
		s.Degraded = c.graph.Degraded
	}

	for _, id := range c.registry.IDs() {
		u, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		s.TotalAtoms++
		switch u.Status {
		case atom.StatusAccepted:
			s.Accepted++
		case atom.StatusRejected:
			s.Rejected++
		case atom.StatusNeedsReview:
			s.NeedsReview++
			entry := ReviewEntry{
				AtomID:     u.ID,
				Reason:     u.Reason,
				Attempts:   u.Attempts,
				Confidence: u.Confidence,
			}
			if last, found := c.registry.LastValidation(id, validate.LevelAtomic); found {
				entry.LastResult = &last
			}
			s.ReviewEntries = append(s.ReviewEntries, entry)
		}
	}
	return s
}

// Render formats the summary for terminal output.
func (s *Summary) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan %s in %v\n", s.Status, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "  atoms: %d total, %d accepted, %d needs-review, %d rejected\n",
		s.TotalAtoms, s.Accepted, s.NeedsReview, s.Rejected)
	fmt.Fprintf(&sb, "  waves: %d, broken edges: %d, degraded: %v\n", s.Waves, s.BrokenEdges, s.Degraded)
	fmt.Fprintf(&sb, "  level 4 passed: %v\n", s.Level4Passed)

	if len(s.AttemptsHistogram) > 0 {
		sb.WriteString("  attempts histogram:")
		for attempts := 1; attempts <= 9; attempts++ {
			if n, ok := s.AttemptsHistogram[attempts]; ok {
				fmt.Fprintf(&sb, " %d:%d", attempts, n)
			}
		}
		sb.WriteString("\n")
	}

	for _, entry := range s.ReviewEntries {
		fmt.Fprintf(&sb, "  review %s: reason=%s attempts=%d confidence=%.2f\n",
			entry.AtomID, entry.Reason, entry.Attempts, entry.Confidence)
		if entry.LastResult != nil {
			for _, e := range entry.LastResult.Errors {
				fmt.Fprintf(&sb, "    [%s] %s\n", e.Code, e.Message)
			}
		}
	}
	return sb.String()
}
