// Package confidence computes the per-atom confidence score that routes
// work to human review.
package confidence

import (
	"atomforge/internal/atom"
	"atomforge/internal/logging"
)

// Weights of the four score components.
const (
	weightValidation  = 0.4
	weightAttempts    = 0.3
	weightComplexity  = 0.2
	weightIntegration = 0.1
)

// Integration levels for the i component.
const (
	IntegrationNone   = 0.0 // no higher-level validation yet
	IntegrationModule = 0.5 // Level 2 passed
	IntegrationFull   = 1.0 // Level 3 passed
)

// Inputs are the observations the score is computed from.
type Inputs struct {
	Level1Passed bool    // v: Level 1 passed on the final attempt
	Attempts     int     // 1..3
	Complexity   float64 // cyclomatic complexity of the atom
	Integration  float64 // one of the Integration* constants
}

// Score computes confidence = 0.4·v + 0.3·a + 0.2·c + 0.1·i, clamped
// to [0, 1].
func Score(in Inputs) float64 {
	v := 0.0
	if in.Level1Passed {
		v = 1.0
	}

	var a float64
	switch {
	case in.Attempts <= 1:
		a = 1.0
	case in.Attempts == 2:
		a = 0.67
	default:
		a = 0.33
	}

	c := 1 - in.Complexity/3
	if c < 0 {
		c = 0
	}

	score := weightValidation*v + weightAttempts*a + weightComplexity*c + weightIntegration*in.Integration
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Rescore recomputes an atom's confidence after a higher-level validation
// verdict changes its integration component.
func Rescore(unit *atom.AtomicUnit, level1Passed bool, integration float64) float64 {
	score := Score(Inputs{
		Level1Passed: level1Passed,
		Attempts:     unit.Attempts,
		Complexity:   unit.Complexity,
		Integration:  integration,
	})
	logging.Get(logging.CategoryPipeline).Debug(
		"Confidence for %s: %.3f (attempts=%d complexity=%.1f i=%.1f)",
		unit.ID, score, unit.Attempts, unit.Complexity, integration)
	return score
}
