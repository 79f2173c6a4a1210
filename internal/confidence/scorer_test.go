package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_FirstAttemptCleanPass(t *testing.T) {
	score := Score(Inputs{
		Level1Passed: true,
		Attempts:     1,
		Complexity:   0,
		Integration:  IntegrationNone,
	})
	// 0.4 + 0.3 + 0.2 + 0
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestScore_ThirdAttemptMidComplexity(t *testing.T) {
	// The retry-success scenario: pass on attempt 3, complexity 1.5, no
	// higher-level validation yet.
	score := Score(Inputs{
		Level1Passed: true,
		Attempts:     3,
		Complexity:   1.5,
		Integration:  IntegrationNone,
	})
	// 0.4·1 + 0.3·0.33 + 0.2·0.5 + 0.1·0 = 0.599
	assert.InDelta(t, 0.599, score, 1e-9)
	assert.Less(t, score, 0.7, "must route to review at the default threshold")
}

func TestScore_AttemptTable(t *testing.T) {
	base := Inputs{Level1Passed: true, Complexity: 3}
	for attempts, want := range map[int]float64{1: 0.70, 2: 0.601, 3: 0.499} {
		in := base
		in.Attempts = attempts
		assert.InDelta(t, want, Score(in), 1e-9, "attempts=%d", attempts)
	}
}

func TestScore_IntegrationComponent(t *testing.T) {
	in := Inputs{Level1Passed: true, Attempts: 1, Complexity: 0}
	none := Score(in)
	in.Integration = IntegrationModule
	module := Score(in)
	in.Integration = IntegrationFull
	full := Score(in)

	assert.InDelta(t, 0.05, module-none, 1e-9)
	assert.InDelta(t, 0.10, full-none, 1e-9)
}

func TestScore_AlwaysInUnitInterval(t *testing.T) {
	cases := []Inputs{
		{},
		{Level1Passed: true, Attempts: 1, Complexity: -5, Integration: 1},
		{Level1Passed: false, Attempts: 3, Complexity: 100},
		{Level1Passed: true, Attempts: 99, Complexity: 0.1, Integration: 0.5},
	}
	for i, in := range cases {
		score := Score(in)
		assert.GreaterOrEqual(t, score, 0.0, "case %d", i)
		assert.LessOrEqual(t, score, 1.0, "case %d", i)
	}
}

func TestScore_ComplexityFloorsAtZero(t *testing.T) {
	// Complexity beyond the cap cannot push the score negative.
	low := Score(Inputs{Level1Passed: false, Attempts: 3, Complexity: 30})
	assert.InDelta(t, 0.3*0.33, low, 1e-9)
}
