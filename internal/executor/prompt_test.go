package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"atomforge/internal/atom"
)

func promptFixtures() (atom.Task, *atom.AtomicUnit) {
	task := atom.Task{ID: "t1", Language: "go", Description: "ledger math"}
	unit := &atom.AtomicUnit{
		ID: "a1", TaskID: "t1", Name: "Sum", Language: "go",
		TargetPath: "pkg/ledger.go", EstimatedLOC: 5,
		Context: &atom.ContextBundle{
			Imports:        []string{"stdlib:go"},
			Types:          map[string]string{"Sum": "func"},
			Preconditions:  []string{"rows is non-nil"},
			Postconditions: []string{"Sum is defined and observable by dependent atoms"},
			TestCases:      []atom.TestCase{{Name: "sum_happy", Input: "1,2", Expected: "3"}},
		},
	}
	return task, unit
}

func TestComposeInitialPrompt_CarriesBundleAndPatterns(t *testing.T) {
	task, unit := promptFixtures()
	prompt := composeInitialPrompt(task, unit, []string{"func Example() {}"})

	assert.Contains(t, prompt, "ledger math")
	assert.Contains(t, prompt, "rows is non-nil")
	assert.Contains(t, prompt, "sum_happy")
	assert.Contains(t, prompt, "func Example() {}")
	assert.Contains(t, prompt, "pkg/ledger.go")
}

func TestComposeFeedbackPrompt_QuotesOffendingLinesOnly(t *testing.T) {
	task, unit := promptFixtures()
	priorCode := "line one\nline two\nbad line three\nline four\nline five\nline six\nline seven\nline eight"
	last := atom.ValidationResult{
		AtomID: "a1",
		Errors: []atom.ValidationError{
			{Code: "type_error", Message: "bad thing", Line: 3},
		},
	}

	prompt := composeFeedbackPrompt(task, unit, last, priorCode)

	// The canonical suffix is present verbatim.
	assert.Contains(t, prompt, "Your previous attempt failed the following checks.")
	assert.Contains(t, prompt, "type_error")

	// The offending line and its ±2 context are quoted.
	assert.Contains(t, prompt, "bad line three")
	assert.Contains(t, prompt, "line one")
	assert.Contains(t, prompt, "line five")

	// The rest of the prior code never anchors the retry.
	assert.NotContains(t, prompt, "line seven")
	assert.NotContains(t, prompt, "line eight")
}

func TestComposeFeedbackPrompt_NoSpansNoQuotes(t *testing.T) {
	task, unit := promptFixtures()
	last := atom.ValidationResult{
		Errors: []atom.ValidationError{{Code: "no_tests", Message: "missing"}},
	}
	prompt := composeFeedbackPrompt(task, unit, last, "secret prior code")
	assert.NotContains(t, prompt, "secret prior code")
	assert.False(t, strings.Contains(prompt, "Offending lines"))
}

func TestQuoteOffendingLines_RangeAndGaps(t *testing.T) {
	code := "a\nb\nc\nd\ne\nf\ng\nh\ni\nj"
	quoted := quoteOffendingLines(code, []atom.ValidationError{
		{Line: 2},
		{Line: 9},
	})
	assert.Contains(t, quoted, "   1 | a")
	assert.Contains(t, quoted, "   4 | d")
	assert.Contains(t, quoted, "  10 | j")
	assert.Contains(t, quoted, "...")
	assert.NotContains(t, quoted, "| e")
	assert.NotContains(t, quoted, "| f")
}
