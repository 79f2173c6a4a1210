package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomforge/internal/atom"
)

func TestQueue_LowestConfidenceFirst(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a-mid", 0.5, "low-confidence", "")
	q.Enqueue("a-high", 0.69, "low-confidence", "")
	q.Enqueue("a-low", 0.1, "exhausted", "")

	first, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a-low", first.AtomID)

	second, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a-mid", second.AtomID)

	third, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a-high", third.AtomID)

	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueue_TiesBrokenByAge(t *testing.T) {
	q := NewQueue()
	q.Enqueue("older", 0.5, "low-confidence", "")
	q.Enqueue("newer", 0.5, "low-confidence", "")

	first, _ := q.Next()
	assert.Equal(t, "older", first.AtomID)
}

func TestQueue_ReenqueueUpdatesInPlace(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a1", 0.6, "low-confidence", "old hint")
	q.Enqueue("a1", 0.2, "exhausted", "new hint")

	assert.Equal(t, 1, q.Len())
	item, ok := q.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 0.2, item.Confidence)
	assert.Equal(t, "new hint", item.Hint)
}

func TestQueue_ResolveLifecycle(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a1", 0.3, "exhausted", "")

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, ItemInReview, item.Status)

	require.NoError(t, q.Resolve("a1", ItemApproved, "ship it"))
	got, _ := q.Get("a1")
	assert.Equal(t, ItemApproved, got.Status)
	assert.Equal(t, "ship it", got.Decision)

	assert.Error(t, q.Resolve("missing", ItemApproved, ""))
	assert.Error(t, q.Resolve("a1", ItemStatus("bogus"), ""))
}

func TestQueue_PendingSnapshot(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a1", 0.9, "low-confidence", "")
	q.Enqueue("a2", 0.1, "exhausted", "")
	q.Enqueue("a3", 0.4, "low-confidence", "")

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "a2", pending[0].AtomID)
	assert.Equal(t, "a3", pending[1].AtomID)
	assert.Equal(t, "a1", pending[2].AtomID)
}

func TestBuildHint_ContainsSummaryFixesAndDiff(t *testing.T) {
	unit := atom.AtomicUnit{
		ID:   "a1",
		Code: "func Add(a int, b int) int {\n\treturn a + b\n}",
	}
	last := &atom.ValidationResult{
		AtomID: "a1",
		Level:  1,
		Errors: []atom.ValidationError{
			{Code: "undefined_symbol", Message: "symbol \"Tally\" is not resolvable", Line: 2},
			{Code: "test_failed", Message: "postcondition not met"},
		},
	}
	retries := []atom.RetryRecord{
		{AtomID: "a1", Attempt: 1, Code: "func Add(a int, b int) int {\n\treturn a - b\n}"},
	}

	hint := BuildHint(unit, last, retries)
	assert.Contains(t, hint, "undefined_symbol")
	assert.Contains(t, hint, "Candidate fixes:")
	assert.Contains(t, hint, "line 2")
	assert.Contains(t, hint, "Diff vs best prior attempt:")
	assert.Contains(t, hint, "- \treturn a - b")
	assert.Contains(t, hint, "+ \treturn a + b")
}

func TestBuildHint_NoFailureRecorded(t *testing.T) {
	hint := BuildHint(atom.AtomicUnit{ID: "a1"}, nil, nil)
	assert.Contains(t, hint, "no structured failure recorded")
}
