package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomforge/internal/atom"
	"atomforge/internal/review"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAtom_Idempotent(t *testing.T) {
	s := testStore(t)

	u := atom.AtomicUnit{
		ID: "a1", TaskID: "t1", Name: "Add", Language: "go",
		TargetPath: "pkg/math.go", Status: atom.StatusPending,
	}
	require.NoError(t, s.UpsertAtom(u))

	u.Status = atom.StatusAccepted
	u.Code = "func Add(a int, b int) int { return a + b }"
	u.Attempts = 2
	require.NoError(t, s.UpsertAtom(u))
	require.NoError(t, s.UpsertAtom(u)) // same key, same payload: no-op

	code, err := s.AtomCode("a1")
	require.NoError(t, err)
	assert.Contains(t, code, "return a + b")
}

func TestUpsertRetry_KeyedByAtomAndAttempt(t *testing.T) {
	s := testStore(t)

	rec := atom.RetryRecord{AtomID: "a1", Attempt: 1, Temperature: 0.7, FailureSummary: "syntax"}
	require.NoError(t, s.UpsertRetry(rec))

	rec.FailureSummary = "rewritten"
	require.NoError(t, s.UpsertRetry(rec), "same (atom, attempt) upserts in place")

	rec2 := atom.RetryRecord{AtomID: "a1", Attempt: 2, Temperature: 0.5, Success: true}
	require.NoError(t, s.UpsertRetry(rec2))
}

func TestUpsertValidation_KeyedByLevelAndAttempt(t *testing.T) {
	s := testStore(t)

	v := atom.ValidationResult{AtomID: "a1", Level: 1, Passed: false}
	require.NoError(t, s.UpsertValidation(v, 1))
	v.Passed = true
	require.NoError(t, s.UpsertValidation(v, 1))
	require.NoError(t, s.UpsertValidation(v, 2))
}

func TestReviewItems_RoundTrip(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.UpsertReviewItem(review.Item{
		AtomID: "a1", Confidence: 0.55, Reason: "low-confidence",
		Hint: "check imports", Status: review.ItemPending,
	}))
	require.NoError(t, s.UpsertReviewItem(review.Item{
		AtomID: "a2", Confidence: 0.15, Reason: "exhausted",
		Hint: "rewrite", Status: review.ItemPending,
	}))
	require.NoError(t, s.UpsertReviewItem(review.Item{
		AtomID: "a3", Confidence: 0.0, Reason: "exhausted",
		Hint: "", Status: review.ItemApproved,
	}))

	items, err := s.PendingReviewItems()
	require.NoError(t, err)
	require.Len(t, items, 2, "resolved items are excluded")
	assert.Equal(t, "a2", items[0].AtomID, "lowest confidence first")
	assert.Equal(t, "a1", items[1].AtomID)
}

func TestAtomCode_UnknownAtom(t *testing.T) {
	s := testStore(t)
	_, err := s.AtomCode("ghost")
	assert.Error(t, err)
}
