package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPatternStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRetrieve_MostSimilarFirst(t *testing.T) {
	s := testPatternStore(t)

	require.NoError(t, s.Add("go", "function", "func ParseConfig(path string) (*Config, error) { ... }"))
	require.NoError(t, s.Add("go", "function", "func SumLedger(rows []Row) int { ... }"))
	require.NoError(t, s.Add("python", "function", "def parse_config(path): ..."))

	hits := s.Retrieve("parse config file path", 1)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], "ParseConfig")
}

func TestRetrieve_KBoundsResults(t *testing.T) {
	s := testPatternStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add("go", "function", "func Helper() {}"))
	}
	assert.Len(t, s.Retrieve("helper", 3), 3)
	assert.Empty(t, s.Retrieve("helper", 0))
}

func TestRecordOutcome_OnlyAcceptedCodeStored(t *testing.T) {
	s := testPatternStore(t)

	s.RecordOutcome("go", "function", "func Kept() {}", true)
	s.RecordOutcome("go", "function", "func Dropped() {}", false)
	s.RecordOutcome("go", "function", "", true)

	hits := s.Retrieve("Kept", 10)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], "Kept")
}

func TestLocalEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewLocalEmbedder(32)

	a := e.Embed("wave executor retry loop")
	b := e.Embed("wave executor retry loop")
	assert.Equal(t, a, b, "embedding must be stable across calls")

	var norm float64
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	assert.Greater(t, cosine(a, e.Embed("wave executor loop")), cosine(a, e.Embed("unrelated giraffe text")))
}

func TestVectorCodec_RoundTrip(t *testing.T) {
	vec := []float64{0.25, -1.5, 3.75}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}
