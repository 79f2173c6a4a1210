// Package retrieval is the advisory pattern bank: code snippets stored in
// sqlite with embedding search. Retrieval results season oracle prompts
// and never affect the pipeline's correctness.
package retrieval

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"atomforge/internal/logging"
)

// Snippet is one stored pattern.
type Snippet struct {
	ID       int64
	Language string
	Kind     string
	Content  string
	Uses     int
}

// Store is the sqlite-backed pattern bank.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	embedder   Embedder
	vecIndexed bool // vec0 virtual table available for ANN search
}

// Open opens (creating if needed) a pattern store at path. Pass ":memory:"
// for an ephemeral bank.
func Open(path string, embedder Embedder) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}
	if embedder == nil {
		embedder = NewLocalEmbedder(64)
	}
	s := &Store{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryRetrieval).Info("Pattern store opened at %s (ann=%v)", path, s.vecIndexed)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS patterns (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			language  TEXT NOT NULL,
			kind      TEXT NOT NULL,
			content   TEXT NOT NULL,
			embedding BLOB NOT NULL,
			uses      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_language ON patterns(language);
	`)
	if err != nil {
		return fmt.Errorf("pattern store migration: %w", err)
	}

	// sqlite-vec fast path: mirror embeddings into a vec0 virtual table for
	// ANN search. Only attempted when the extension is compiled in; any
	// failure degrades to brute-force scoring.
	if vecRegistered {
		_, err := s.db.Exec(fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(pattern_id INTEGER PRIMARY KEY, embedding float[%d])`,
			s.embedder.Dimension()))
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("sqlite-vec index unavailable, using brute force: %v", err)
		} else {
			s.vecIndexed = true
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a snippet with its embedding, mirroring it into the vec0
// index when available.
func (s *Store) Add(language, kind, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vec := s.embedder.Embed(content)
	res, err := s.db.Exec(
		`INSERT INTO patterns (language, kind, content, embedding) VALUES (?, ?, ?, ?)`,
		language, kind, content, encodeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("failed to store pattern: %w", err)
	}

	if s.vecIndexed {
		id, err := res.LastInsertId()
		if err == nil {
			_, err = s.db.Exec(
				`INSERT INTO vec_index (pattern_id, embedding) VALUES (?, ?)`,
				id, jsonVector(vec))
		}
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Pattern not vec-indexed: %v", err)
		} else {
			logging.Get(logging.CategoryRetrieval).Debug("Pattern also indexed in sqlite-vec for ANN search")
		}
	}

	logging.Get(logging.CategoryRetrieval).Debug("Stored %s/%s pattern (%d bytes)", language, kind, len(content))
	return nil
}

// Retrieve returns up to k snippets most similar to the query, best first:
// sqlite-vec ANN when indexed, brute-force cosine otherwise. Purely
// advisory: errors degrade to an empty result.
func (s *Store) Retrieve(query string, k int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		return nil
	}
	queryVec := s.embedder.Embed(query)

	if s.vecIndexed {
		if out, ok := s.annRetrieve(queryVec, k); ok {
			return out
		}
	}
	return s.bruteForceRetrieve(queryVec, k)
}

// annRetrieve queries the vec0 index. A query failure (extension quirk,
// dimension drift) falls back to brute force.
func (s *Store) annRetrieve(queryVec []float64, k int) ([]string, bool) {
	logging.Get(logging.CategoryRetrieval).Debug("Using sqlite-vec ANN search")
	rows, err := s.db.Query(`
		SELECT p.id, p.content, vec_distance_cosine(v.embedding, ?) AS dist
		FROM vec_index v
		JOIN patterns p ON p.id = v.pattern_id
		ORDER BY dist ASC, p.id ASC
		LIMIT ?`, jsonVector(queryVec), k)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("ANN query failed, falling back to brute force: %v", err)
		return nil, false
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id int64
		var content string
		var dist float64
		if err := rows.Scan(&id, &content, &dist); err != nil {
			continue
		}
		out = append(out, content)
		s.db.Exec(`UPDATE patterns SET uses = uses + 1 WHERE id = ?`, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false
	}
	return out, true
}

// bruteForceRetrieve scores every stored pattern in Go.
func (s *Store) bruteForceRetrieve(queryVec []float64, k int) []string {
	rows, err := s.db.Query(`SELECT id, content, embedding FROM patterns`)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Error("Pattern query failed: %v", err)
		return nil
	}
	defer rows.Close()

	type scored struct {
		id      int64
		content string
		score   float64
	}
	var candidates []scored
	for rows.Next() {
		var id int64
		var content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			continue
		}
		candidates = append(candidates, scored{
			id:      id,
			content: content,
			score:   cosine(queryVec, decodeVector(blob)),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	var out []string
	for i := 0; i < len(candidates) && i < k; i++ {
		out = append(out, candidates[i].content)
		s.db.Exec(`UPDATE patterns SET uses = uses + 1 WHERE id = ?`, candidates[i].id)
	}
	return out
}

// RecordOutcome is the pattern-feedback sink: accepted atoms may be
// reported back so future plans can retrieve their shapes. Strictly
// advisory; failures are logged and dropped.
func (s *Store) RecordOutcome(language, kind, code string, accepted bool) {
	if !accepted || code == "" {
		return
	}
	if err := s.Add(language, kind, code); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Pattern feedback dropped: %v", err)
	}
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
