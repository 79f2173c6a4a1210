// Package store persists atoms, validation results, retry records and
// review items to sqlite. All writes are idempotent upserts keyed by atom
// id (plus attempt number for retries and validations); the pipeline is
// correct on in-memory state alone, so persistence is best-effort.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"atomforge/internal/atom"
	"atomforge/internal/logging"
	"atomforge/internal/review"
)

const schemaVersion = 1

// Store wraps the sqlite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating and migrating if needed) a store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info("Store opened at %s (schema v%d)", path, schemaVersion)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS atoms (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			language     TEXT NOT NULL,
			target_path  TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			confidence   REAL,
			reason       TEXT,
			code         TEXT,
			payload      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			atom_id     TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			temperature REAL NOT NULL,
			success     INTEGER NOT NULL,
			summary     TEXT,
			code        TEXT,
			PRIMARY KEY (atom_id, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS validations (
			atom_id  TEXT NOT NULL,
			level    INTEGER NOT NULL,
			attempt  INTEGER NOT NULL,
			passed   INTEGER NOT NULL,
			payload  TEXT NOT NULL,
			PRIMARY KEY (atom_id, level, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS review_items (
			atom_id    TEXT PRIMARY KEY,
			confidence REAL NOT NULL,
			reason     TEXT NOT NULL,
			hint       TEXT NOT NULL,
			status     TEXT NOT NULL,
			decision   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_atoms_status ON atoms(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_info`).Scan(&count); err == nil && count == 0 {
		s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion)
	}
	return nil
}

// UpsertAtom persists an atom snapshot.
func (s *Store) UpsertAtom(u atom.AtomicUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode atom %s: %w", u.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO atoms (id, task_id, name, language, target_path, status, attempts, confidence, reason, code, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			confidence = excluded.confidence,
			reason = excluded.reason,
			code = excluded.code,
			payload = excluded.payload`,
		u.ID, u.TaskID, u.Name, u.Language, u.TargetPath, string(u.Status),
		u.Attempts, u.Confidence, u.Reason, u.Code, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert atom %s: %w", u.ID, err)
	}
	logging.StoreDebug("Upserted atom %s (status %s)", u.ID, u.Status)
	return nil
}

// UpsertRetry persists a retry record keyed by (atom, attempt).
func (s *Store) UpsertRetry(r atom.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := 0
	if r.Success {
		success = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO attempts (atom_id, attempt, temperature, success, summary, code)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(atom_id, attempt) DO UPDATE SET
			temperature = excluded.temperature,
			success = excluded.success,
			summary = excluded.summary,
			code = excluded.code`,
		r.AtomID, r.Attempt, r.Temperature, success, r.FailureSummary, r.Code,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert retry %s#%d: %w", r.AtomID, r.Attempt, err)
	}
	return nil
}

// UpsertValidation persists a validation result keyed by (atom, level,
// attempt).
func (s *Store) UpsertValidation(v atom.ValidationResult, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode validation: %w", err)
	}
	passed := 0
	if v.Passed {
		passed = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO validations (atom_id, level, attempt, passed, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(atom_id, level, attempt) DO UPDATE SET
			passed = excluded.passed,
			payload = excluded.payload`,
		v.AtomID, v.Level, attempt, passed, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert validation %s L%d: %w", v.AtomID, v.Level, err)
	}
	return nil
}

// UpsertReviewItem persists a review item.
func (s *Store) UpsertReviewItem(item review.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO review_items (atom_id, confidence, reason, hint, status, decision)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(atom_id) DO UPDATE SET
			confidence = excluded.confidence,
			reason = excluded.reason,
			hint = excluded.hint,
			status = excluded.status,
			decision = excluded.decision`,
		item.AtomID, item.Confidence, item.Reason, item.Hint, string(item.Status), item.Decision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert review item %s: %w", item.AtomID, err)
	}
	return nil
}

// PendingReviewItems loads persisted pending review items, lowest
// confidence first.
func (s *Store) PendingReviewItems() ([]review.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT atom_id, confidence, reason, hint, status, COALESCE(decision, '')
		FROM review_items WHERE status = ? ORDER BY confidence ASC`, string(review.ItemPending))
	if err != nil {
		return nil, fmt.Errorf("failed to load review items: %w", err)
	}
	defer rows.Close()

	var items []review.Item
	for rows.Next() {
		var item review.Item
		var status string
		if err := rows.Scan(&item.AtomID, &item.Confidence, &item.Reason, &item.Hint, &status, &item.Decision); err != nil {
			return nil, err
		}
		item.Status = review.ItemStatus(status)
		items = append(items, item)
	}
	return items, rows.Err()
}

// AtomCode returns the persisted code for an atom, if any.
func (s *Store) AtomCode(atomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var code sql.NullString
	err := s.db.QueryRow(`SELECT code FROM atoms WHERE id = ?`, atomID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown atom %s", atomID)
	}
	if err != nil {
		return "", err
	}
	return code.String, nil
}
