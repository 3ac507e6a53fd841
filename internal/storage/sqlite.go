package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the record cache and the pending
// operation queue. All timestamps are stored as RFC3339 UTC text so that
// lexicographic comparison matches chronological order.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
// Open is idempotent: reopening an existing database applies no migration twice
// and loses no data.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "wardsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Record cache ---

// PutRecord stores or overwrites the snapshot for r.PatientID, stamping
// cached_at with the current time. A later write for the same patient fully
// replaces the previous snapshot.
func (s *Store) PutRecord(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO records (patient_id, card_number, payload, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			card_number = excluded.card_number,
			payload = excluded.payload,
			cached_at = excluded.cached_at`,
		r.PatientID, r.CardNumber, r.Payload, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetRecordByPatientID returns the cached snapshot for the given patient,
// or ErrNotFound.
func (s *Store) GetRecordByPatientID(patientID string) (Record, error) {
	return s.getRecord(`
		SELECT patient_id, card_number, payload, cached_at
		FROM records WHERE patient_id = ?`, patientID)
}

// GetRecordByCardNumber looks up a snapshot via the card-number secondary
// index. Card numbers are not unique-enforced; if several snapshots share one,
// the most recently cached wins.
func (s *Store) GetRecordByCardNumber(cardNumber string) (Record, error) {
	return s.getRecord(`
		SELECT patient_id, card_number, payload, cached_at
		FROM records WHERE card_number = ?
		ORDER BY cached_at DESC LIMIT 1`, cardNumber)
}

func (s *Store) getRecord(query string, arg any) (Record, error) {
	var r Record
	var cachedAt string
	err := s.db.QueryRow(query, arg).Scan(&r.PatientID, &r.CardNumber, &r.Payload, &cachedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	r.CachedAt = t
	return r, nil
}

// EvictRecordsOlderThan removes every snapshot whose cached_at is older than
// now - maxAge and returns the number of rows removed. Newer snapshots are
// untouched.
func (s *Store) EvictRecordsOlderThan(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM records WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearRecords removes every cached snapshot.
func (s *Store) ClearRecords() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM records`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRecords returns the number of cached snapshots.
func (s *Store) CountRecords() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// --- Operation queue ---

// EnqueueOperation appends op to the queue and returns its assigned sequence
// number. Existing entries are never overwritten or reordered.
func (s *Store) EnqueueOperation(op Operation) (int64, error) {
	queuedAt := op.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	headers := op.Headers
	if headers == "" {
		headers = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO operations (id, method, target_url, headers, body, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.Method, op.TargetURL, headers, op.Body, queuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListOperations returns all pending operations in ascending sequence order.
func (s *Store) ListOperations() ([]Operation, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, method, target_url, headers, body, queued_at
		FROM operations ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Operation
	for rows.Next() {
		var op Operation
		var queuedAt string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Method, &op.TargetURL, &op.Headers, &op.Body, &queuedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, queuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing queued_at: %w", err)
		}
		op.QueuedAt = t
		results = append(results, op)
	}
	return results, rows.Err()
}

// DeleteOperation removes a replayed operation from the queue.
func (s *Store) DeleteOperation(seq int64) error {
	res, err := s.db.Exec(`DELETE FROM operations WHERE seq = ?`, seq)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOperations returns the number of pending operations.
func (s *Store) CountOperations() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&n)
	return n, err
}
