package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the outcome journal and the local
// knowledge chunks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lessonforge.db")
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

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
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

// DB exposes the connection for read-side consumers such as the retrieval searcher.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
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

// --- Outcomes ---

func (s *Store) SaveOutcome(ctx context.Context, r OutcomeRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_outcomes (id, request_id, kind, subject, grade, topic, status, duration_ms, output_chars,
			prompt_tokens, completion_tokens, total_tokens, cache_hit, fallback_used, failed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.Kind, r.Subject, r.Grade, r.Topic, r.Status, r.DurationMs, r.OutputChars,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, boolInt(r.CacheHit), boolInt(r.FallbackUsed), boolInt(r.Failed),
		r.Error, createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, kind, subject, grade, topic, status, duration_ms, output_chars,
			prompt_tokens, completion_tokens, total_tokens, cache_hit, fallback_used, failed, error, created_at
		FROM generation_outcomes ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]OutcomeRecord, error) {
	var results []OutcomeRecord
	for rows.Next() {
		var (
			r                        OutcomeRecord
			cacheHit, fallback, fail int
			createdAt                string
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Kind, &r.Subject, &r.Grade, &r.Topic, &r.Status, &r.DurationMs, &r.OutputChars,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &cacheHit, &fallback, &fail, &r.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		r.CacheHit, r.FallbackUsed, r.Failed = cacheHit == 1, fallback == 1, fail == 1
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Knowledge chunks ---

func (s *Store) AddChunks(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_chunks (id, subject, grade, source, text_chunk, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Subject, c.Grade, c.Source, c.Text, createdAt.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_chunks").Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// OutcomeByRequest returns the most recent journal row for a request ID.
func (s *Store) OutcomeByRequest(ctx context.Context, requestID string) (OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, kind, subject, grade, topic, status, duration_ms, output_chars,
			prompt_tokens, completion_tokens, total_tokens, cache_hit, fallback_used, failed, error, created_at
		FROM generation_outcomes WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`, requestID,
	)
	if err != nil {
		return OutcomeRecord{}, err
	}
	defer rows.Close()

	recs, err := scanOutcomes(rows)
	if err != nil {
		return OutcomeRecord{}, err
	}
	if len(recs) == 0 {
		return OutcomeRecord{}, ErrNotFound
	}
	return recs[0], nil
}
