package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
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

// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the prompt cache, the error
// quarantine and the travel place documents.
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
		dsn = filepath.Join(dataDir, "tripseed.db")
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

// migrate applies embedded SQL migrations that haven't been run yet.
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

// --- Query cache ---

// LookupCache returns the cache entry for the exact prompt text, or ErrNotFound.
func (s *Store) LookupCache(ctx context.Context, prompt string) (CacheEntry, error) {
	var e CacheEntry
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt, result, created_at FROM query_cache WHERE prompt = ?`, prompt,
	).Scan(&e.Prompt, &e.Result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

// InsertCacheIfAbsent stores entry unless the prompt is already cached.
// A second insert for the same prompt is a silent no-op.
func (s *Store) InsertCacheIfAbsent(ctx context.Context, entry CacheEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_cache (prompt, result, created_at) VALUES (?, ?, ?)
		ON CONFLICT(prompt) DO NOTHING`,
		entry.Prompt, entry.Result, createdAt.UTC().Format(timeLayout),
	)
	return err
}

// DeleteCache removes the cached answer for prompt so the next query hits the model again.
func (s *Store) DeleteCache(ctx context.Context, prompt string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE prompt = ?`, prompt)
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

func (s *Store) CountCache(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_cache`).Scan(&n)
	return n, err
}

// --- Error quarantine ---

// AppendError records a quarantined answer. Records are never updated or deduplicated.
func (s *Store) AppendError(ctx context.Context, rec ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_errors (id, prompt, raw_answer, error_message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Prompt, rec.RawAnswer, rec.ErrorMessage, rec.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListErrors returns quarantined answers, newest first.
func (s *Store) ListErrors(ctx context.Context, limit, offset int) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, raw_answer, error_message, created_at
		FROM query_errors ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Prompt, &r.RawAnswer, &r.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Places ---

// CreatePlace inserts a place unless one with the same kind and name exists.
// It reports whether a new row was written.
func (s *Store) CreatePlace(ctx context.Context, p Place) (bool, error) {
	attrs := p.Attributes
	if attrs == nil {
		attrs = map[string]json.RawMessage{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return false, fmt.Errorf("marshaling attributes: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO places (kind, name, parent, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, name) DO NOTHING`,
		p.Kind, p.Name, p.Parent, string(b), now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetPlace(ctx context.Context, kind, name string) (Place, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, name, parent, attributes, created_at, updated_at
		FROM places WHERE kind = ? AND name = ?`, kind, name)
	p, err := scanPlace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Place{}, ErrNotFound
	}
	return p, err
}

// ListPlaces returns all places of the given kind ordered by name.
func (s *Store) ListPlaces(ctx context.Context, kind string) ([]Place, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name, parent, attributes, created_at, updated_at
		FROM places WHERE kind = ? ORDER BY name ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// SetPlaceAttribute replaces a single attribute on an existing place.
func (s *Store) SetPlaceAttribute(ctx context.Context, kind, name, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("attribute %s: invalid JSON value", key)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning attribute transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT attributes FROM places WHERE kind = ? AND name = ?`, kind, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attrs := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return fmt.Errorf("parsing attributes of %s %q: %w", kind, name, err)
	}
	attrs[key] = value

	b, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE places SET attributes = ?, updated_at = ? WHERE kind = ? AND name = ?`,
		string(b), time.Now().UTC().Format(timeLayout), kind, name); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlace(row rowScanner) (Place, error) {
	var p Place
	var attrs, createdAt, updatedAt string
	if err := row.Scan(&p.Kind, &p.Name, &p.Parent, &attrs, &createdAt, &updatedAt); err != nil {
		return Place{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return Place{}, fmt.Errorf("parsing attributes: %w", err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Place{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Place{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}
