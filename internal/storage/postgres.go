package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS query_cache (
	prompt     TEXT PRIMARY KEY,
	result     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS query_errors (
	id            TEXT PRIMARY KEY,
	prompt        TEXT NOT NULL,
	raw_answer    TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq           BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_query_errors_created ON query_errors(created_at DESC);
`

// PostgresStore keeps the prompt cache and the error quarantine in PostgreSQL.
// Place documents are not supported.
type PostgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and creates the tables when missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) LookupCache(ctx context.Context, prompt string) (CacheEntry, error) {
	var e CacheEntry
	err := s.db.QueryRow(ctx,
		`SELECT prompt, result, created_at FROM query_cache WHERE prompt = $1`, prompt,
	).Scan(&e.Prompt, &e.Result, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) InsertCacheIfAbsent(ctx context.Context, entry CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO query_cache (prompt, result, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (prompt) DO NOTHING`,
		entry.Prompt, entry.Result, entry.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteCache(ctx context.Context, prompt string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM query_cache WHERE prompt = $1`, prompt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountCache(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM query_cache`).Scan(&n)
	return n, err
}

func (s *PostgresStore) AppendError(ctx context.Context, rec ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO query_errors (id, prompt, raw_answer, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.Prompt, rec.RawAnswer, rec.ErrorMessage, rec.CreatedAt,
	)
	return err
}

// ListErrors returns quarantined answers, newest first.
func (s *PostgresStore) ListErrors(ctx context.Context, limit, offset int) ([]ErrorRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, prompt, raw_answer, error_message, created_at
		FROM query_errors ORDER BY created_at DESC, seq DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := rows.Scan(&r.ID, &r.Prompt, &r.RawAnswer, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
