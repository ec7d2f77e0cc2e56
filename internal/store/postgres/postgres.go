// Package postgres persists pipeline runs and the reference vocabulary in
// PostgreSQL using pgx.
//
// The recordings table is the durable coordination point between processes:
// the move to processing is a conditional update, so only one process can
// win it for a given recording.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fieldscribe/internal/pipeline"
)

// Schema is the SQL DDL for the recordings and reference_terms tables.
// Execute it via [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id             TEXT PRIMARY KEY,
    source_ref     TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending'
                   CHECK (status IN ('pending', 'processing', 'processed', 'error')),
    attempts       INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    interrupted    BOOLEAN NOT NULL DEFAULT false,
    transcript     TEXT NOT NULL DEFAULT '',
    corrected_text TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    tags           JSONB NOT NULL DEFAULT '[]',
    score          DOUBLE PRECISION,
    backend        TEXT NOT NULL DEFAULT '',
    partial        BOOLEAN NOT NULL DEFAULT false,
    fallback       BOOLEAN NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE recordings ADD COLUMN IF NOT EXISTS interrupted BOOLEAN NOT NULL DEFAULT false;
CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status, updated_at);

CREATE TABLE IF NOT EXISTS reference_terms (
    term   TEXT PRIMARY KEY,
    weight INTEGER NOT NULL DEFAULT 0
);
`

const (
	defaultTermLimit = 1000

	// interruptedMessage is written to runs found stuck in processing.
	interruptedMessage = "interrupted"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Option is a functional option for [Store].
type Option func(*Store)

// WithTermLimit caps how many reference terms [Store.ReferenceTerms] reads.
// Default: 1000.
func WithTermLimit(n int) Option {
	return func(s *Store) { s.termLimit = n }
}

// Store implements [pipeline.Store] and [pipeline.Vocabulary] on PostgreSQL.
// It is safe for concurrent use when DB is.
type Store struct {
	db        DB
	termLimit int
}

// Compile-time interface checks.
var (
	_ pipeline.Store      = (*Store)(nil)
	_ pipeline.Vocabulary = (*Store)(nil)
)

// New creates a [Store] on top of db. The caller is responsible for calling
// [Store.Migrate] before issuing queries.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, termLimit: defaultTermLimit}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a connection pool for dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Run implements [pipeline.Store]. It returns an error wrapping
// [pipeline.ErrRunNotFound] when the recording does not exist.
func (s *Store) Run(ctx context.Context, recordingID string) (pipeline.Run, error) {
	const query = `
		SELECT id, source_ref, status, attempts, last_error, interrupted
		FROM recordings
		WHERE id = $1`

	var (
		r      pipeline.Run
		status string
	)
	err := s.db.QueryRow(ctx, query, recordingID).Scan(&r.RecordingID, &r.SourceRef, &status, &r.Attempts, &r.LastError, &r.Interrupted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Run{}, fmt.Errorf("postgres: run %q: %w", recordingID, pipeline.ErrRunNotFound)
		}
		return pipeline.Run{}, fmt.Errorf("postgres: run %q: %w", recordingID, err)
	}
	r.Status = pipeline.Status(status)
	if !r.Status.Valid() {
		return pipeline.Run{}, fmt.Errorf("postgres: run %q: unknown status %q", recordingID, status)
	}
	return r, nil
}

// UpdateStatus implements [pipeline.Store].
//
// The move to processing only succeeds from pending or error and bumps the
// attempt counter; otherwise it returns [pipeline.ErrStatusConflict]. The
// terminal statuses are only written over a processing run, so a status can
// never move backwards.
func (s *Store) UpdateStatus(ctx context.Context, recordingID string, status pipeline.Status, errMsg string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch status {
	case pipeline.StatusProcessing:
		const query = `
			UPDATE recordings
			SET status = 'processing', attempts = attempts + 1, last_error = '', interrupted = false, updated_at = now()
			WHERE id = $1 AND status IN ('pending', 'error')`
		tag, err = s.db.Exec(ctx, query, recordingID)
	case pipeline.StatusProcessed, pipeline.StatusError:
		const query = `
			UPDATE recordings
			SET status = $2, last_error = $3, updated_at = now()
			WHERE id = $1 AND status = 'processing'`
		tag, err = s.db.Exec(ctx, query, recordingID, string(status), errMsg)
	default:
		return fmt.Errorf("postgres: update status %q: invalid target status %q", recordingID, status)
	}
	if err != nil {
		return fmt.Errorf("postgres: update status %q: %w", recordingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update status %q to %s: %w", recordingID, status, pipeline.ErrStatusConflict)
	}
	return nil
}

// UpdateResult implements [pipeline.Store].
func (s *Store) UpdateResult(ctx context.Context, recordingID string, res pipeline.Result) error {
	tags := res.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}

	const query = `
		UPDATE recordings SET
			transcript = $2, corrected_text = $3, summary = $4, tags = $5,
			score = $6, backend = $7, partial = $8, fallback = $9, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		recordingID, res.Transcript, res.CorrectedText, res.Summary, tagsJSON,
		res.Score, res.Backend, res.Partial, res.Fallback,
	)
	if err != nil {
		return fmt.Errorf("postgres: update result %q: %w", recordingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update result %q: %w", recordingID, pipeline.ErrRunNotFound)
	}
	return nil
}

// ReferenceTerms implements [pipeline.Vocabulary]. Terms are returned by
// descending weight.
func (s *Store) ReferenceTerms(ctx context.Context) ([]string, error) {
	const query = `
		SELECT term FROM reference_terms
		ORDER BY weight DESC, term
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, s.termLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres: reference terms: %w", err)
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("postgres: reference terms scan: %w", err)
		}
		terms = append(terms, term)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: reference terms: %w", err)
	}
	return terms, nil
}

// Pending returns up to f.Limit runs a recovery pass may start, oldest
// first: pending runs, interrupted runs below f.MaxResumes attempts and
// failed runs below f.MaxRetries attempts.
func (s *Store) Pending(ctx context.Context, f pipeline.PendingFilter) ([]pipeline.Run, error) {
	const query = `
		SELECT id, source_ref, status, attempts, last_error, interrupted
		FROM recordings
		WHERE status = 'pending'
		   OR (status = 'error' AND interrupted AND attempts < $1)
		   OR (status = 'error' AND NOT interrupted AND attempts < $2)
		ORDER BY updated_at
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, f.MaxResumes, f.MaxRetries, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		var (
			r      pipeline.Run
			status string
		)
		if err := rows.Scan(&r.RecordingID, &r.SourceRef, &status, &r.Attempts, &r.LastError, &r.Interrupted); err != nil {
			return nil, fmt.Errorf("postgres: pending scan: %w", err)
		}
		r.Status = pipeline.Status(status)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pending: %w", err)
	}
	return runs, nil
}

// RecoverStale marks runs that have been processing for longer than
// olderThan as interrupted errors, so a recovery pass may resume them. It
// returns the number of runs recovered.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		UPDATE recordings
		SET status = 'error', last_error = $2, interrupted = true, updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - make_interval(secs => $1)`

	tag, err := s.db.Exec(ctx, query, olderThan.Seconds(), interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
