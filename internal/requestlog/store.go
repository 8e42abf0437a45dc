// Package requestlog persists dispatch records: one row per adapter attempt
// with provider, task, model, outcome, and latency. Bodies and prompts are
// never stored. SQLite is the default; Postgres is selected by DSN.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Record is one dispatch attempt against an upstream provider.
type Record struct {
	RequestID    string
	Mode         string // "relay" | "backend"
	Task         string // "text" | "edit" | "blend"
	Provider     string
	Model        string
	Outcome      string // "success" | "rate_limit" | "auth_error" | "other"
	ImageCount   int
	DurationMs   int64
	ErrorMessage string
	CreatedAt    time.Time
}

// Writer persists dispatch records.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// NoopWriter ignores all writes. Used when request logging is disabled.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Record) error { return nil }

// SQLWriter persists records to SQLite or Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteWriter opens (or creates) the SQLite dispatch log.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "imggw-dispatches.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite dispatch log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter opens the Postgres dispatch log.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres dispatch log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// Open picks the dialect from the DSN: postgres:// URLs go to Postgres,
// everything else (including "") is a SQLite path.
func Open(dsn string) (*SQLWriter, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresWriter(dsn)
	}
	return NewSQLiteWriter(dsn)
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s dispatch log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS dispatches (
	id INTEGER PRIMARY KEY,
	request_id TEXT,
	mode TEXT NOT NULL,
	task TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT,
	outcome TEXT NOT NULL,
	image_count INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS dispatches (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT,
	mode TEXT NOT NULL,
	task TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT,
	outcome TEXT NOT NULL,
	image_count INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize dispatch log schema: %w", err)
	}
	return nil
}

// Write inserts one record.
func (w *SQLWriter) Write(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO dispatches(request_id, mode, task, provider, model, outcome, image_count, duration_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == "postgres" {
		query = `INSERT INTO dispatches(request_id, mode, task, provider, model, outcome, image_count, duration_ms, error_message, created_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}

	_, err := w.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.Mode,
		rec.Task,
		rec.Provider,
		rec.Model,
		rec.Outcome,
		rec.ImageCount,
		rec.DurationMs,
		rec.ErrorMessage,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write dispatch record: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first. limit is clamped
// to [1, 200].
func (w *SQLWriter) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := `SELECT request_id, mode, task, provider, model, outcome, image_count, duration_ms, error_message, created_at
	FROM dispatches ORDER BY id DESC LIMIT ?`
	if w.dialect == "postgres" {
		query = `SELECT request_id, mode, task, provider, model, outcome, image_count, duration_ms, error_message, created_at
	FROM dispatches ORDER BY id DESC LIMIT $1`
	}

	rows, err := w.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read dispatch records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RequestID, &rec.Mode, &rec.Task, &rec.Provider, &rec.Model,
			&rec.Outcome, &rec.ImageCount, &rec.DurationMs, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dispatch records: %w", err)
	}
	return recs, nil
}

// Close releases the database handle.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
