// Package store persists searchable records and completion run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/relay/migrations"
)

// Store handles persistence of records and runs.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating it and its directory if needed) the SQLite database
// at path and applies migrations.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := migrations.RunMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record is a searchable row backing the search_database tool.
type Record struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddRecord inserts a record and returns its ID.
func (s *Store) AddRecord(ctx context.Context, title, body string) (int64, error) {
	queryStr, args, err := sq.Insert("records").
		Columns("title", "body", "created_at").
		Values(title, body, time.Now().Unix()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

// SearchRecords returns up to limit records whose title or body contains query.
func (s *Store) SearchRecords(ctx context.Context, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	queryStr, args, err := sq.Select("id", "title", "body", "created_at").
		From("records").
		Where(sq.Or{sq.Like{"title": pattern}, sq.Like{"body": pattern}}).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Title, &r.Body, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run is the history entry for one completion call.
type Run struct {
	ID               string
	Kind             string // complete, fallback, chain, stream, structured, tools
	Strategy         string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FailedTiers      int
	Error            string
	Duration         time.Duration
	CreatedAt        time.Time
}

// RecordRun inserts a run.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	queryStr, args, err := sq.Insert("runs").
		Columns("id", "kind", "strategy", "model", "finish_reason",
			"prompt_tokens", "completion_tokens", "total_tokens",
			"failed_tiers", "error", "duration_ms", "created_at").
		Values(run.ID, run.Kind, run.Strategy, run.Model, run.FinishReason,
			run.PromptTokens, run.CompletionTokens, run.TotalTokens,
			run.FailedTiers, run.Error, run.Duration.Milliseconds(), run.CreatedAt.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.logger.Debug().Str("id", run.ID).Str("kind", run.Kind).Str("strategy", run.Strategy).Msg("Recorded run")
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	queryStr, args, err := sq.Select("id", "kind", "strategy", "model", "finish_reason",
		"prompt_tokens", "completion_tokens", "total_tokens",
		"failed_tiers", "error", "duration_ms", "created_at").
		From("runs").
		OrderBy("created_at DESC", "rowid DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var durationMs, created int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Strategy, &r.Model, &r.FinishReason,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.FailedTiers, &r.Error, &durationMs, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
