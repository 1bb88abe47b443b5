// Package usage enforces the daily action quota and keeps a persistent
// ledger of model token usage and metered actions. Quota admission is
// answered from in-memory counters; the SQLite ledger exists for
// reporting and survives restarts as a best-effort mirror.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents a single model invocation's token usage.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	SessionID    string
	Model        string
	Provider     string // "anthropic", "openai", "ollama"
	InputTokens  int
	OutputTokens int
}

// Action represents one metered automation action charged against the
// daily quota.
type Action struct {
	ID        string
	Timestamp time.Time
	Day       string // UTC date key, YYYY-MM-DD
	RequestID string
	SessionID string
	Kind      string // tool name or "model_call"
}

// Summary holds aggregated token usage totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite ledger for usage records and metered
// actions. All public methods are safe for concurrent use (SQLite
// serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);

	CREATE TABLE IF NOT EXISTS action_records (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		day        TEXT NOT NULL,
		request_id TEXT NOT NULL,
		session_id TEXT,
		kind       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_day ON action_records(day);
	CREATE INDEX IF NOT EXISTS idx_action_session ON action_records(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a token usage record. If rec.ID is empty, a UUIDv7
// is generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, session_id, model, provider, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.SessionID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordAction persists one metered action. The day key is derived
// from the timestamp when not supplied.
func (s *Store) RecordAction(ctx context.Context, a Action) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate action record ID: %w", err)
		}
		a.ID = id.String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Day == "" {
		a.Day = DayKey(a.Timestamp)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_records (id, timestamp, day, request_id, session_id, kind)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Timestamp.UTC().Format(time.RFC3339),
		a.Day,
		a.RequestID,
		a.SessionID,
		a.Kind,
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

// ActionsOnDay returns the number of metered actions recorded for a
// UTC day key. Used to rebuild the in-memory counter after a restart.
func (s *Store) ActionsOnDay(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_records WHERE day = ?`, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions for %s: %w", day, err)
	}
	return n, nil
}

// Summary returns aggregated token totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records
// within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model
		 ORDER BY SUM(input_tokens) + SUM(output_tokens) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// PurgeBefore deletes ledger rows older than the cutoff. Returns the
// number of rows removed across both tables.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339)

	var total int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE timestamp < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("purge usage records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM action_records WHERE timestamp < ?`, ts)
	if err != nil {
		return total, fmt.Errorf("purge action records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// DayKey formats a timestamp as the UTC date key used for quota
// accounting.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
