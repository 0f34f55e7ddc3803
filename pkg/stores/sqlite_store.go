package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/crucible-run/crucible/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists run history in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode. Pragmas go through the DSN
// in the driver's _pragma=name(value) form so every pooled connection gets
// them.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun appends one aggregate and its per-environment results.
// It implements engine.HistoryStore.
func (s *SQLiteStore) RecordRun(ctx context.Context, agg *engine.Aggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, config_path, success, env_count, failed_count, started_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.RunID,
		agg.ConfigPath,
		agg.Success(),
		len(agg.Results),
		agg.FailedCount(),
		agg.StartedAt.UTC(),
		agg.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i := range agg.Results {
		r := &agg.Results[i]
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO env_results (run_id, position, env, outcome, stage, exit_code, failed_command, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agg.RunID,
			i,
			r.Env,
			string(r.Outcome),
			string(r.Stage),
			r.ExitCode,
			strings.Join(r.FailedCommand, " "),
			errMsg,
			r.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert env result: %w", err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_path, success, env_count, failed_count, started_at, duration_ms, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.ConfigPath, &r.Success, &r.EnvCount, &r.FailedCount, &r.StartedAt, &durationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetEnvResults returns the per-environment results of one run in their
// original requested order.
func (s *SQLiteStore) GetEnvResults(ctx context.Context, runID string) ([]EnvResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, position, env, outcome, stage, exit_code, failed_command, error, duration_ms
		FROM env_results
		WHERE run_id = ?
		ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get env results: %w", err)
	}
	defer rows.Close()

	var results []EnvResult
	for rows.Next() {
		var r EnvResult
		var durationMS int64
		if err := rows.Scan(&r.RunID, &r.Position, &r.Env, &r.Outcome, &r.Stage, &r.ExitCode, &r.FailedCommand, &r.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan env result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
