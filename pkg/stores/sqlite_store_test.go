package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crucible-run/crucible/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testAggregate(runID string, started time.Time) *engine.Aggregate {
	return &engine.Aggregate{
		RunID:      runID,
		ConfigPath: "/project/crucible.ini",
		StartedAt:  started,
		Duration:   3 * time.Second,
		Results: []engine.RunResult{
			{
				Env:      "py311",
				Outcome:  engine.OutcomeSucceeded,
				Stage:    engine.StageExecute,
				Duration: 2 * time.Second,
			},
			{
				Env:           "lint",
				Outcome:       engine.OutcomeFailed,
				Stage:         engine.StageExecute,
				ExitCode:      1,
				FailedCommand: []string{"flake8", "src"},
				Duration:      time.Second,
				Err:           errors.New("exit status 1"),
			},
		},
	}
}

func TestSQLiteStore_RecordAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := store.RecordRun(ctx, testAggregate("run-1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := store.RecordRun(ctx, testAggregate("run-2", now)); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	// Newest first.
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("expected newest-first ordering, got %s, %s", runs[0].ID, runs[1].ID)
	}

	r := runs[0]
	if r.Success {
		t.Error("expected the run to be recorded as failed")
	}
	if r.EnvCount != 2 || r.FailedCount != 1 {
		t.Errorf("expected 2 envs with 1 failure, got %d/%d", r.EnvCount, r.FailedCount)
	}
	if r.ConfigPath != "/project/crucible.ini" {
		t.Errorf("unexpected config path %s", r.ConfigPath)
	}
	if r.Duration != 3*time.Second {
		t.Errorf("expected 3s duration, got %s", r.Duration)
	}
}

func TestSQLiteStore_ListRunsLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agg := testAggregate(
			"run-"+string(rune('a'+i)),
			time.Now().Add(time.Duration(i)*time.Minute),
		)
		if err := store.RecordRun(ctx, agg); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("expected the limit to cap the listing at 3, got %d", len(runs))
	}
}

func TestSQLiteStore_GetEnvResults(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.RecordRun(ctx, testAggregate("run-1", time.Now())); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	results, err := store.GetEnvResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get env results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	// Requested order is preserved via the position column.
	if results[0].Env != "py311" || results[1].Env != "lint" {
		t.Errorf("expected original order, got %s, %s", results[0].Env, results[1].Env)
	}

	failed := results[1]
	if failed.Outcome != string(engine.OutcomeFailed) {
		t.Errorf("expected failed outcome, got %s", failed.Outcome)
	}
	if failed.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", failed.ExitCode)
	}
	if failed.FailedCommand != "flake8 src" {
		t.Errorf("expected the failing command, got %q", failed.FailedCommand)
	}
	if failed.Error == "" {
		t.Error("expected the error message to be persisted")
	}

	if _, err := store.GetEnvResults(ctx, "missing"); err != nil {
		t.Errorf("expected an empty result set for an unknown run, got %v", err)
	}
}

func TestSQLiteStore_ConnectionPragmas(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var mode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("expected WAL journal mode, got %q", mode)
	}

	var fk int
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("failed to query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enabled, got %d", fk)
	}
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	store := testStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("expected a second migration to be a no-op, got %v", err)
	}
}
