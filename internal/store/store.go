// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the run history tables. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS tether_runs (
    run_id      TEXT PRIMARY KEY,
    suite       TEXT NOT NULL,
    engine      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    total       INTEGER NOT NULL,
    passed      INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    skipped     INTEGER NOT NULL,
    errored     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tether_scenario_results (
    run_id       TEXT NOT NULL REFERENCES tether_runs (run_id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL,
    failure_kind TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    session_id   TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL,
    steps        JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (run_id, name)
);
CREATE INDEX IF NOT EXISTS tether_runs_suite_started_idx ON tether_runs (suite, started_at DESC);
`

const sqlInsertRun = `
    INSERT INTO tether_runs (run_id, suite, engine, started_at, finished_at, total, passed, failed, skipped, errored)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    ON CONFLICT (run_id) DO NOTHING;
`

const sqlRecentRuns = `
    SELECT run_id, suite, engine, started_at, finished_at, total, passed, failed, skipped, errored
    FROM tether_runs
    WHERE suite = $1
    ORDER BY started_at DESC
    LIMIT $2;
`

const sqlScenarioHistory = `
    SELECT r.run_id, s.status, s.failure_kind, s.error, s.started_at, s.duration_ms
    FROM tether_scenario_results s
    JOIN tether_runs r ON r.run_id = s.run_id
    WHERE r.suite = $1 AND s.name = $2
    ORDER BY s.started_at DESC
    LIMIT $3;
`

var scenarioColumns = []string{"run_id", "name", "status", "failure_kind", "error", "session_id", "started_at", "duration_ms", "steps"}

// Store persists run history in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PersistRun writes the run row and one row per scenario in a single transaction.
// Persisting the same run twice is a no-op for the run row.
func (s *Store) PersistRun(ctx context.Context, report *schemas.RunReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	sum := report.Tally()
	tag, err := tx.Exec(ctx, sqlInsertRun,
		report.RunID, report.Suite, report.Engine,
		report.StartedAt.UTC(), report.FinishedAt.UTC(),
		sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.Errored,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("Run already persisted.", zap.String("run_id", report.RunID))
		return nil
	}

	if len(report.Scenarios) > 0 {
		if err := s.persistScenarios(ctx, tx, report); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistScenarios(ctx context.Context, tx pgx.Tx, report *schemas.RunReport) error {
	rows := make([][]any, len(report.Scenarios))
	for i, sc := range report.Scenarios {
		steps, err := json.Marshal(sc.Steps)
		if err != nil {
			return fmt.Errorf("failed to encode steps for scenario %q: %w", sc.Name, err)
		}
		if len(steps) == 0 || string(steps) == "null" {
			steps = []byte("[]")
		}
		rows[i] = []any{
			report.RunID, sc.Name, string(sc.Status),
			sc.FailureKind, sc.Error, sc.SessionID,
			sc.StartedAt.UTC(), sc.Duration.Milliseconds(),
			steps,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"tether_scenario_results"}, scenarioColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy scenario results: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied scenario count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// RecentRuns returns the newest runs of suite with their summaries, newest first. Scenario
// rows are not loaded.
func (s *Store) RecentRuns(ctx context.Context, suite string, limit int) ([]schemas.RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentRuns, suite, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunReport
	for rows.Next() {
		var r schemas.RunReport
		err := rows.Scan(
			&r.RunID, &r.Suite, &r.Engine, &r.StartedAt, &r.FinishedAt,
			&r.Summary.Total, &r.Summary.Passed, &r.Summary.Failed, &r.Summary.Skipped, &r.Summary.Errored,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// ScenarioRun is one historical outcome of a named scenario.
type ScenarioRun struct {
	RunID       string
	Status      schemas.Status
	FailureKind string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// ScenarioHistory returns the latest outcomes of one scenario, newest first.
func (s *Store) ScenarioHistory(ctx context.Context, suite, name string, limit int) ([]ScenarioRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlScenarioHistory, suite, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenario history: %w", err)
	}
	defer rows.Close()

	var out []ScenarioRun
	for rows.Next() {
		var (
			r      ScenarioRun
			status string
			ms     int64
		)
		if err := rows.Scan(&r.RunID, &status, &r.FailureKind, &r.Error, &r.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		r.Status = schemas.Status(status)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// FlakeRate is the share of failed or errored outcomes among runs, in [0, 1].
func FlakeRate(runs []ScenarioRun) float64 {
	if len(runs) == 0 {
		return 0
	}
	bad := 0
	for _, r := range runs {
		if r.Status == schemas.StatusFailed || r.Status == schemas.StatusError {
			bad++
		}
	}
	return float64(bad) / float64(len(runs))
}
