// internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/tether/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// utcTime accepts only time values already converted to UTC.
var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	t, ok := v.(time.Time)
	return ok && t.Location() == time.UTC
})

func sampleReport() *schemas.RunReport {
	loc := time.FixedZone("CET", 3600)
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, loc)
	return &schemas.RunReport{
		RunID:      "01JPA0000000000000000000RN",
		Suite:      "people",
		Engine:     "rod",
		StartedAt:  start,
		FinishedAt: start.Add(4 * time.Second),
		Scenarios: []schemas.ScenarioResult{
			{Name: "add", Status: schemas.StatusPassed, StartedAt: start, Duration: 1500 * time.Millisecond,
				Steps: []schemas.StepResult{{Index: 1, Kind: "navigate", Status: schemas.StatusPassed}}},
			{Name: "delete", Status: schemas.StatusFailed, StartedAt: start, Duration: time.Second,
				FailureKind: "PostconditionTimeout", Error: "timed out"},
		},
	}
}

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(Schema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the run and its scenarios without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newTestStore(t, zap.New(observedZapCore))
		report := sampleReport()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(report.RunID, "people", "rod", utcTime, utcTime, 2, 1, 1, 0, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"tether_scenario_results"}, scenarioColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistRun(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip scenarios for an already persisted run", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectRollback()

		require.NoError(t, s.PersistRun(ctx, sampleReport()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		copyErr := errors.New("copy failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"tether_scenario_results"}, scenarioColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.PersistRun(ctx, sampleReport())
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a short copy", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"tether_scenario_results"}, scenarioColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.PersistRun(ctx, sampleReport())
		assert.ErrorContains(t, err, "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail when the transaction cannot begin", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("no connection"))

		err := s.PersistRun(ctx, sampleReport())
		assert.ErrorContains(t, err, "failed to begin transaction")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecentRuns(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"run_id", "suite", "engine", "started_at", "finished_at", "total", "passed", "failed", "skipped", "errored"}).
		AddRow("run-2", "people", "chromedp", start.Add(time.Hour), start.Add(time.Hour+time.Minute), 3, 3, 0, 0, 0).
		AddRow("run-1", "people", "chromedp", start, start.Add(time.Minute), 3, 1, 1, 1, 0)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).WithArgs("people", 20).WillReturnRows(rows)

	runs, err := s.RecentRuns(context.Background(), "people", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, schemas.Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, runs[1].Summary)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestScenarioHistory(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"run_id", "status", "failure_kind", "error", "started_at", "duration_ms"}).
		AddRow("run-3", "passed", "", "", start, int64(1200)).
		AddRow("run-2", "failed", "LocatorExhausted", "no strategy matched", start, int64(900)).
		AddRow("run-1", "passed", "", "", start, int64(1100)).
		AddRow("run-0", "error", "", "browser crashed", start, int64(10))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlScenarioHistory)).WithArgs("people", "delete", 4).WillReturnRows(rows)

	runs, err := s.ScenarioHistory(context.Background(), "people", "delete", 4)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	assert.Equal(t, schemas.StatusFailed, runs[1].Status)
	assert.Equal(t, 900*time.Millisecond, runs[1].Duration)
	assert.InDelta(t, 0.5, FlakeRate(runs), 1e-9)
	assert.Zero(t, FlakeRate(nil))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns_QueryError(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).WithArgs("people", 5).WillReturnError(errors.New("boom"))

	_, err := s.RecentRuns(context.Background(), "people", 5)
	assert.ErrorContains(t, err, "failed to query runs")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
