package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoread/internal/reporting"
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

// anyTime is a matcher that accepts any value (used for timestamps we can't predict exactly)
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

// utcTime only accepts times already converted to UTC.
var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Location() == time.UTC
})

func newReport(runID string) *reporting.Report {
	start := time.Now()
	return &reporting.Report{
		RunID:      runID,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Targets: []reporting.TargetReport{{
			Name:   "linux.do",
			URL:    "https://linux.do",
			Status: reporting.StatusCompleted,
			Worklists: []reporting.WorklistReport{{
				Name:       "unread",
				Iterations: 2,
				Items: []reporting.ItemReport{
					{ID: "https://linux.do/t/1", Title: "one", State: "consumed"},
					{ID: "https://linux.do/t/2", State: "skipped-error", Reason: "error page"},
				},
			}},
			Workflows: []reporting.WorkflowReport{
				{Name: "tunehub", Outcome: "success", Attempts: 1, Reason: "points changed 1 -> 2", Duration: 2 * time.Second},
			},
		}},
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
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
	ctx := context.Background()

	t.Run("should apply every schema statement", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		store, err := New(ctx, mockPool, nil)
		require.NoError(t, err)

		for _, stmt := range postgresSchema {
			mockPool.ExpectExec(flexibleSQLMatcher(stmt)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		}
		require.NoError(t, store.Migrate(ctx))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should stop at the first failing statement", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		store, err := New(ctx, mockPool, nil)
		require.NoError(t, err)

		permErr := errors.New("permission denied")
		mockPool.ExpectExec(flexibleSQLMatcher(postgresSchema[0])).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(postgresSchema[1])).WillReturnError(permErr)

		err = store.Migrate(ctx)
		assert.ErrorIs(t, err, permErr)
		assert.ErrorContains(t, err, "schema statement 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist a full report without rollback errors", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		observedLogger := zap.New(observedZapCore)

		mockPool.ExpectPing().WillReturnError(nil)
		store, err := New(ctx, mockPool, observedLogger)
		require.NoError(t, err)

		runID := uuid.NewString()
		report := newReport(runID)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(runID, utcTime, utcTime, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlInsertTarget)).
			WithArgs(runID, "linux.do", "https://linux.do", "completed", "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlInsertWorkflow)).
			WithArgs(runID, "linux.do", "tunehub", "success", 1, "points changed 1 -> 2", false, int64(2000)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		mockPool.ExpectCopyFrom(pgx.Identifier{"worklist_items"}, itemColumns).
			WillReturnResult(2)

		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.RecordRun(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip batch and copy for an empty run", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		store, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		report := &reporting.Report{RunID: "empty", StartedAt: time.Now(), FinishedAt: time.Now()}
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("empty", anyTime, anyTime, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.RecordRun(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(nil)
		store, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err = store.RecordRun(ctx, newReport("r"))
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if the batch fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		store, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		batchErr := errors.New("batch execution failed")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("r", anyTime, anyTime, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlInsertTarget)).
			WithArgs("r", "linux.do", "https://linux.do", "completed", "").
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err = store.RecordRun(ctx, newReport("r"))
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to insert target linux.do")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback on a short copy", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		store, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		report := newReport("r")
		report.Targets[0].Workflows = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("r", anyTime, anyTime, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectBatch().ExpectExec(flexibleSQLMatcher(sqlInsertTarget)).
			WithArgs("r", "linux.do", "https://linux.do", "completed", "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"worklist_items"}, itemColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err = store.RecordRun(ctx, report)
		assert.ErrorContains(t, err, "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestItemRows(t *testing.T) {
	rows := itemRows(newReport("run"))
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"run", "linux.do", "unread", "https://linux.do/t/2", "", "skipped-error", "error page"}, rows[1])
}
