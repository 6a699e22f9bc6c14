package jobtask

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockRepo(t *testing.T) (*repo, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		WithoutReturning:     true,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &repo{db: gdb}, mock
}

// CompleteTask, not-last-task path: the conditional UPDATE affects a row,
// the advisory lock is taken, and a nonzero remaining count short-circuits
// before any stage_results write (spec §4.2 T1, "not last" branch).
func TestCompleteTask_NotLastTask(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "task" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("job-1:3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*)`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	res, err := r.CompleteTask(context.Background(), "task-1", "job-1", 3, "completed",
		datatypes.JSON(`{"ok":true}`), nil)
	require.NoError(t, err)
	require.False(t, res.LastTask)

	require.NoError(t, mock.ExpectationsWereMet())
}

// CompleteTask, duplicate-delivery path: the row is already terminal so the
// conditional UPDATE affects zero rows and the transaction never reaches
// the advisory lock (idempotent no-op under at-least-once delivery).
func TestCompleteTask_AlreadyTerminal(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "task" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := r.CompleteTask(context.Background(), "task-1", "job-1", 3, "completed",
		datatypes.JSON(`{"ok":true}`), nil)
	require.NoError(t, err)
	require.False(t, res.LastTask)

	require.NoError(t, mock.ExpectationsWereMet())
}

// AdvanceStage, already-advanced path: job.stage no longer equals the
// caller's completedStage, so the method no-ops inside the lock instead of
// double-finalizing or double-incrementing (spec §4.2 T2 idempotence).
func TestAdvanceStage_AlreadyAdvanced(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("job-1:advance").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "job"`)).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "job_type", "status", "stage", "total_stages"}).
			AddRow("job-1", "helloworld", "processing", 4, 4))
	mock.ExpectCommit()

	out, err := r.AdvanceStage(context.Background(), "job-1", 3, func(j *JobRow, hasFailed bool) (datatypes.JSON, error) {
		t.Fatal("finalize must not be called when stage already advanced")
		return nil, nil
	})
	require.NoError(t, err)
	require.False(t, out.Terminal)
	require.Equal(t, 4, out.NextStage)

	require.NoError(t, mock.ExpectationsWereMet())
}
