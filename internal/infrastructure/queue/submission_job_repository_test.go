package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock
}

func jobColumns() []string {
	return []string{
		"id", "group_key", "schema_version", "payload", "status",
		"retry_count", "max_retries", "last_error", "next_retry_at",
		"processed_at", "created_at", "updated_at",
	}
}

func TestGormSubmissionJobRepository_Save(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	job := metering.NewSubmissionJob("prod-a/cust-1/users", GroupSchemaVersion, []byte(`{}`))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "submission_queue"`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(job.CreatedAt, job.UpdatedAt))
	mock.ExpectCommit()

	err := repo.Save(ctx, job)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_Save_Empty(t *testing.T) {
	db, _ := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)

	require.NoError(t, repo.Save(context.Background()))
}

func TestGormSubmissionJobRepository_FindPending(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	job := metering.NewSubmissionJob("prod-a/cust-1/users", GroupSchemaVersion, []byte(`{}`))
	now := time.Now()

	rows := sqlmock.NewRows(jobColumns()).AddRow(
		job.ID, job.GroupKey, job.SchemaVersion, job.Payload, "PENDING",
		0, 5, "", nil, nil, now, now,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "submission_queue" WHERE status = $1 ORDER BY created_at ASC LIMIT $2`)).
		WithArgs(metering.JobStatusPending, 10).
		WillReturnRows(rows)

	jobs, err := repo.FindPending(ctx, 10)

	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, metering.JobStatusPending, jobs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_FindRetryable(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	before := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "submission_queue" WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at ASC LIMIT $3`)).
		WithArgs(metering.JobStatusFailed, before, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	jobs, err := repo.FindRetryable(ctx, before, 10)

	require.NoError(t, err)
	assert.Len(t, jobs, 0)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_Update(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	job := metering.NewSubmissionJob("prod-a/cust-1/users", GroupSchemaVersion, []byte(`{}`))
	job.Quarantine("unknown schema version 9")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "submission_queue"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Update(ctx, job)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_DeleteCompletedBefore(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	before := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "submission_queue" WHERE status = $1 AND processed_at < $2`)).
		WithArgs(metering.JobStatusCompleted, before).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	deleted, err := repo.DeleteCompletedBefore(ctx, before)

	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_CountByStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("PENDING", 4).
		AddRow("QUARANTINED", 1)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, count(*) as count FROM "submission_queue" GROUP BY "status"`)).
		WillReturnRows(rows)

	counts, err := repo.CountByStatus(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[metering.JobStatusPending])
	assert.Equal(t, int64(1), counts[metering.JobStatusQuarantined])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSubmissionJobRepository_WithTx(t *testing.T) {
	db, _ := setupMockDB(t)
	repo := NewGormSubmissionJobRepository(db)

	newRepo := repo.WithTx(db)

	assert.NotNil(t, newRepo)
	assert.NotSame(t, repo, newRepo)
}
