package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func uploadJobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "status", "filename", "city", "state", "county",
		"total_rows", "processed_rows", "properties_created", "violations_created",
		"error_message", "started_at", "created_at", "updated_at",
	})
}

func TestUploadJobsRepository_Create(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`INSERT INTO upload_jobs`).
		WithArgs("job-1", UploadStatusQueued, "export.csv", "Chicago", "IL", "Cook", 120).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewUploadJobsRepository(mock)
	err := repo.Create(context.Background(), &UploadJob{
		ID:       "job-1",
		Filename: "export.csv",
		City:     "Chicago",
		State:    "IL",
		County:   "Cook",
		TotalRows: 120,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_GetByID(t *testing.T) {
	mock := newMockPool(t)
	now := time.Now()
	started := now.Add(-time.Minute)

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs("job-1").
		WillReturnRows(uploadJobRows().
			AddRow("job-1", UploadStatusDeduping, "export.csv", "Chicago", "IL", "Cook",
				120, 50, 0, 0, nil, &started, now, now))

	repo := NewUploadJobsRepository(mock)
	job, err := repo.GetByID(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, UploadStatusDeduping, job.Status)
	assert.Equal(t, 120, job.TotalRows)
	assert.Equal(t, 50, job.ProcessedRows)
	assert.False(t, job.IsTerminal())
	require.NotNil(t, job.StartedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_GetByID_NotFound(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	repo := NewUploadJobsRepository(mock)
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUploadJobNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_AdvanceStatus(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`UPDATE upload_jobs`).
		WithArgs("job-1", UploadStatusParsing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewUploadJobsRepository(mock)
	require.NoError(t, repo.AdvanceStatus(context.Background(), "job-1", UploadStatusParsing))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_AdvanceStatus_NotFound(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`UPDATE upload_jobs`).
		WithArgs("missing", UploadStatusParsing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewUploadJobsRepository(mock)
	err := repo.AdvanceStatus(context.Background(), "missing", UploadStatusParsing)
	assert.ErrorIs(t, err, ErrUploadJobNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_UpdateProgress(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`UPDATE upload_jobs`).
		WithArgs("job-1", 75, 120).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewUploadJobsRepository(mock)
	require.NoError(t, repo.UpdateProgress(context.Background(), "job-1", 75, 120))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_MarkFailed(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectExec(`UPDATE upload_jobs`).
		WithArgs("job-1", UploadStatusFailed, "deduping: connection reset").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewUploadJobsRepository(mock)
	require.NoError(t, repo.MarkFailed(context.Background(), "job-1", "deduping: connection reset"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_FindStuck(t *testing.T) {
	mock := newMockPool(t)
	now := time.Now()
	started := now.Add(-time.Hour)

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs(NonTerminalUploadStatuses, "10m0s").
		WillReturnRows(uploadJobRows().
			AddRow("job-1", UploadStatusDeduping, "a.csv", "Chicago", "IL", "",
				100, 40, 0, 0, nil, &started, now, now).
			AddRow("job-2", UploadStatusParsing, "b.csv", "Dallas", "TX", "",
				50, 0, 0, 0, nil, &started, now, now))

	repo := NewUploadJobsRepository(mock)
	jobs, err := repo.FindStuck(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, UploadStatusParsing, jobs[1].Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_FindOrphaned(t *testing.T) {
	mock := newMockPool(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs(UploadStatusQueued, "5m0s").
		WillReturnRows(uploadJobRows().
			AddRow("job-3", UploadStatusQueued, "c.csv", "Chicago", "IL", "",
				10, 0, 0, 0, nil, nil, now.Add(-time.Hour), now.Add(-time.Hour)))

	repo := NewUploadJobsRepository(mock)
	jobs, err := repo.FindOrphaned(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-3", jobs[0].ID)
	assert.Nil(t, jobs[0].StartedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadJobsRepository_QueryError(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs(NonTerminalUploadStatuses, "10m0s").
		WillReturnError(fmt.Errorf("connection refused"))

	repo := NewUploadJobsRepository(mock)
	_, err := repo.FindStuck(context.Background(), 10*time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find stuck upload jobs")

	require.NoError(t, mock.ExpectationsWereMet())
}
