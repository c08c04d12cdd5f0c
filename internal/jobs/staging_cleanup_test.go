package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/server/internal/storage/postgres"
)

func TestStagingCleanupWorker_Work(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM staging_rows`).
		WithArgs(postgres.UploadStatusComplete, "168h0m0s").
		WillReturnResult(pgxmock.NewResult("DELETE", 512))

	repo, err := postgres.NewRepository(mock)
	require.NoError(t, err)

	worker := StagingCleanupWorker{
		Repo:      repo,
		Retention: 7 * 24 * time.Hour,
		Logger:    zerolog.Nop(),
	}

	err = worker.Work(context.Background(), &river.Job[StagingCleanupArgs]{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStagingCleanupWorker_Work_NoRepo(t *testing.T) {
	worker := StagingCleanupWorker{Logger: zerolog.Nop()}
	err := worker.Work(context.Background(), &river.Job[StagingCleanupArgs]{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not configured")
}
