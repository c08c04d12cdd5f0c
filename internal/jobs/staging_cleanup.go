package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// StagingCleanupArgs defines the periodic purge of staged rows whose upload
// jobs completed past the retention window.
type StagingCleanupArgs struct{}

func (StagingCleanupArgs) Kind() string { return JobKindStagingCleanup }

// StagingCleanupWorker deletes staging rows for completed uploads older than
// the retention period. Rows for failed jobs are kept so a manual reprocess
// still has its input.
type StagingCleanupWorker struct {
	river.WorkerDefaults[StagingCleanupArgs]
	Repo      *postgres.Repository
	Retention time.Duration
	Logger    zerolog.Logger
}

func (StagingCleanupWorker) Kind() string { return JobKindStagingCleanup }

func (w StagingCleanupWorker) Work(ctx context.Context, job *river.Job[StagingCleanupArgs]) error {
	if w.Repo == nil {
		return fmt.Errorf("repository not configured")
	}

	purged, err := w.Repo.StagingRows().PurgeCompleted(ctx, w.Retention)
	if err != nil {
		return fmt.Errorf("purge staging rows: %w", err)
	}

	if purged > 0 {
		metrics.StagingRowsPurgedTotal.Add(float64(purged))
		w.Logger.Info().Int64("purged", purged).Dur("retention", w.Retention).Msg("staging rows purged")
	}
	return nil
}
