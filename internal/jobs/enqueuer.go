package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/parcelworks/server/internal/ids"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// Enqueuer submits durable jobs. It implements the ingestion pipeline's
// enrichment trigger and the monitor's resubmission hook.
type Enqueuer struct {
	client *river.Client[pgx.Tx]
	repo   *postgres.Repository
	logger zerolog.Logger
}

func NewEnqueuer(client *river.Client[pgx.Tx], repo *postgres.Repository, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{client: client, repo: repo, logger: logger}
}

// EnqueueProcessUpload submits one upload job for pipeline processing.
func (e *Enqueuer) EnqueueProcessUpload(ctx context.Context, uploadJobID string) error {
	opts := InsertOptsForKind(JobKindProcessUpload)
	if _, err := e.client.Insert(ctx, ProcessUploadArgs{UploadJobID: uploadJobID}, &opts); err != nil {
		return fmt.Errorf("enqueue process_upload: %w", err)
	}
	return nil
}

// EnqueueGeocodeBatch submits one batch iteration for an existing geocoding job.
func (e *Enqueuer) EnqueueGeocodeBatch(ctx context.Context, geocodingJobID string) error {
	opts := InsertOptsForKind(JobKindGeocodeBatch)
	if _, err := e.client.Insert(ctx, GeocodeBatchArgs{GeocodingJobID: geocodingJobID}, &opts); err != nil {
		return fmt.Errorf("enqueue geocode_batch: %w", err)
	}
	return nil
}

// TriggerGeocoding creates a geocoding job over the current pool of
// properties missing coordinates and enqueues its first batch. A no-op when
// the pool is empty.
func (e *Enqueuer) TriggerGeocoding(ctx context.Context) error {
	remaining, err := e.repo.Properties().CountNeedingGeocoding(ctx)
	if err != nil {
		return fmt.Errorf("count properties needing geocoding: %w", err)
	}
	if remaining == 0 {
		e.logger.Debug().Msg("no properties need geocoding, skipping trigger")
		return nil
	}

	job := &postgres.GeocodingJob{ID: ids.NewULID()}
	if err := e.repo.GeocodingJobs().Create(ctx, job); err != nil {
		return fmt.Errorf("create geocoding job: %w", err)
	}

	if err := e.EnqueueGeocodeBatch(ctx, job.ID); err != nil {
		return err
	}

	e.logger.Info().
		Str("geocoding_job_id", job.ID).
		Int64("remaining", remaining).
		Msg("geocoding job triggered")
	return nil
}
