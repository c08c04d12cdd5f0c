package jobs

import (
	"context"
	"fmt"

	"github.com/parcelworks/server/internal/ingest"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// ProcessUploadArgs defines the job arguments for running the ingestion
// pipeline over one staged upload.
type ProcessUploadArgs struct {
	UploadJobID string `json:"upload_job_id"`
}

func (ProcessUploadArgs) Kind() string { return JobKindProcessUpload }

// ProcessUploadWorker drives one upload job through the ingestion pipeline.
// The pipeline itself is idempotent on terminal jobs, so River retries after
// a crash mid-run are safe.
type ProcessUploadWorker struct {
	river.WorkerDefaults[ProcessUploadArgs]
	Pipeline *ingest.Pipeline
	Logger   zerolog.Logger
}

func (ProcessUploadWorker) Kind() string { return JobKindProcessUpload }

func (w ProcessUploadWorker) Work(ctx context.Context, job *river.Job[ProcessUploadArgs]) error {
	if w.Pipeline == nil {
		return fmt.Errorf("pipeline not configured")
	}
	if job.Args.UploadJobID == "" {
		return fmt.Errorf("upload_job_id is required")
	}

	w.Logger.Info().
		Str("upload_job_id", job.Args.UploadJobID).
		Int("attempt", job.Attempt).
		Msg("processing upload")

	result, err := w.Pipeline.Run(ctx, job.Args.UploadJobID)
	if err != nil {
		// The pipeline has already recorded the failure on the job row; the
		// returned error feeds River's retry and alerting.
		return fmt.Errorf("process upload %s: %w", job.Args.UploadJobID, err)
	}

	w.Logger.Info().
		Str("upload_job_id", job.Args.UploadJobID).
		Str("status", result.Status).
		Int("violations_created", result.ViolationsCreated).
		Msg("upload processed")
	return nil
}
