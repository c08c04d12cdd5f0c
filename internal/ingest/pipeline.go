package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/parcelworks/server/internal/telemetry"
	"github.com/rs/zerolog"
)

// EnrichmentTrigger kicks off downstream enrichment after an upload lands.
// Triggers are fire-and-forget: failures are logged but never fail the job.
type EnrichmentTrigger interface {
	TriggerGeocoding(ctx context.Context) error
}

// Result is the snapshot returned from a pipeline run, used by the entry
// point handler and mirrored by the durable upload_jobs row.
type Result struct {
	JobID             string     `json:"job_id"`
	Status            string     `json:"status"`
	TotalRows         int        `json:"total_rows"`
	ProcessedRows     int        `json:"processed_rows"`
	PropertiesCreated int        `json:"properties_created"`
	ViolationsCreated int        `json:"violations_created"`
	RowErrors         []RowError `json:"row_errors,omitempty"`
	DuplicateCaseIDs  []string   `json:"duplicate_case_ids,omitempty"`
}

// Pipeline walks one upload job through the ingestion state machine:
//
//	queued -> parsing -> processing -> deduping -> creating_violations
//	       -> finalizing -> complete
//
// FAILED is reachable from any non-terminal state. Stages never run out of
// order and never skip; the only backward transition is the monitor's reset
// to queued. Every transition refreshes updated_at, which the monitor reads
// as a heartbeat.
type Pipeline struct {
	uploadJobs  *postgres.UploadJobsRepository
	stagingRows *postgres.StagingRowsRepository
	violations  *postgres.ViolationsRepository
	properties  *postgres.PropertiesRepository
	deduper     *Deduper
	enrichment  EnrichmentTrigger

	violationBatchSize int
	logger             zerolog.Logger
}

func NewPipeline(
	repo *postgres.Repository,
	deduper *Deduper,
	enrichment EnrichmentTrigger,
	violationBatchSize int,
	logger zerolog.Logger,
) *Pipeline {
	if violationBatchSize <= 0 {
		violationBatchSize = 1000
	}
	return &Pipeline{
		uploadJobs:         repo.UploadJobs(),
		stagingRows:        repo.StagingRows(),
		violations:         repo.Violations(),
		properties:         repo.Properties(),
		deduper:            deduper,
		enrichment:         enrichment,
		violationBatchSize: violationBatchSize,
		logger:             logger,
	}
}

// Run executes the pipeline for one upload job. Calling it on a terminal job
// is a no-op that returns the job's current snapshot, so the entry point is
// safely re-invocable.
func (p *Pipeline) Run(ctx context.Context, jobID string) (*Result, error) {
	tracer := telemetry.GetTracer("github.com/parcelworks/server/internal/ingest")
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	job, err := p.uploadJobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load upload job: %w", err)
	}

	if job.IsTerminal() {
		p.logger.Info().Str("job_id", jobID).Str("status", job.Status).Msg("upload job already terminal, nothing to do")
		return snapshotResult(job), nil
	}
	if job.Status != postgres.UploadStatusQueued {
		// Another invocation owns this job; report progress without
		// touching it. The monitor resets genuinely stalled jobs.
		p.logger.Info().Str("job_id", jobID).Str("status", job.Status).Msg("upload job already in flight")
		return snapshotResult(job), nil
	}

	result, err := p.run(ctx, job)
	if err != nil {
		if failErr := p.uploadJobs.MarkFailed(ctx, jobID, err.Error()); failErr != nil {
			p.logger.Error().Err(failErr).Str("job_id", jobID).Msg("failed to record upload job failure")
		}
		metrics.UploadJobsTotal.WithLabelValues(postgres.UploadStatusFailed).Inc()
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("upload pipeline failed")
		if result == nil {
			result = snapshotResult(job)
		}
		result.Status = postgres.UploadStatusFailed
		return result, err
	}

	metrics.UploadJobsTotal.WithLabelValues(postgres.UploadStatusComplete).Inc()
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, job *postgres.UploadJob) (*Result, error) {
	result := &Result{JobID: job.ID}

	// PARSING: load staged rows and validate required columns. Rows missing
	// address/city/violation were already recorded at staging time as row
	// errors; here we re-check so a monitor-reset job revalidates cleanly.
	rows, err := p.stage(ctx, job.ID, postgres.UploadStatusParsing, func(ctx context.Context) ([]postgres.StagingRow, error) {
		staged, err := p.stagingRows.ListByJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		return staged, nil
	})
	if err != nil {
		return result, fmt.Errorf("parsing: %w", err)
	}

	valid := make([]postgres.StagingRow, 0, len(rows))
	for _, row := range rows {
		if row.Address == "" || row.City == "" || row.ViolationType == "" {
			result.RowErrors = append(result.RowErrors, RowError{
				RowNumber: row.RowNumber,
				Reason:    "missing required column",
			})
			metrics.UploadRowsTotal.WithLabelValues("invalid").Inc()
			continue
		}
		valid = append(valid, row)
	}

	result.TotalRows = len(rows)
	if err := p.uploadJobs.UpdateProgress(ctx, job.ID, 0, result.TotalRows); err != nil {
		return result, fmt.Errorf("parsing: %w", err)
	}

	// PROCESSING: nothing to compute beyond the validated partition, but the
	// stage transition keeps the dashboard's stage text and the heartbeat
	// moving on large files.
	if err := p.advance(ctx, job.ID, postgres.UploadStatusProcessing); err != nil {
		return result, fmt.Errorf("processing: %w", err)
	}

	// DEDUPING: resolve properties in bulk.
	if err := p.advance(ctx, job.ID, postgres.UploadStatusDeduping); err != nil {
		return result, fmt.Errorf("deduping: %w", err)
	}

	dedupStart := time.Now()
	dedup, err := p.deduper.Resolve(ctx, valid)
	if err != nil {
		return result, fmt.Errorf("deduping: %w", err)
	}
	metrics.PipelineStageDuration.WithLabelValues(postgres.UploadStatusDeduping).Observe(time.Since(dedupStart).Seconds())
	metrics.PropertiesCreatedTotal.Add(float64(dedup.Created))

	result.PropertiesCreated = dedup.Created
	result.DuplicateCaseIDs = dedup.DuplicateCaseIDs
	result.RowErrors = append(result.RowErrors, dedup.RowErrors...)

	// CREATING_VIOLATIONS: fixed-size batches; a batch failure fails the job
	// with partial progress retained. Already-inserted batches are not
	// rolled back; the violations table's dedup index makes retries safe.
	if err := p.advance(ctx, job.ID, postgres.UploadStatusCreatingViolations); err != nil {
		return result, fmt.Errorf("creating violations: %w", err)
	}

	violations, buildErrors := BuildViolations(valid, dedup.Resolved, time.Now())
	result.RowErrors = append(result.RowErrors, buildErrors...)

	insertStart := time.Now()
	processed := 0
	for start := 0; start < len(violations); start += p.violationBatchSize {
		end := start + p.violationBatchSize
		if end > len(violations) {
			end = len(violations)
		}

		inserted, err := p.violations.BulkInsert(ctx, violations[start:end])
		if err != nil {
			return result, fmt.Errorf("creating violations batch %d: %w", start/p.violationBatchSize+1, err)
		}
		result.ViolationsCreated += inserted
		processed = end

		if err := p.uploadJobs.UpdateProgress(ctx, job.ID, processed, result.TotalRows); err != nil {
			return result, fmt.Errorf("creating violations: %w", err)
		}
	}
	result.ProcessedRows = processed
	metrics.PipelineStageDuration.WithLabelValues(postgres.UploadStatusCreatingViolations).Observe(time.Since(insertStart).Seconds())
	metrics.ViolationsCreatedTotal.Add(float64(result.ViolationsCreated))
	metrics.UploadRowsTotal.WithLabelValues("staged").Add(float64(len(valid)))

	if err := p.properties.ApplyViolationCounts(ctx, violationCounts(violations)); err != nil {
		return result, fmt.Errorf("creating violations: apply counts: %w", err)
	}

	// FINALIZING: record counts and kick off enrichment. Enrichment is
	// best-effort and independently retryable; its failure never fails the
	// upload.
	if err := p.advance(ctx, job.ID, postgres.UploadStatusFinalizing); err != nil {
		return result, fmt.Errorf("finalizing: %w", err)
	}
	if err := p.uploadJobs.SetCreatedCounts(ctx, job.ID, result.PropertiesCreated, result.ViolationsCreated); err != nil {
		return result, fmt.Errorf("finalizing: %w", err)
	}

	p.triggerEnrichment(job.ID)

	if err := p.uploadJobs.MarkComplete(ctx, job.ID); err != nil {
		return result, fmt.Errorf("finalizing: %w", err)
	}
	result.Status = postgres.UploadStatusComplete

	p.logger.Info().
		Str("job_id", job.ID).
		Int("total_rows", result.TotalRows).
		Int("properties_created", result.PropertiesCreated).
		Int("violations_created", result.ViolationsCreated).
		Int("row_errors", len(result.RowErrors)).
		Msg("upload pipeline complete")

	return result, nil
}

func (p *Pipeline) advance(ctx context.Context, jobID, status string) error {
	return p.uploadJobs.AdvanceStatus(ctx, jobID, status)
}

func (p *Pipeline) stage(ctx context.Context, jobID, status string, fn func(context.Context) ([]postgres.StagingRow, error)) ([]postgres.StagingRow, error) {
	if err := p.advance(ctx, jobID, status); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := fn(ctx)
	metrics.PipelineStageDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return rows, err
}

// triggerEnrichment submits the geocoding kickoff without blocking the
// pipeline. A detached context keeps the submission alive past this
// invocation's deadline.
func (p *Pipeline) triggerEnrichment(jobID string) {
	if p.enrichment == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.enrichment.TriggerGeocoding(ctx); err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("geocoding trigger failed (enrichment is best-effort)")
		}
	}()
}

func violationCounts(violations []postgres.Violation) []postgres.ViolationCounts {
	perProperty := make(map[string]*postgres.ViolationCounts)
	order := make([]string, 0)

	for _, v := range violations {
		counts, ok := perProperty[v.PropertyID]
		if !ok {
			counts = &postgres.ViolationCounts{PropertyID: v.PropertyID}
			perProperty[v.PropertyID] = counts
			order = append(order, v.PropertyID)
		}
		counts.Total++
		if v.Status == "open" {
			counts.Open++
		}
	}

	out := make([]postgres.ViolationCounts, 0, len(order))
	for _, id := range order {
		out = append(out, *perProperty[id])
	}
	return out
}

func snapshotResult(job *postgres.UploadJob) *Result {
	return &Result{
		JobID:             job.ID,
		Status:            job.Status,
		TotalRows:         job.TotalRows,
		ProcessedRows:     job.ProcessedRows,
		PropertiesCreated: job.PropertiesCreated,
		ViolationsCreated: job.ViolationsCreated,
	}
}
