package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Upload job pipeline statuses. Stages advance strictly in this order; FAILED
// is reachable from any non-terminal status. Only the health monitor may move
// a job backward (to QUEUED).
const (
	UploadStatusQueued             = "queued"
	UploadStatusParsing            = "parsing"
	UploadStatusProcessing         = "processing"
	UploadStatusDeduping           = "deduping"
	UploadStatusCreatingViolations = "creating_violations"
	UploadStatusFinalizing         = "finalizing"
	UploadStatusComplete           = "complete"
	UploadStatusFailed             = "failed"
)

// NonTerminalUploadStatuses covers every status the monitor treats as "in
// flight" when it looks for stalled heartbeats.
var NonTerminalUploadStatuses = []string{
	UploadStatusQueued,
	UploadStatusParsing,
	UploadStatusProcessing,
	UploadStatusDeduping,
	UploadStatusCreatingViolations,
	UploadStatusFinalizing,
}

// ErrUploadJobNotFound is returned when an upload job id does not exist.
var ErrUploadJobNotFound = errors.New("upload job not found")

// UploadJob is the durable record the dashboard polls for ingestion progress.
type UploadJob struct {
	ID                string
	Status            string
	Filename          string
	City              string
	State             string
	County            string
	TotalRows         int
	ProcessedRows     int
	PropertiesCreated int
	ViolationsCreated int
	ErrorMessage      *string
	StartedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsTerminal reports whether the job can no longer change state.
func (j *UploadJob) IsTerminal() bool {
	return j.Status == UploadStatusComplete || j.Status == UploadStatusFailed
}

// UploadJobsRepository manages upload_jobs rows. The db field accepts either
// the pool or an open transaction (pgx.Tx satisfies DB).
type UploadJobsRepository struct {
	db DB
}

func NewUploadJobsRepository(db DB) *UploadJobsRepository {
	return &UploadJobsRepository{db: db}
}

const uploadJobColumns = `id, status, filename, city, state, county,
       total_rows, processed_rows, properties_created, violations_created,
       error_message, started_at, created_at, updated_at`

func (r *UploadJobsRepository) Create(ctx context.Context, job *UploadJob) error {
	const query = `
		INSERT INTO upload_jobs (id, status, filename, city, state, county, total_rows)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	status := job.Status
	if status == "" {
		status = UploadStatusQueued
	}

	_, err := r.queryer().Exec(ctx, query,
		job.ID, status, job.Filename, job.City, job.State, job.County, job.TotalRows,
	)
	if err != nil {
		return fmt.Errorf("create upload job: %w", err)
	}
	return nil
}

func (r *UploadJobsRepository) GetByID(ctx context.Context, id string) (*UploadJob, error) {
	query := `SELECT ` + uploadJobColumns + ` FROM upload_jobs WHERE id = $1`

	job, err := scanUploadJob(r.queryer().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadJobNotFound
		}
		return nil, fmt.Errorf("get upload job: %w", err)
	}
	return job, nil
}

// AdvanceStatus moves the job to the next stage and refreshes the heartbeat.
// The first advance out of QUEUED also stamps started_at.
func (r *UploadJobsRepository) AdvanceStatus(ctx context.Context, id, status string) error {
	const query = `
		UPDATE upload_jobs
		SET status = $2,
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.queryer().Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("advance upload job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadJobNotFound
	}
	return nil
}

// UpdateProgress records row counts for progress rendering and refreshes the
// heartbeat. processed never moves backward: the monitor may re-run a stage,
// and the progress bar must stay monotonic.
func (r *UploadJobsRepository) UpdateProgress(ctx context.Context, id string, processedRows, totalRows int) error {
	const query = `
		UPDATE upload_jobs
		SET processed_rows = GREATEST(processed_rows, $2),
		    total_rows = $3,
		    updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, processedRows, totalRows); err != nil {
		return fmt.Errorf("update upload job progress: %w", err)
	}
	return nil
}

func (r *UploadJobsRepository) SetCreatedCounts(ctx context.Context, id string, properties, violations int) error {
	const query = `
		UPDATE upload_jobs
		SET properties_created = $2,
		    violations_created = $3,
		    updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, properties, violations); err != nil {
		return fmt.Errorf("set upload job counts: %w", err)
	}
	return nil
}

func (r *UploadJobsRepository) MarkComplete(ctx context.Context, id string) error {
	const query = `
		UPDATE upload_jobs
		SET status = $2, error_message = NULL, updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, UploadStatusComplete); err != nil {
		return fmt.Errorf("complete upload job: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failure with a captured message. The job is
// otherwise left where it stopped for diagnostic inspection.
func (r *UploadJobsRepository) MarkFailed(ctx context.Context, id, message string) error {
	const query = `
		UPDATE upload_jobs
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, UploadStatusFailed, message); err != nil {
		return fmt.Errorf("fail upload job: %w", err)
	}
	return nil
}

// ResetToQueued is the monitor's recovery path for a stalled job.
func (r *UploadJobsRepository) ResetToQueued(ctx context.Context, id string) error {
	const query = `
		UPDATE upload_jobs
		SET status = $2, error_message = NULL, updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, UploadStatusQueued); err != nil {
		return fmt.Errorf("reset upload job: %w", err)
	}
	return nil
}

// FindStuck returns non-terminal jobs whose heartbeat is older than the
// threshold.
func (r *UploadJobsRepository) FindStuck(ctx context.Context, olderThan time.Duration) ([]UploadJob, error) {
	query := `
		SELECT ` + uploadJobColumns + `
		FROM upload_jobs
		WHERE status = ANY($1)
		  AND updated_at < now() - $2::interval
		ORDER BY updated_at ASC
	`

	rows, err := r.queryer().Query(ctx, query, NonTerminalUploadStatuses, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("find stuck upload jobs: %w", err)
	}
	defer rows.Close()

	return collectUploadJobs(rows)
}

// FindOrphaned returns QUEUED jobs that were never picked up: no started_at
// and older than the grace period.
func (r *UploadJobsRepository) FindOrphaned(ctx context.Context, olderThan time.Duration) ([]UploadJob, error) {
	query := `
		SELECT ` + uploadJobColumns + `
		FROM upload_jobs
		WHERE status = $1
		  AND started_at IS NULL
		  AND created_at < now() - $2::interval
		ORDER BY created_at ASC
	`

	rows, err := r.queryer().Query(ctx, query, UploadStatusQueued, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("find orphaned upload jobs: %w", err)
	}
	defer rows.Close()

	return collectUploadJobs(rows)
}

func collectUploadJobs(rows pgx.Rows) ([]UploadJob, error) {
	var jobs []UploadJob
	for rows.Next() {
		job, err := scanUploadJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload jobs: %w", err)
	}
	return jobs, nil
}

func scanUploadJob(row pgx.Row) (*UploadJob, error) {
	var job UploadJob
	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Filename,
		&job.City,
		&job.State,
		&job.County,
		&job.TotalRows,
		&job.ProcessedRows,
		&job.PropertiesCreated,
		&job.ViolationsCreated,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *UploadJobsRepository) queryer() DB {
	return r.db
}
