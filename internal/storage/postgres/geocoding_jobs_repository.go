package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Geocoding job statuses.
const (
	GeocodingStatusQueued    = "queued"
	GeocodingStatusRunning   = "running"
	GeocodingStatusCompleted = "completed"
	GeocodingStatusFailed    = "failed"
)

// ErrGeocodingJobNotFound is returned when a geocoding job id does not exist.
var ErrGeocodingJobNotFound = errors.New("geocoding job not found")

// GeocodingJob tracks one enrichment run over the global pool of properties
// missing coordinates. Counters accumulate across batch invocations and are
// approximate telemetry; the remaining-pool count is always recomputed from
// the properties table.
type GeocodingJob struct {
	ID              string
	Status          string
	TotalProperties int
	GeocodedCount   int
	FailedCount     int
	SkippedCount    int
	ErrorMessage    *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the job can no longer change state.
func (j *GeocodingJob) IsTerminal() bool {
	return j.Status == GeocodingStatusCompleted || j.Status == GeocodingStatusFailed
}

type GeocodingJobsRepository struct {
	db DB
}

func NewGeocodingJobsRepository(db DB) *GeocodingJobsRepository {
	return &GeocodingJobsRepository{db: db}
}

const geocodingJobColumns = `id, status, total_properties, geocoded_count,
       failed_count, skipped_count, error_message,
       started_at, finished_at, created_at, updated_at`

func (r *GeocodingJobsRepository) Create(ctx context.Context, job *GeocodingJob) error {
	const query = `
		INSERT INTO geocoding_jobs (id, status, total_properties)
		VALUES ($1, $2, $3)
	`

	status := job.Status
	if status == "" {
		status = GeocodingStatusQueued
	}

	if _, err := r.queryer().Exec(ctx, query, job.ID, status, job.TotalProperties); err != nil {
		return fmt.Errorf("create geocoding job: %w", err)
	}
	return nil
}

func (r *GeocodingJobsRepository) GetByID(ctx context.Context, id string) (*GeocodingJob, error) {
	query := `SELECT ` + geocodingJobColumns + ` FROM geocoding_jobs WHERE id = $1`

	job, err := scanGeocodingJob(r.queryer().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGeocodingJobNotFound
		}
		return nil, fmt.Errorf("get geocoding job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions the job to running, stamping started_at on the
// first batch only.
func (r *GeocodingJobsRepository) MarkRunning(ctx context.Context, id string) error {
	const query = `
		UPDATE geocoding_jobs
		SET status = $2,
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.queryer().Exec(ctx, query, id, GeocodingStatusRunning)
	if err != nil {
		return fmt.Errorf("mark geocoding job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGeocodingJobNotFound
	}
	return nil
}

// AccumulateCounts adds one batch's outcome counters onto the job row.
func (r *GeocodingJobsRepository) AccumulateCounts(ctx context.Context, id string, geocoded, failed, skipped, totalSeen int) error {
	const query = `
		UPDATE geocoding_jobs
		SET geocoded_count = geocoded_count + $2,
		    failed_count = failed_count + $3,
		    skipped_count = skipped_count + $4,
		    total_properties = total_properties + $5,
		    updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, geocoded, failed, skipped, totalSeen); err != nil {
		return fmt.Errorf("accumulate geocoding counts: %w", err)
	}
	return nil
}

func (r *GeocodingJobsRepository) MarkCompleted(ctx context.Context, id string) error {
	const query = `
		UPDATE geocoding_jobs
		SET status = $2, finished_at = now(), updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, GeocodingStatusCompleted); err != nil {
		return fmt.Errorf("complete geocoding job: %w", err)
	}
	return nil
}

func (r *GeocodingJobsRepository) MarkFailed(ctx context.Context, id, message string) error {
	const query = `
		UPDATE geocoding_jobs
		SET status = $2, error_message = $3, finished_at = now(), updated_at = now()
		WHERE id = $1
	`

	if _, err := r.queryer().Exec(ctx, query, id, GeocodingStatusFailed, message); err != nil {
		return fmt.Errorf("fail geocoding job: %w", err)
	}
	return nil
}

// FindStuck returns queued/running jobs created before the staleness cutoff.
// Geocoding is idempotent, so the monitor force-fails these rather than
// resuming them.
func (r *GeocodingJobsRepository) FindStuck(ctx context.Context, olderThan time.Duration) ([]GeocodingJob, error) {
	query := `
		SELECT ` + geocodingJobColumns + `
		FROM geocoding_jobs
		WHERE status = ANY($1)
		  AND created_at < now() - $2::interval
		ORDER BY created_at ASC
	`

	statuses := []string{GeocodingStatusQueued, GeocodingStatusRunning}
	rows, err := r.queryer().Query(ctx, query, statuses, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("find stuck geocoding jobs: %w", err)
	}
	defer rows.Close()

	var jobs []GeocodingJob
	for rows.Next() {
		job, err := scanGeocodingJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan geocoding job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geocoding jobs: %w", err)
	}
	return jobs, nil
}

func scanGeocodingJob(row pgx.Row) (*GeocodingJob, error) {
	var job GeocodingJob
	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.TotalProperties,
		&job.GeocodedCount,
		&job.FailedCount,
		&job.SkippedCount,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.FinishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *GeocodingJobsRepository) queryer() DB {
	return r.db
}
