package jobs

import (
	"context"
	"fmt"

	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// UploadResubmitter re-enqueues upload jobs the monitor recovers.
type UploadResubmitter interface {
	EnqueueProcessUpload(ctx context.Context, uploadJobID string) error
}

// SweepResult summarizes one monitor pass.
type SweepResult struct {
	UploadJobsReset    int      `json:"upload_jobs_reset"`
	GeocodingJobsReset int      `json:"geocoding_jobs_reset"`
	OrphansResubmitted int      `json:"orphans_resubmitted"`
	Errors             []string `json:"errors,omitempty"`
}

// Monitor is the job-health safety net. Each sweep runs three independent
// checks; a failure in one check never blocks the others:
//
//  1. Upload jobs stuck mid-pipeline (stale heartbeat) are reset to queued
//     and resubmitted.
//  2. Geocoding jobs stalled past the staleness cutoff are force-failed; the
//     next upload or manual trigger starts a fresh job over the same pool.
//  3. Queued upload jobs that were never picked up are resubmitted.
type Monitor struct {
	repo     *postgres.Repository
	resubmit UploadResubmitter
	cfg      config.MonitorConfig
	logger   zerolog.Logger
}

func NewMonitor(repo *postgres.Repository, resubmit UploadResubmitter, cfg config.MonitorConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{repo: repo, resubmit: resubmit, cfg: cfg, logger: logger}
}

// Sweep runs all three checks and reports what was recovered. The returned
// result is always usable; per-check failures are collected into Errors.
func (m *Monitor) Sweep(ctx context.Context) *SweepResult {
	result := &SweepResult{}

	m.sweepStuckUploads(ctx, result)
	m.sweepStuckGeocoding(ctx, result)
	m.sweepOrphanedUploads(ctx, result)

	if result.UploadJobsReset+result.GeocodingJobsReset+result.OrphansResubmitted > 0 || len(result.Errors) > 0 {
		m.logger.Info().
			Int("upload_jobs_reset", result.UploadJobsReset).
			Int("geocoding_jobs_reset", result.GeocodingJobsReset).
			Int("orphans_resubmitted", result.OrphansResubmitted).
			Int("errors", len(result.Errors)).
			Msg("monitor sweep finished")
	}
	return result
}

func (m *Monitor) sweepStuckUploads(ctx context.Context, result *SweepResult) {
	stuck, err := m.repo.UploadJobs().FindStuck(ctx, m.cfg.UploadStuckAfter)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("find stuck uploads: %v", err))
		return
	}

	for _, job := range stuck {
		// Queued jobs with a stale clock belong to the orphan check.
		if job.Status == postgres.UploadStatusQueued {
			continue
		}

		if err := m.repo.UploadJobs().ResetToQueued(ctx, job.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reset upload %s: %v", job.ID, err))
			continue
		}
		result.UploadJobsReset++
		metrics.MonitorResetsTotal.WithLabelValues("upload_reset").Inc()

		m.logger.Warn().
			Str("upload_job_id", job.ID).
			Str("stuck_in", job.Status).
			Msg("stuck upload job reset to queued")

		if m.resubmit != nil {
			if err := m.resubmit.EnqueueProcessUpload(ctx, job.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("resubmit upload %s: %v", job.ID, err))
			}
		}
	}
}

func (m *Monitor) sweepStuckGeocoding(ctx context.Context, result *SweepResult) {
	stuck, err := m.repo.GeocodingJobs().FindStuck(ctx, m.cfg.GeocodingStuckAfter)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("find stuck geocoding jobs: %v", err))
		return
	}

	for _, job := range stuck {
		message := fmt.Sprintf("stalled in %s beyond %s, force-failed by monitor", job.Status, m.cfg.GeocodingStuckAfter)
		if err := m.repo.GeocodingJobs().MarkFailed(ctx, job.ID, message); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fail geocoding job %s: %v", job.ID, err))
			continue
		}
		result.GeocodingJobsReset++
		metrics.MonitorResetsTotal.WithLabelValues("geocoding_failed").Inc()

		m.logger.Warn().
			Str("geocoding_job_id", job.ID).
			Str("stuck_in", job.Status).
			Msg("stalled geocoding job force-failed")
	}
}

func (m *Monitor) sweepOrphanedUploads(ctx context.Context, result *SweepResult) {
	orphans, err := m.repo.UploadJobs().FindOrphaned(ctx, m.cfg.OrphanedQueuedAfter)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("find orphaned uploads: %v", err))
		return
	}

	if m.resubmit == nil {
		if len(orphans) > 0 {
			result.Errors = append(result.Errors, "resubmitter not configured, orphans left queued")
		}
		return
	}

	for _, job := range orphans {
		if err := m.resubmit.EnqueueProcessUpload(ctx, job.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("resubmit orphan %s: %v", job.ID, err))
			continue
		}
		result.OrphansResubmitted++
		metrics.MonitorResetsTotal.WithLabelValues("orphan_resubmitted").Inc()

		m.logger.Warn().
			Str("upload_job_id", job.ID).
			Msg("orphaned queued upload resubmitted")
	}
}

// MonitorSweepArgs defines the periodic job-health sweep.
type MonitorSweepArgs struct{}

func (MonitorSweepArgs) Kind() string { return JobKindMonitorSweep }

// MonitorSweepWorker runs one monitor sweep.
type MonitorSweepWorker struct {
	river.WorkerDefaults[MonitorSweepArgs]
	Monitor *Monitor
}

func (MonitorSweepWorker) Kind() string { return JobKindMonitorSweep }

func (w MonitorSweepWorker) Work(ctx context.Context, job *river.Job[MonitorSweepArgs]) error {
	if w.Monitor == nil {
		return fmt.Errorf("monitor not configured")
	}

	result := w.Monitor.Sweep(ctx)
	if len(result.Errors) > 0 {
		return fmt.Errorf("monitor sweep finished with %d errors: %s", len(result.Errors), result.Errors[0])
	}
	return nil
}
