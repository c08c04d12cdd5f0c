package jobs

import (
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parcelworks/server/internal/config"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

const (
	JobKindProcessUpload  = "process_upload"
	JobKindGeocodeBatch   = "geocode_batch"
	JobKindMonitorSweep   = "monitor_sweep"
	JobKindStagingCleanup = "staging_cleanup"
)

// QueueGeocoding is a dedicated queue with a single worker, so provider rate
// limits are enforced globally regardless of how many batches are queued.
const QueueGeocoding = "geocoding"

const (
	ProcessUploadMaxAttempts  = 3
	GeocodeBatchMaxAttempts   = 5
	MonitorSweepMaxAttempts   = 1
	StagingCleanupMaxAttempts = 3
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindProcessUpload: {
				MaxAttempts: ProcessUploadMaxAttempts,
				BaseDelay:   30 * time.Second,
				MaxDelay:    5 * time.Minute,
			},
			JobKindGeocodeBatch: {
				MaxAttempts: GeocodeBatchMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			JobKindMonitorSweep: {
				// Sweeps are periodic; a failed sweep waits for the next tick
				// instead of retrying.
				MaxAttempts: MonitorSweepMaxAttempts,
				BaseDelay:   0,
				MaxDelay:    0,
			},
			JobKindStagingCleanup: {
				MaxAttempts: StagingCleanupMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}

	return time.Now().Add(delay)
}

// InsertOptsForKind returns default insert options for a job kind.
func InsertOptsForKind(kind string) river.InsertOpts {
	policy := NewRetryPolicy().configFor(kind)
	opts := river.InsertOpts{MaxAttempts: policy.MaxAttempts}
	if kind == JobKindGeocodeBatch {
		opts.Queue = QueueGeocoding
	}
	return opts
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(workers *river.Workers, logger *slog.Logger, periodicJobs []*river.PeriodicJob) *river.Config {
	policy := NewRetryPolicy()
	config := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
			QueueGeocoding:     {MaxWorkers: 1}, // Single worker for rate limiting
		},
	}
	if logger != nil {
		config.Logger = logger
		config.ErrorHandler = NewAlertingErrorHandler(logger, nil)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, logger *slog.Logger, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(workers, logger, periodicJobs))
}

// NewPeriodicJobs builds the recurring schedule:
// - Monitor sweep: every cfg.Monitor.SweepInterval (default 2m), runs on start
// - Staging cleanup: daily
func NewPeriodicJobs(cfg *config.Config) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.Monitor.SweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return MonitorSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return StagingCleanupArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
