package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/geocoding"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// GeocodeBatchArgs defines one batch iteration of a geocoding job.
type GeocodeBatchArgs struct {
	GeocodingJobID string `json:"geocoding_job_id"`
}

func (GeocodeBatchArgs) Kind() string { return JobKindGeocodeBatch }

// GeocodeBatchWorker processes one batch of properties missing coordinates,
// then re-enqueues itself while the remaining pool is above the continuation
// threshold. The batch claims work by querying latitude IS NULL, so crashed
// or duplicate invocations converge: whatever was written stays written, and
// the next batch claims only what is still missing.
//
// Outcomes per property:
//   - resolved: coordinates written
//   - no match / unroutable address: the 0,0 sentinel is written so the
//     property is never re-selected
//   - transient provider error: left NULL, picked up by a later batch
type GeocodeBatchWorker struct {
	river.WorkerDefaults[GeocodeBatchArgs]
	Repo    *postgres.Repository
	Service *geocoding.Service
	Config  config.GeocodingConfig
	Logger  zerolog.Logger

	// Continue enqueues the next batch iteration. When nil, the worker
	// inserts through the River client carried in the work context.
	Continue func(ctx context.Context, geocodingJobID string) error
}

func (GeocodeBatchWorker) Kind() string { return JobKindGeocodeBatch }

func (w GeocodeBatchWorker) Work(ctx context.Context, job *river.Job[GeocodeBatchArgs]) error {
	if w.Repo == nil {
		return fmt.Errorf("repository not configured")
	}
	if w.Service == nil {
		return fmt.Errorf("geocoding service not configured")
	}

	jobID := job.Args.GeocodingJobID
	if jobID == "" {
		return fmt.Errorf("geocoding_job_id is required")
	}

	geocodingJob, err := w.Repo.GeocodingJobs().GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load geocoding job %s: %w", jobID, err)
	}
	if geocodingJob.IsTerminal() {
		w.Logger.Info().Str("geocoding_job_id", jobID).Str("status", geocodingJob.Status).Msg("geocoding job already terminal")
		return nil
	}

	if err := w.Repo.GeocodingJobs().MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("mark geocoding job running: %w", err)
	}

	batch, err := w.Repo.Properties().ListNeedingGeocoding(ctx, w.Config.BatchSize)
	if err != nil {
		return fmt.Errorf("claim geocoding batch: %w", err)
	}
	if len(batch) == 0 {
		metrics.GeocodingRemaining.Set(0)
		if err := w.Repo.GeocodingJobs().MarkCompleted(ctx, jobID); err != nil {
			return fmt.Errorf("complete geocoding job: %w", err)
		}
		w.Logger.Info().Str("geocoding_job_id", jobID).Msg("geocoding pool drained, job completed")
		return nil
	}

	outcome := w.resolveBatch(ctx, batch)

	if err := w.Repo.Properties().UpdateCoordinates(ctx, outcome.updates); err != nil {
		return fmt.Errorf("write coordinates: %w", err)
	}

	failed := outcome.noMatch + outcome.transient
	if err := w.Repo.GeocodingJobs().AccumulateCounts(ctx, jobID, outcome.geocoded, failed, outcome.skipped, len(batch)); err != nil {
		return fmt.Errorf("accumulate geocoding counts: %w", err)
	}

	// The remaining pool is always recomputed from storage rather than
	// derived from counters; duplicate invocations make counters approximate.
	remaining, err := w.Repo.Properties().CountNeedingGeocoding(ctx)
	if err != nil {
		return fmt.Errorf("count remaining pool: %w", err)
	}
	metrics.GeocodingRemaining.Set(float64(remaining))

	w.Logger.Info().
		Str("geocoding_job_id", jobID).
		Int("batch_size", len(batch)).
		Int("geocoded", outcome.geocoded).
		Int("no_match", outcome.noMatch).
		Int("skipped", outcome.skipped).
		Int("transient_errors", outcome.transient).
		Int64("remaining", remaining).
		Msg("geocoding batch processed")

	if remaining <= int64(w.Config.ContinueAbove) {
		if err := w.Repo.GeocodingJobs().MarkCompleted(ctx, jobID); err != nil {
			return fmt.Errorf("complete geocoding job: %w", err)
		}
		return nil
	}

	// Only transient errors left means no write reduced the pool; fail the
	// attempt so River applies backoff instead of hot-looping on a dead
	// provider.
	if outcome.geocoded+outcome.noMatch+outcome.skipped == 0 {
		return fmt.Errorf("geocoding batch made no progress (%d transient errors)", outcome.transient)
	}

	if err := w.continueBatch(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue continuation batch: %w", err)
	}
	return nil
}

func (w GeocodeBatchWorker) continueBatch(ctx context.Context, jobID string) error {
	if w.Continue != nil {
		return w.Continue(ctx, jobID)
	}
	client := river.ClientFromContext[pgx.Tx](ctx)
	opts := InsertOptsForKind(JobKindGeocodeBatch)
	_, err := client.Insert(ctx, GeocodeBatchArgs{GeocodingJobID: jobID}, &opts)
	return err
}

type batchOutcome struct {
	updates   []postgres.CoordinateUpdate
	geocoded  int
	noMatch   int
	skipped   int
	transient int
}

// resolveBatch geocodes the batch in fixed-size chunks with bounded
// concurrency. Provider rate limiting lives in the clients; the chunk limit
// only bounds in-flight work.
func (w GeocodeBatchWorker) resolveBatch(ctx context.Context, batch []postgres.Property) *batchOutcome {
	outcome := &batchOutcome{}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.Config.ChunkConcurrency)

	for start := 0; start < len(batch); start += w.Config.ChunkSize {
		end := start + w.Config.ChunkSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		group.Go(func() error {
			for _, property := range chunk {
				// Component check runs before formatting: a bare street
				// address with no city/state would otherwise survive the
				// formatted-line validation and spend a provider call.
				var coords *geocoding.Coordinates
				err := geocoding.ValidateComponents(property.Address, property.City, property.State)
				if err == nil {
					address := geocoding.FormatAddress(property.Address, property.City, property.State, property.Zip)
					coords, err = w.Service.Resolve(groupCtx, address)
				} else {
					metrics.GeocodingRequestsTotal.WithLabelValues("prevalidation", "skipped").Inc()
				}

				mu.Lock()
				switch {
				case err == nil:
					outcome.updates = append(outcome.updates, postgres.CoordinateUpdate{
						PropertyID: property.ID,
						Latitude:   coords.Latitude,
						Longitude:  coords.Longitude,
					})
					outcome.geocoded++
					metrics.GeocodingPropertiesTotal.WithLabelValues("geocoded").Inc()
				case errors.Is(err, geocoding.ErrAddressUnroutable):
					outcome.updates = append(outcome.updates, postgres.CoordinateUpdate{
						PropertyID: property.ID,
						Latitude:   postgres.UngeocodableLat,
						Longitude:  postgres.UngeocodableLon,
					})
					outcome.skipped++
					metrics.GeocodingPropertiesTotal.WithLabelValues("skipped").Inc()
				case errors.Is(err, geocoding.ErrNoMatch):
					outcome.updates = append(outcome.updates, postgres.CoordinateUpdate{
						PropertyID: property.ID,
						Latitude:   postgres.UngeocodableLat,
						Longitude:  postgres.UngeocodableLon,
					})
					outcome.noMatch++
					metrics.GeocodingPropertiesTotal.WithLabelValues("no_match").Inc()
				default:
					outcome.transient++
					metrics.GeocodingPropertiesTotal.WithLabelValues("error").Inc()
					w.Logger.Warn().Err(err).Str("property_id", property.ID).Msg("transient geocoding failure, property stays in pool")
				}
				mu.Unlock()

				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
			}
			return nil
		})
	}

	// Partial results are still written when the context dies mid-batch.
	_ = group.Wait()
	return outcome
}
