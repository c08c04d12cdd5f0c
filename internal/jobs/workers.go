package jobs

import (
	"time"

	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/geocoding"
	"github.com/parcelworks/server/internal/ingest"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// WorkerDeps carries everything the registered workers need.
type WorkerDeps struct {
	Repo     *postgres.Repository
	Pipeline *ingest.Pipeline
	Geocoder *geocoding.Service
	Monitor  *Monitor

	GeocodingConfig  config.GeocodingConfig
	StagingRetention time.Duration

	Logger zerolog.Logger
}

// NewWorkers registers the full worker set.
func NewWorkers(deps WorkerDeps) *river.Workers {
	workers := river.NewWorkers()

	river.AddWorker[ProcessUploadArgs](workers, ProcessUploadWorker{
		Pipeline: deps.Pipeline,
		Logger:   deps.Logger,
	})
	river.AddWorker[GeocodeBatchArgs](workers, GeocodeBatchWorker{
		Repo:    deps.Repo,
		Service: deps.Geocoder,
		Config:  deps.GeocodingConfig,
		Logger:  deps.Logger,
	})
	river.AddWorker[MonitorSweepArgs](workers, MonitorSweepWorker{
		Monitor: deps.Monitor,
	})
	river.AddWorker[StagingCleanupArgs](workers, StagingCleanupWorker{
		Repo:      deps.Repo,
		Retention: deps.StagingRetention,
		Logger:    deps.Logger,
	})

	return workers
}
