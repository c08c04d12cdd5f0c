package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parcelworks/server/internal/api"
	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/geocoding"
	"github.com/parcelworks/server/internal/ingest"
	"github.com/parcelworks/server/internal/jobs"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/parcelworks/server/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Server flags (override config/env)
	serverHost string
	serverPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ParcelWorks HTTP server and job workers",
	Long: `Start the HTTP server and the River background workers.

The server will:
- Load configuration from environment variables
- Start ingestion, geocoding, monitor, and cleanup workers
- Serve the upload and job-status API
- Handle graceful shutdown on SIGINT/SIGTERM

Examples:
  # Start with default configuration (from env vars)
  server serve

  # Start on a specific host and port
  server serve --host 127.0.0.1 --port 9090

  # Start with debug logging
  server serve --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	// Server-specific flags
	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "server port (default: 8080)")
}

// deferredEnqueuer breaks the construction cycle between the pipeline (which
// needs an enqueuer) and the River client (which needs the workers that hold
// the pipeline). Set is called once wiring completes.
type deferredEnqueuer struct {
	inner *jobs.Enqueuer
}

func (d *deferredEnqueuer) Set(inner *jobs.Enqueuer) { d.inner = inner }

func (d *deferredEnqueuer) TriggerGeocoding(ctx context.Context) error {
	if d.inner == nil {
		return fmt.Errorf("enqueuer not initialized")
	}
	return d.inner.TriggerGeocoding(ctx)
}

func (d *deferredEnqueuer) EnqueueProcessUpload(ctx context.Context, uploadJobID string) error {
	if d.inner == nil {
		return fmt.Errorf("enqueuer not initialized")
	}
	return d.inner.EnqueueProcessUpload(ctx, uploadJobID)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	// Override config with flags if provided
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Msg("starting parcelworks server")

	metrics.Init(Version, GitCommit, BuildDate)

	if cfg.Tracing.Enabled {
		shutdownTracing, err := telemetry.InitTracing(context.Background(), cfg.Tracing, Version)
		if err != nil {
			logger.Warn().Err(err).Msg("tracing init failed, continuing without tracing")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(ctx)
			}()
		}
	}

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(poolCtx, cfg.Database)
	poolCancel()
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	repo, err := postgres.NewRepository(pool)
	if err != nil {
		return fmt.Errorf("repository init failed: %w", err)
	}

	// Database pool metrics, collected every 15 seconds
	dbCollector := metrics.NewDBCollector(pool)
	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	go dbCollector.Start(collectorCtx, 15*time.Second)
	defer collectorCancel()
	defer dbCollector.Stop()

	geocoder, err := geocoding.NewServiceFromConfig(cfg.Geocoding, logger)
	if err != nil {
		return fmt.Errorf("geocoding init failed: %w", err)
	}

	enqueuer := &deferredEnqueuer{}
	deduper := ingest.NewDeduper(repo.Properties(), cfg.Pipeline.PropertyBatchSize, logger)
	pipeline := ingest.NewPipeline(repo, deduper, enqueuer, cfg.Pipeline.ViolationBatchSize, logger)
	monitor := jobs.NewMonitor(repo, enqueuer, cfg.Monitor, logger)

	workers := jobs.NewWorkers(jobs.WorkerDeps{
		Repo:             repo,
		Pipeline:         pipeline,
		Geocoder:         geocoder,
		Monitor:          monitor,
		GeocodingConfig:  cfg.Geocoding,
		StagingRetention: time.Duration(cfg.Pipeline.StagingRetentionDays) * 24 * time.Hour,
		Logger:           logger,
	})

	riverClient, err := jobs.NewClient(pool, workers, slog.Default(), jobs.NewPeriodicJobs(&cfg))
	if err != nil {
		return fmt.Errorf("river client init failed: %w", err)
	}
	enqueuer.Set(jobs.NewEnqueuer(riverClient, repo, logger))

	riverCtx, riverCancel := context.WithCancel(context.Background())
	defer riverCancel()
	if err := riverClient.Start(riverCtx); err != nil {
		return fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().Msg("river background job workers started")
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("river workers shutdown error")
		} else {
			logger.Info().Msg("river workers stopped")
		}
	}()

	handler := api.NewRouter(api.Deps{
		Config:      &cfg,
		Logger:      logger,
		Pool:        pool,
		Repo:        repo,
		Pipeline:    pipeline,
		Enqueuer:    enqueuer.inner,
		Monitor:     monitor,
		RiverClient: riverClient,
		Version:     Version,
		GitCommit:   GitCommit,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       60 * time.Second, // CSV uploads can be large
		WriteTimeout:      60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	return gracefulShutdown(server, logger)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	// Override logging from flags if provided
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	return cfg, nil
}

func gracefulShutdown(server *http.Server, logger zerolog.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
