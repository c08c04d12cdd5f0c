package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/jobs"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/spf13/cobra"
)

// sweepCmd runs one job-health sweep from the command line. Resubmission is
// unavailable without a running worker fleet, so orphans are only reported;
// stuck jobs are still reset and stalled geocoding jobs force-failed.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one job-health monitor sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		logger := config.NewLogger(cfg.Logging)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		repo, err := postgres.NewRepository(pool)
		if err != nil {
			return fmt.Errorf("repository init failed: %w", err)
		}

		monitor := jobs.NewMonitor(repo, nil, cfg.Monitor, logger)
		result := monitor.Sweep(ctx)

		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("encode sweep result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	},
}
