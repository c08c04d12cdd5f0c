package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/parcelworks")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(25<<20), cfg.Server.MaxUploadSize)
	assert.Equal(t, []string{"nominatim", "census"}, cfg.Geocoding.ProviderOrder)
	assert.Equal(t, 5*time.Second, cfg.Geocoding.CallTimeout)
	assert.Equal(t, 200, cfg.Geocoding.BatchSize)
	assert.Equal(t, 25, cfg.Geocoding.ChunkSize)
	assert.Equal(t, 1000, cfg.Pipeline.ViolationBatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Monitor.UploadStuckAfter)
	assert.Equal(t, time.Hour, cfg.Monitor.OrphanedQueuedAfter)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/parcelworks")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("GEOCODING_PROVIDER_ORDER", "census, nominatim")
	t.Setenv("GEOCODING_CALL_TIMEOUT", "3s")
	t.Setenv("MONITOR_UPLOAD_STUCK_AFTER", "5m")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"census", "nominatim"}, cfg.Geocoding.ProviderOrder)
	assert.Equal(t, 3*time.Second, cfg.Geocoding.CallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.UploadStuckAfter)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/parcelworks")
	t.Setenv("GEOCODING_PROVIDER_ORDER", "nominatim,google")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google")
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/parcelworks")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}
