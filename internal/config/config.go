package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
	Tracing     TracingConfig
	Geocoding   GeocodingConfig
	Pipeline    PipelineConfig
	Monitor     MonitorConfig
	Environment string
}

type ServerConfig struct {
	Host          string
	Port          int
	BaseURL       string
	MaxUploadSize int64
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdle        int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

// GeocodingConfig controls the provider resolution chain. ProviderOrder lists
// providers first-to-last; the first is primary, the rest are fallbacks tried
// in order.
type GeocodingConfig struct {
	ProviderOrder          []string
	NominatimBaseURL       string
	NominatimEmail         string
	CensusBaseURL          string
	CallTimeout            time.Duration
	FallbackDelay          time.Duration
	BatchSize              int
	ChunkSize              int
	ChunkConcurrency       int
	ContinueAbove          int
	MaxConsecutiveTimeouts int
	CooldownDelay          time.Duration
}

type PipelineConfig struct {
	ViolationBatchSize   int
	PropertyBatchSize    int
	StagingRetentionDays int
}

type MonitorConfig struct {
	SweepInterval       time.Duration
	UploadStuckAfter    time.Duration
	GeocodingStuckAfter time.Duration
	OrphanedQueuedAfter time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("SERVER_PORT", 8080),
			BaseURL:       getEnv("SERVER_BASE_URL", "http://localhost:8080"),
			MaxUploadSize: int64(getEnvInt("SERVER_MAX_UPLOAD_MB", 25)) << 20,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 25),
			MaxIdle:        getEnvInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "stdout"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "parcelworks-server"),
			OTLPEndpoint: getEnv("TRACING_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Geocoding: GeocodingConfig{
			ProviderOrder:          splitList(getEnv("GEOCODING_PROVIDER_ORDER", "nominatim,census")),
			NominatimBaseURL:       getEnv("GEOCODING_NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
			NominatimEmail:         getEnv("GEOCODING_NOMINATIM_EMAIL", ""),
			CensusBaseURL:          getEnv("GEOCODING_CENSUS_URL", "https://geocoding.geo.census.gov"),
			CallTimeout:            getEnvDuration("GEOCODING_CALL_TIMEOUT", 5*time.Second),
			FallbackDelay:          getEnvDuration("GEOCODING_FALLBACK_DELAY", 1100*time.Millisecond),
			BatchSize:              getEnvInt("GEOCODING_BATCH_SIZE", 200),
			ChunkSize:              getEnvInt("GEOCODING_CHUNK_SIZE", 25),
			ChunkConcurrency:       getEnvInt("GEOCODING_CHUNK_CONCURRENCY", 10),
			ContinueAbove:          getEnvInt("GEOCODING_CONTINUE_THRESHOLD", 0),
			MaxConsecutiveTimeouts: getEnvInt("GEOCODING_MAX_CONSECUTIVE_TIMEOUTS", 5),
			CooldownDelay:          getEnvDuration("GEOCODING_COOLDOWN_DELAY", 10*time.Second),
		},
		Pipeline: PipelineConfig{
			ViolationBatchSize:   getEnvInt("PIPELINE_VIOLATION_BATCH_SIZE", 1000),
			PropertyBatchSize:    getEnvInt("PIPELINE_PROPERTY_BATCH_SIZE", 500),
			StagingRetentionDays: getEnvInt("PIPELINE_STAGING_RETENTION_DAYS", 7),
		},
		Monitor: MonitorConfig{
			SweepInterval:       getEnvDuration("MONITOR_SWEEP_INTERVAL", 2*time.Minute),
			UploadStuckAfter:    getEnvDuration("MONITOR_UPLOAD_STUCK_AFTER", 10*time.Minute),
			GeocodingStuckAfter: getEnvDuration("MONITOR_GEOCODING_STUCK_AFTER", 30*time.Minute),
			OrphanedQueuedAfter: getEnvDuration("MONITOR_ORPHANED_QUEUED_AFTER", time.Hour),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.Geocoding.ProviderOrder) == 0 {
		return Config{}, fmt.Errorf("GEOCODING_PROVIDER_ORDER must name at least one provider")
	}
	for _, provider := range cfg.Geocoding.ProviderOrder {
		switch provider {
		case "nominatim", "census":
		default:
			return Config{}, fmt.Errorf("unknown geocoding provider %q", provider)
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}
