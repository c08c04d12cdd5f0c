package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all ParcelWorks metrics
const namespace = "parcelworks"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo exposes application version information as labels (value always 1)
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// UploadRowsTotal counts CSV rows seen by the ingestion pipeline by outcome
// (staged, missing_location, invalid).
var UploadRowsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_rows_total",
		Help:      "CSV rows processed by the ingestion pipeline, by outcome",
	},
	[]string{"outcome"},
)

// UploadJobsTotal counts upload jobs by terminal status.
var UploadJobsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_jobs_total",
		Help:      "Upload jobs reaching a terminal status",
	},
	[]string{"status"},
)

// PipelineStageDuration tracks wall time per pipeline stage.
var PipelineStageDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Duration of each ingestion pipeline stage",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	},
	[]string{"stage"},
)

// PropertiesCreatedTotal counts properties created by the dedup step.
var PropertiesCreatedTotal = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "properties_created_total",
		Help:      "Properties created by the deduplication step",
	},
)

// ViolationsCreatedTotal counts violations inserted.
var ViolationsCreatedTotal = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_created_total",
		Help:      "Violations inserted by the ingestion pipeline",
	},
)

// GeocodingRequestsTotal counts provider calls by provider and outcome
// (resolved, no_match, error, timeout).
var GeocodingRequestsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocoding_requests_total",
		Help:      "Geocoding provider calls, by provider and outcome",
	},
	[]string{"provider", "outcome"},
)

// GeocodingProviderLatency tracks provider call latency in seconds.
var GeocodingProviderLatency = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geocoding_provider_latency_seconds",
		Help:      "Latency of geocoding provider calls",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	},
	[]string{"provider"},
)

// GeocodingPropertiesTotal counts per-property resolution outcomes
// (geocoded, skipped, failed).
var GeocodingPropertiesTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocoding_properties_total",
		Help:      "Property geocoding resolutions, by outcome",
	},
	[]string{"outcome"},
)

// GeocodingRemaining tracks the unresolved-property pool size after each batch.
var GeocodingRemaining = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "geocoding_remaining_properties",
		Help:      "Properties still needing coordinates after the last batch",
	},
)

// MonitorResetsTotal counts monitor interventions by kind
// (upload_reset, upload_resubmitted, geocoding_failed).
var MonitorResetsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_resets_total",
		Help:      "Jobs reset, resubmitted, or force-failed by the health monitor",
	},
	[]string{"kind"},
)

// StagingRowsPurgedTotal counts staging rows removed by retention cleanup.
var StagingRowsPurgedTotal = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "staging_rows_purged_total",
		Help:      "Staging rows purged by the retention cleanup job",
	},
)

// Init registers runtime collectors and sets version info.
func Init(version, commit, buildDate string) {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
