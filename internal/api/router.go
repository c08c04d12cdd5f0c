package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parcelworks/server/internal/api/handlers"
	"github.com/parcelworks/server/internal/api/middleware"
	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/ingest"
	"github.com/parcelworks/server/internal/jobs"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// Deps carries the wired services the router exposes.
type Deps struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Pool        *pgxpool.Pool
	Repo        *postgres.Repository
	Pipeline    *ingest.Pipeline
	Enqueuer    *jobs.Enqueuer
	Monitor     *jobs.Monitor
	RiverClient *river.Client[pgx.Tx]
	Version     string
	GitCommit   string
}

// NewRouter assembles the HTTP surface: upload ingestion, job status,
// geocoding control, the monitor sweep, health, and metrics.
func NewRouter(deps Deps) http.Handler {
	env := deps.Config.Environment
	logger := deps.Logger

	uploadsHandler := handlers.NewUploadsHandler(deps.Repo, deps.Pipeline, deps.Enqueuer, env, logger)
	geocodingHandler := handlers.NewGeocodingHandler(deps.Repo, deps.Enqueuer, env, logger)
	monitorHandler := handlers.NewMonitorHandler(deps.Monitor, logger)
	healthChecker := handlers.NewHealthChecker(deps.Pool, deps.RiverClient, deps.Version, deps.GitCommit)

	jsonBody := middleware.DefaultRequestSize()
	uploadBody := middleware.UploadRequestSize()

	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.Healthz())
	mux.Handle("/readyz", handlers.Readyz())
	mux.Handle("/health", healthChecker.Health())
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	route := func(path string, handler http.Handler) {
		mux.Handle(path, metrics.InstrumentHandler(path, handler))
	}

	route("/api/v1/uploads", methodMux(map[string]http.Handler{
		http.MethodPost: uploadBody(http.HandlerFunc(uploadsHandler.Create)),
	}))
	route("/api/v1/upload-jobs/{id}", methodMux(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(uploadsHandler.Get),
	}))
	route("/api/v1/upload-jobs/{id}/process", methodMux(map[string]http.Handler{
		http.MethodPost: jsonBody(http.HandlerFunc(uploadsHandler.Process)),
	}))
	route("/api/v1/geocoding-jobs", methodMux(map[string]http.Handler{
		http.MethodPost: jsonBody(http.HandlerFunc(geocodingHandler.Create)),
	}))
	route("/api/v1/geocoding-jobs/{id}", methodMux(map[string]http.Handler{
		http.MethodGet: http.HandlerFunc(geocodingHandler.Get),
	}))
	route("/api/v1/geocoding-jobs/{id}/run", methodMux(map[string]http.Handler{
		http.MethodPost: jsonBody(http.HandlerFunc(geocodingHandler.Run)),
	}))
	route("/api/v1/monitor/sweep", methodMux(map[string]http.Handler{
		http.MethodPost: jsonBody(http.HandlerFunc(monitorHandler.Sweep)),
	}))

	chain := middleware.CorrelationID(logger)(middleware.RequestLogging(logger)(mux))
	return chain
}

func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
