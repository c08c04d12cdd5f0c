package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/parcelworks/server/internal/api/problem"
	"github.com/parcelworks/server/internal/ids"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/rs/zerolog"
)

// GeocodeEnqueuer submits geocoding batch iterations.
type GeocodeEnqueuer interface {
	EnqueueGeocodeBatch(ctx context.Context, geocodingJobID string) error
}

// GeocodingHandler manages enrichment jobs over the pool of properties
// missing coordinates.
type GeocodingHandler struct {
	repo     *postgres.Repository
	enqueuer GeocodeEnqueuer
	env      string
	logger   zerolog.Logger
}

func NewGeocodingHandler(repo *postgres.Repository, enqueuer GeocodeEnqueuer, env string, logger zerolog.Logger) *GeocodingHandler {
	return &GeocodingHandler{repo: repo, enqueuer: enqueuer, env: env, logger: logger}
}

type geocodingJobResponse struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	TotalProperties int     `json:"total_properties"`
	GeocodedCount   int     `json:"geocoded_count"`
	FailedCount     int     `json:"failed_count"`
	SkippedCount    int     `json:"skipped_count"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

type createGeocodingResponse struct {
	JobID     string `json:"job_id,omitempty"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status"`
}

// runGeocodingResponse reports progress for a batch run: the live size of the
// missing-coordinates pool plus the job's accumulated counters.
type runGeocodingResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Remaining int64  `json:"remaining"`
	Processed int    `json:"processed"`
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// Create handles POST /api/v1/geocoding-jobs. Creates a job over the current
// missing-coordinates pool and enqueues its first batch. When the pool is
// empty no job is created.
func (h *GeocodingHandler) Create(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.repo.Properties().CountNeedingGeocoding(r.Context())
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Pool count failed", err, h.env)
		return
	}
	if remaining == 0 {
		writeJSON(w, http.StatusOK, createGeocodingResponse{Remaining: 0, Status: "noop"})
		return
	}

	job := &postgres.GeocodingJob{ID: ids.NewULID()}
	if err := h.repo.GeocodingJobs().Create(r.Context(), job); err != nil {
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Job creation failed", err, h.env)
		return
	}

	if err := h.enqueuer.EnqueueGeocodeBatch(r.Context(), job.ID); err != nil {
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Enqueue failed", err, h.env)
		return
	}

	h.logger.Info().Str("geocoding_job_id", job.ID).Int64("remaining", remaining).Msg("geocoding job created")
	writeJSON(w, http.StatusAccepted, createGeocodingResponse{
		JobID:     job.ID,
		Remaining: remaining,
		Status:    postgres.GeocodingStatusQueued,
	})
}

// Run handles POST /api/v1/geocoding-jobs/{id}/run. Enqueues another batch
// for an existing non-terminal job; useful after a monitor force-fail left
// the pool partially drained.
func (h *GeocodingHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ids.IsValidULID(id) {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid job id", fmt.Errorf("%q is not a ULID", id), h.env)
		return
	}

	job, err := h.repo.GeocodingJobs().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrGeocodingJobNotFound) {
			problem.Write(w, r, http.StatusNotFound, "about:blank", "Geocoding job not found", err, h.env)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Lookup failed", err, h.env)
		return
	}
	if job.IsTerminal() {
		problem.Write(w, r, http.StatusConflict, "about:blank", "Geocoding job already finished",
			fmt.Errorf("job %s is %s", id, job.Status), h.env)
		return
	}

	remaining, err := h.repo.Properties().CountNeedingGeocoding(r.Context())
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Pool count failed", err, h.env)
		return
	}

	if err := h.enqueuer.EnqueueGeocodeBatch(r.Context(), id); err != nil {
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Enqueue failed", err, h.env)
		return
	}

	writeJSON(w, http.StatusAccepted, runGeocodingResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Remaining: remaining,
		Processed: job.TotalProperties,
		Success:   job.GeocodedCount,
		Failed:    job.FailedCount,
		Skipped:   job.SkippedCount,
	})
}

// Get handles GET /api/v1/geocoding-jobs/{id}.
func (h *GeocodingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ids.IsValidULID(id) {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid job id", fmt.Errorf("%q is not a ULID", id), h.env)
		return
	}

	job, err := h.repo.GeocodingJobs().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrGeocodingJobNotFound) {
			problem.Write(w, r, http.StatusNotFound, "about:blank", "Geocoding job not found", err, h.env)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Lookup failed", err, h.env)
		return
	}

	writeJSON(w, http.StatusOK, geocodingJobToResponse(job))
}

func geocodingJobToResponse(job *postgres.GeocodingJob) geocodingJobResponse {
	return geocodingJobResponse{
		JobID:           job.ID,
		Status:          job.Status,
		TotalProperties: job.TotalProperties,
		GeocodedCount:   job.GeocodedCount,
		FailedCount:     job.FailedCount,
		SkippedCount:    job.SkippedCount,
		ErrorMessage:    job.ErrorMessage,
	}
}
