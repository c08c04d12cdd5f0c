package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/parcelworks/server/internal/api/problem"
	"github.com/parcelworks/server/internal/ids"
	"github.com/parcelworks/server/internal/ingest"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/parcelworks/server/internal/storage/postgres"
	"github.com/rs/zerolog"
)

// UploadEnqueuer submits staged upload jobs for asynchronous processing.
type UploadEnqueuer interface {
	EnqueueProcessUpload(ctx context.Context, uploadJobID string) error
}

// UploadsHandler accepts CSV uploads, splits them by jurisdiction, stages the
// rows, and enqueues one ingestion job per jurisdiction.
type UploadsHandler struct {
	repo     *postgres.Repository
	pipeline *ingest.Pipeline
	enqueuer UploadEnqueuer
	validate *validator.Validate
	env      string
	logger   zerolog.Logger
}

func NewUploadsHandler(
	repo *postgres.Repository,
	pipeline *ingest.Pipeline,
	enqueuer UploadEnqueuer,
	env string,
	logger zerolog.Logger,
) *UploadsHandler {
	return &UploadsHandler{
		repo:     repo,
		pipeline: pipeline,
		enqueuer: enqueuer,
		validate: validator.New(),
		env:      env,
		logger:   logger,
	}
}

type uploadForm struct {
	FallbackCity  string `validate:"omitempty,max=50"`
	FallbackState string `validate:"omitempty,len=2,alpha"`
	County        string `validate:"omitempty,max=50"`
}

type uploadJobSummary struct {
	JobID    string `json:"job_id"`
	City     string `json:"city"`
	State    string `json:"state"`
	RowCount int    `json:"row_count"`
}

type uploadResponse struct {
	TotalRows           int                `json:"total_rows"`
	MissingLocationRows int                `json:"missing_location_rows"`
	MultiLocation       bool               `json:"multi_location"`
	Jobs                []uploadJobSummary `json:"jobs"`
	RowErrors           []ingest.RowError  `json:"row_errors,omitempty"`
}

// Create handles POST /api/v1/uploads. The CSV arrives as a multipart "file"
// part; optional fallback_city/fallback_state fields substitute for rows
// whose location columns fail validation, and county annotates the created
// jobs. Responds 202 with one job per detected jurisdiction.
func (h *UploadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid multipart form", err, h.env)
		return
	}

	form := uploadForm{
		FallbackCity:  strings.TrimSpace(r.FormValue("fallback_city")),
		FallbackState: strings.TrimSpace(r.FormValue("fallback_state")),
		County:        strings.TrimSpace(r.FormValue("county")),
	}
	if err := h.validate.Struct(form); err != nil {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid upload parameters", err, h.env)
		return
	}
	if form.FallbackState != "" && !ingest.IsValidStateCode(form.FallbackState) {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid upload parameters",
			fmt.Errorf("fallback_state %q is not a US state code", form.FallbackState), h.env)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Missing file", err, h.env)
		return
	}
	defer func() { _ = file.Close() }()

	csvBytes, err := io.ReadAll(file)
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Unreadable file", err, h.env)
		return
	}

	var fallback *ingest.FallbackLocation
	if form.FallbackCity != "" && form.FallbackState != "" {
		fallback = &ingest.FallbackLocation{City: form.FallbackCity, State: form.FallbackState}
	}

	split, err := ingest.SplitByLocation(string(csvBytes), fallback)
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Unparseable CSV", err, h.env)
		return
	}
	if len(split.Groups) == 0 {
		problem.Write(w, r, http.StatusUnprocessableEntity, "about:blank", "No resolvable locations",
			fmt.Errorf("none of the %d rows carries a valid city/state", split.TotalRows), h.env)
		return
	}

	response := uploadResponse{
		TotalRows:           split.TotalRows,
		MissingLocationRows: split.MissingLocationRows,
		MultiLocation:       split.Multi(),
	}

	for _, group := range split.Groups {
		summary, rowErrors, err := h.createJob(r.Context(), header.Filename, form.County, group)
		if err != nil {
			problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Upload staging failed", err, h.env)
			return
		}
		response.Jobs = append(response.Jobs, *summary)
		response.RowErrors = append(response.RowErrors, rowErrors...)
	}

	metrics.UploadRowsTotal.WithLabelValues("received").Add(float64(split.TotalRows))
	metrics.UploadRowsTotal.WithLabelValues("missing_location").Add(float64(split.MissingLocationRows))

	h.logger.Info().
		Str("filename", header.Filename).
		Int("total_rows", split.TotalRows).
		Int("jurisdictions", len(split.Groups)).
		Int("missing_location_rows", split.MissingLocationRows).
		Msg("upload accepted")

	writeJSON(w, http.StatusAccepted, response)
}

// createJob persists one jurisdiction's job and staged rows, then enqueues
// processing. An enqueue failure is not fatal: the job stays queued and the
// health monitor resubmits it.
func (h *UploadsHandler) createJob(ctx context.Context, filename, county string, group ingest.LocationGroup) (*uploadJobSummary, []ingest.RowError, error) {
	parsed, err := ingest.ParseCSV(group.CSV)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s/%s sub-document: %w", group.City, group.State, err)
	}

	job := &postgres.UploadJob{
		ID:        ids.NewULID(),
		Filename:  filename,
		City:      group.City,
		State:     group.State,
		County:    county,
		TotalRows: group.RowCount,
	}
	if err := h.repo.UploadJobs().Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create upload job: %w", err)
	}

	staged := make([]postgres.StagingRow, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		staged = append(staged, postgres.StagingRow{
			UploadJobID:     job.ID,
			RowNumber:       row.RowNumber,
			RawLine:         row.RawLine,
			Address:         row.Address,
			City:            row.City,
			State:           row.State,
			Zip:             row.Zip,
			CaseID:          row.CaseID,
			ViolationType:   row.ViolationType,
			ViolationStatus: row.Status,
			OpenedDate:      row.OpenedDate,
		})
	}
	if _, err := h.repo.StagingRows().BulkInsert(ctx, staged); err != nil {
		return nil, nil, fmt.Errorf("stage rows for job %s: %w", job.ID, err)
	}

	if err := h.enqueuer.EnqueueProcessUpload(ctx, job.ID); err != nil {
		h.logger.Warn().Err(err).Str("upload_job_id", job.ID).Msg("enqueue failed, job left queued for monitor resubmission")
	}

	return &uploadJobSummary{
		JobID:    job.ID,
		City:     group.City,
		State:    group.State,
		RowCount: group.RowCount,
	}, parsed.RowErrors, nil
}

type uploadJobResponse struct {
	JobID             string  `json:"job_id"`
	Status            string  `json:"status"`
	Filename          string  `json:"filename"`
	City              string  `json:"city"`
	State             string  `json:"state"`
	County            string  `json:"county,omitempty"`
	TotalRows         int     `json:"total_rows"`
	ProcessedRows     int     `json:"processed_rows"`
	PropertiesCreated int     `json:"properties_created"`
	ViolationsCreated int     `json:"violations_created"`
	ErrorMessage      *string `json:"error_message,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// Get handles GET /api/v1/upload-jobs/{id}.
func (h *UploadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ids.IsValidULID(id) {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid job id", fmt.Errorf("%q is not a ULID", id), h.env)
		return
	}

	job, err := h.repo.UploadJobs().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrUploadJobNotFound) {
			problem.Write(w, r, http.StatusNotFound, "about:blank", "Upload job not found", err, h.env)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Lookup failed", err, h.env)
		return
	}

	writeJSON(w, http.StatusOK, uploadJobToResponse(job))
}

// Process handles POST /api/v1/upload-jobs/{id}/process. It runs the
// pipeline synchronously; re-invoking a terminal job returns its snapshot.
func (h *UploadsHandler) Process(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ids.IsValidULID(id) {
		problem.Write(w, r, http.StatusBadRequest, "about:blank", "Invalid job id", fmt.Errorf("%q is not a ULID", id), h.env)
		return
	}

	result, err := h.pipeline.Run(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrUploadJobNotFound) {
			problem.Write(w, r, http.StatusNotFound, "about:blank", "Upload job not found", err, h.env)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, "about:blank", "Pipeline failed", err, h.env)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func uploadJobToResponse(job *postgres.UploadJob) uploadJobResponse {
	return uploadJobResponse{
		JobID:             job.ID,
		Status:            job.Status,
		Filename:          job.Filename,
		City:              job.City,
		State:             job.State,
		County:            job.County,
		TotalRows:         job.TotalRows,
		ProcessedRows:     job.ProcessedRows,
		PropertiesCreated: job.PropertiesCreated,
		ViolationsCreated: job.ViolationsCreated,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:         job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
