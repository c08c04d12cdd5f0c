package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/server/internal/ids"
	"github.com/parcelworks/server/internal/storage/postgres"
)

// fakeUploadEnqueuer records enqueued upload job ids.
type fakeUploadEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeUploadEnqueuer) EnqueueProcessUpload(ctx context.Context, uploadJobID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, uploadJobID)
	return nil
}

func newUploadsTestHandler(t *testing.T, mock pgxmock.PgxPoolIface, enqueuer UploadEnqueuer) *UploadsHandler {
	t.Helper()
	repo, err := postgres.NewRepository(mock)
	require.NoError(t, err)
	return NewUploadsHandler(repo, nil, enqueuer, "test", zerolog.Nop())
}

func multipartUpload(t *testing.T, fields map[string]string, filename, csvText string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(csvText))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

var stagingColumns = []string{
	"upload_job_id", "row_number", "raw_line",
	"address", "city", "state", "zip",
	"case_id", "violation_type", "violation_status", "opened_date",
}

func TestUploadsHandler_Create_Accepted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO upload_jobs`).
		WithArgs(pgxmock.AnyArg(), postgres.UploadStatusQueued, "export.csv", "Chicago", "IL", "Cook", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"staging_rows"}, stagingColumns).
		WillReturnResult(2)

	enqueuer := &fakeUploadEnqueuer{}
	handler := newUploadsTestHandler(t, mock, enqueuer)

	csvText := "Address,City,State,Zip,Case Number,Violation Type,Status,Opened Date\n" +
		"100 W Monroe St,Chicago,IL,60603,C-100,Weeds,Open,2024-01-15\n" +
		"200 N Clark St,Chicago,IL,60601,C-101,Trash,Closed,2024-02-01"

	body, contentType := multipartUpload(t, map[string]string{"county": "Cook"}, "export.csv", csvText)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var response uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 2, response.TotalRows)
	assert.Equal(t, 0, response.MissingLocationRows)
	assert.False(t, response.MultiLocation)
	require.Len(t, response.Jobs, 1)
	assert.Equal(t, "Chicago", response.Jobs[0].City)
	assert.Equal(t, "IL", response.Jobs[0].State)
	assert.Equal(t, 2, response.Jobs[0].RowCount)
	assert.True(t, ids.IsValidULID(response.Jobs[0].JobID))

	assert.Equal(t, []string{response.Jobs[0].JobID}, enqueuer.enqueued)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Create_MultiJurisdiction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// One job + COPY per jurisdiction.
	mock.ExpectExec(`INSERT INTO upload_jobs`).
		WithArgs(pgxmock.AnyArg(), postgres.UploadStatusQueued, "multi.csv", "Chicago", "IL", "", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"staging_rows"}, stagingColumns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO upload_jobs`).
		WithArgs(pgxmock.AnyArg(), postgres.UploadStatusQueued, "multi.csv", "Dallas", "TX", "", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"staging_rows"}, stagingColumns).
		WillReturnResult(1)

	enqueuer := &fakeUploadEnqueuer{}
	handler := newUploadsTestHandler(t, mock, enqueuer)

	csvText := "Address,City,State,Violation Type\n" +
		"100 W Monroe St,Chicago,IL,Weeds\n" +
		"1500 Marilla St,Dallas,TX,Trash"

	body, contentType := multipartUpload(t, nil, "multi.csv", csvText)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var response uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.MultiLocation)
	require.Len(t, response.Jobs, 2)
	assert.Len(t, enqueuer.enqueued, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Create_InvalidFallbackState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	body, contentType := multipartUpload(t, map[string]string{"fallback_state": "ZZ"}, "export.csv", "Address,City,Violation Type\n")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid upload parameters")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Create_MissingFile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	body, contentType := multipartUpload(t, map[string]string{"county": "Cook"}, "", "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing file")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Create_NoResolvableLocations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	csvText := "Address,City,State,Violation Type\n" +
		"100 Main St,Debris in alley,XX,Trash"

	body, contentType := multipartUpload(t, nil, "export.csv", csvText)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "No resolvable locations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobID := ids.NewULID()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs(jobID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "filename", "city", "state", "county",
			"total_rows", "processed_rows", "properties_created", "violations_created",
			"error_message", "started_at", "created_at", "updated_at",
		}).AddRow(jobID, postgres.UploadStatusComplete, "export.csv", "Chicago", "IL", "Cook",
			100, 100, 40, 95, nil, nil, now, now))

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload-jobs/"+jobID, nil)
	req.SetPathValue("id", jobID)
	rec := httptest.NewRecorder()

	handler.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response uploadJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, jobID, response.JobID)
	assert.Equal(t, postgres.UploadStatusComplete, response.Status)
	assert.Equal(t, "2024-06-01T12:00:00Z", response.CreatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Get_InvalidID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload-jobs/not-a-ulid", nil)
	req.SetPathValue("id", "not-a-ulid")
	rec := httptest.NewRecorder()

	handler.Get(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid job id")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadsHandler_Get_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobID := ids.NewULID()
	mock.ExpectQuery(`SELECT id, status, filename`).
		WithArgs(jobID).
		WillReturnError(pgx.ErrNoRows)

	handler := newUploadsTestHandler(t, mock, &fakeUploadEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload-jobs/"+jobID, nil)
	req.SetPathValue("id", jobID)
	rec := httptest.NewRecorder()

	handler.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
