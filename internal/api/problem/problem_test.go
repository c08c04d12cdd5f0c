package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_DevelopmentExposesErrorDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload-jobs/abc", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, http.StatusBadRequest, "about:blank", "Invalid job id", fmt.Errorf("not a ULID"), "development")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Invalid job id", problem.Title)
	assert.Equal(t, "not a ULID", problem.Detail)
	assert.Equal(t, "/api/v1/upload-jobs/abc", problem.Instance)
}

func TestWrite_ProductionHidesErrorDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, http.StatusInternalServerError, "about:blank", "Upload staging failed", fmt.Errorf("pq: relation missing"), "production")

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), problem.Detail)
	assert.NotContains(t, rec.Body.String(), "relation missing")
}

func TestWrite_Options(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, http.StatusBadRequest, "about:blank", "Invalid upload parameters", nil, "test",
		WithDetail("fallback_state must be a two-letter code"),
		WithInstance("/custom/instance"),
		WithErrors(map[string]interface{}{"fallback_state": "must be two letters"}),
	)

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "fallback_state must be a two-letter code", problem.Detail)
	assert.Equal(t, "/custom/instance", problem.Instance)
	assert.Equal(t, "must be two letters", problem.Errors["fallback_state"])
}
