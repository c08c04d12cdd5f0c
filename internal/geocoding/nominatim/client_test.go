package nominatim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "100 W Monroe St, Chicago, IL 60603", r.URL.Query().Get("q"))
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "us", r.URL.Query().Get("countrycodes"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Contains(t, r.Header.Get("User-Agent"), "ParcelWorks/1.0")
		assert.Contains(t, r.Header.Get("User-Agent"), "ops@example.com")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"place_id": 123, "lat": "41.8802", "lon": "-87.6319", "display_name": "100, West Monroe Street, Chicago"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))
	results, err := client.Search(context.Background(), "100 W Monroe St, Chicago, IL 60603", SearchOptions{
		CountryCodes: "us",
		Limit:        1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "41.8802", results[0].Lat)
	assert.Equal(t, "-87.6319", results[0].Lon)
}

func TestClient_Search_EmptyQuery(t *testing.T) {
	client := NewClient(DefaultBaseURL, "ops@example.com")
	_, err := client.Search(context.Background(), "", SearchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query cannot be empty")
}

func TestClient_Search_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))
	results, err := client.Search(context.Background(), "nowhere", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClient_Search_LimitClamped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))
	_, err := client.Search(context.Background(), "somewhere", SearchOptions{Limit: 500})
	require.NoError(t, err)
}

func TestClient_Search_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))
	_, err := client.Search(context.Background(), "somewhere", SearchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Search_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"place_id": 1, "lat": "1.0", "lon": "2.0"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))
	results, err := client.Search(context.Background(), "somewhere", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Search_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(server.URL, "ops@example.com", WithRateLimit(1000))

	done := make(chan error, 1)
	go func() {
		_, err := client.Search(ctx, "somewhere", SearchOptions{})
		done <- err
	}()
	cancel()

	err := <-done
	require.Error(t, err)
}
