package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultBaseURL is the public US Census Bureau geocoding endpoint
	DefaultBaseURL = "https://geocoding.geo.census.gov"
	// DefaultBenchmark is the current public address range benchmark
	DefaultBenchmark = "Public_AR_Current"
	// DefaultTimeout for HTTP requests
	DefaultTimeout = 10 * time.Second
	// MaxRetries for transient errors
	MaxRetries = 2
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 1 * time.Second
)

// Client handles communication with the US Census Bureau geocoding API.
// The Census geocoder only covers US street addresses, has no rate limit
// policy, and requires no API key, which makes it the natural fallback when
// Nominatim is unavailable.
type Client struct {
	httpClient *http.Client
	baseURL    string
	benchmark  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithBenchmark overrides the address benchmark vintage.
func WithBenchmark(benchmark string) Option {
	return func(c *Client) {
		c.benchmark = benchmark
	}
}

// NewClient creates a new Census geocoder client.
func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL:   baseURL,
		benchmark: DefaultBenchmark,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Search geocodes a one-line US street address. Returns the candidate
// matches in the order the Census geocoder ranked them; an empty slice means
// the address did not match any TIGER/Line segment.
func (c *Client) Search(ctx context.Context, address string) ([]AddressMatch, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	params := url.Values{}
	params.Set("address", address)
	params.Set("benchmark", c.benchmark)
	params.Set("format", "json")

	requestURL := fmt.Sprintf("%s/geocoder/locations/onelineaddress?%s", c.baseURL, params.Encode())

	var payload response
	if err := c.doWithRetry(ctx, requestURL, &payload); err != nil {
		return nil, fmt.Errorf("census geocoding: %w", err)
	}

	return payload.Result.AddressMatches, nil
}

// doWithRetry executes an HTTP GET request with exponential backoff retry logic.
func (c *Client) doWithRetry(ctx context.Context, requestURL string, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue // Retry on read errors
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue // Retry rate limits and server errors
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}

		return nil // Success
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
