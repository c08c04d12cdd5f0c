package middleware

import (
	"net/http"
)

const (
	// DefaultMaxBodySize is 1MB for JSON endpoints
	DefaultMaxBodySize int64 = 1 << 20 // 1MB

	// UploadMaxBodySize is 50MB for CSV upload endpoints; county-level
	// exports run to hundreds of thousands of rows
	UploadMaxBodySize int64 = 50 << 20 // 50MB
)

// RequestSize limits the size of incoming request bodies.
//
// It wraps the request body with http.MaxBytesReader to enforce the limit.
// If the body exceeds maxBytes, it returns 413 Payload Too Large.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultRequestSize limits request bodies to 1MB.
func DefaultRequestSize() func(http.Handler) http.Handler {
	return RequestSize(DefaultMaxBodySize)
}

// UploadRequestSize limits request bodies to 50MB.
func UploadRequestSize() func(http.Handler) http.Handler {
	return RequestSize(UploadMaxBodySize)
}
