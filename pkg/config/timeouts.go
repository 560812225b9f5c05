package config

import "time"

// Common timeout durations used throughout the application.
const (
	// ShortTimeout for quick operations (readiness pings, metric publishing)
	ShortTimeout = 3 * time.Second

	// RequestTimeout bounds a single worker or admin API request.
	// Accept may write history to Valkey or Badger.
	RequestTimeout = 30 * time.Second

	// ReadHeaderTimeout for the HTTP server
	ReadHeaderTimeout = 10 * time.Second

	// ShutdownTimeout for draining the HTTP server on exit
	ShutdownTimeout = 15 * time.Second

	// CleanupTimeout for deferred cleanup operations
	CleanupTimeout = 5 * time.Second
)

// HTTP body size limits
const (
	// MaxBodySize is the maximum size for HTTP request bodies (8MB).
	// Schedule requests carry whole bucket lists.
	MaxBodySize = 8 << 20
)
