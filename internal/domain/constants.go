package domain

import "time"

// Compiled defaults for the greeting service.
// These can be overridden via configuration where a config key exists.
const (
	// DefaultPort is used when PORT is unset or empty.
	DefaultPort = 3000

	// MinPort and MaxPort bound a valid TCP port.
	MinPort = 1
	MaxPort = 65535

	// HTTP server timeouts
	HTTPReadHeaderTimeout = 5 * time.Second
	HTTPReadTimeout       = 10 * time.Second
	HTTPWriteTimeout      = 10 * time.Second
	HTTPIdleTimeout       = 60 * time.Second

	// Graceful shutdown
	ShutdownDrainDelay  = 0 * time.Second  // Readiness flips to 503 this long before the listener closes
	ShutdownHTTPTimeout = 10 * time.Second // Max time to drain in-flight requests
	ShutdownOTELTimeout = 5 * time.Second  // Max time to flush spans and metrics

	// GracefulShutdownTimeout is the whole shutdown budget, drain included.
	GracefulShutdownTimeout = 30 * time.Second
)

// Environment identifiers.
const (
	EnvLocal = "local"
	EnvProd  = "prod"
)

// IsValidPort reports whether p can be bound as a TCP port.
func IsValidPort(p int) bool {
	return p >= MinPort && p <= MaxPort
}
