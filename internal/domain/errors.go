package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
	ErrInvalidPort    = errors.New("port must be an integer between 1 and 65535")
	ErrInvalidConfig  = errors.New("invalid configuration value")
)

// configErrors enumerates all errors that abort startup due to bad configuration.
var configErrors = []error{
	ErrConfigRequired,
	ErrInvalidPort,
	ErrInvalidConfig,
}

// IsConfigError returns true if the error was caused by configuration
// that will not succeed on restart without operator changes.
func IsConfigError(err error) bool {
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
