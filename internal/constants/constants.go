// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Processing constants
const (
	// DefaultImportWorkers keeps dump replay in file order. Group membership
	// depends on submission order, so parallel imports are opt-in.
	DefaultImportWorkers = 1

	// MaxImportWorkers caps --workers; assignments serialize on the store lock anyway
	MaxImportWorkers = 32

	// ImportBurst is the token bucket burst used when an import rate is set
	ImportBurst = 1
)

// Probe constants
const (
	// DefaultProbeK is the number of neighbours returned when a probe omits k
	DefaultProbeK = 5
)

// Server constants
const (
	// ShutdownTimeout bounds graceful shutdown of the web server
	ShutdownTimeout = 30 * time.Second

	// RequestTimeout is the per-request deadline applied by the router
	RequestTimeout = 30 * time.Second
)
