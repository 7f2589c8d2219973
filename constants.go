package cachecore

import "github.com/varnishcache/cachecore/internal/constants"

// Re-export commonly tuned constants for the public API.
const (
	DefaultChunkSize         = constants.DefaultChunkSize
	DefaultMaxChunkSize      = constants.DefaultMaxChunkSize
	DefaultSaintModeThreshold = constants.DefaultSaintModeThreshold
	DefaultProbeWindow       = constants.DefaultProbeWindow
	DefaultProbeThreshold    = constants.DefaultProbeThreshold
)
