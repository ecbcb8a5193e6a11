package streamserver

import (
	"time"

	"github.com/dna-network/dna/dnaerr"
)

// Config holds the tunables of spec.md §4.8.
type Config struct {
	// MaxConcurrentStreams bounds the number of simultaneous stream_data
	// calls (spec.md §4.8 step 2).
	MaxConcurrentStreams int
	// AcquireTimeout bounds how long StreamData waits for a semaphore
	// permit before returning ResourceExhausted.
	AcquireTimeout time.Duration
	// DefaultHeartbeatInterval is used when a request omits one.
	DefaultHeartbeatInterval time.Duration
	// MinHeartbeatInterval and MaxHeartbeatInterval bound a client-supplied
	// heartbeat_interval (spec.md §4.8: "[10s, 60s]").
	MinHeartbeatInterval time.Duration
	MaxHeartbeatInterval time.Duration
}

// WithDefaults fills zero-valued fields with the teacher's conservative
// defaults pattern (plain struct + constructor, erigon-lib's config3
// convention), and returns the same Config for chaining.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 256
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = time.Second
	}
	if c.DefaultHeartbeatInterval == 0 {
		c.DefaultHeartbeatInterval = 30 * time.Second
	}
	if c.MinHeartbeatInterval == 0 {
		c.MinHeartbeatInterval = 10 * time.Second
	}
	if c.MaxHeartbeatInterval == 0 {
		c.MaxHeartbeatInterval = 60 * time.Second
	}
	return c
}

// Validate checks internal consistency, returning a Configuration error.
func (c Config) Validate() error {
	if c.MaxConcurrentStreams <= 0 {
		return dnaerr.Configuration("streamserver: max_concurrent_streams must be positive")
	}
	if c.MinHeartbeatInterval <= 0 || c.MaxHeartbeatInterval < c.MinHeartbeatInterval {
		return dnaerr.Configuration("streamserver: invalid heartbeat interval bounds")
	}
	if c.DefaultHeartbeatInterval < c.MinHeartbeatInterval || c.DefaultHeartbeatInterval > c.MaxHeartbeatInterval {
		return dnaerr.Configuration("streamserver: default heartbeat interval out of bounds")
	}
	return nil
}
