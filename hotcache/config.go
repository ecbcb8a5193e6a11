// Package hotcache implements the two-tier hot-file cache of spec.md §4.6:
// an in-memory L1 and an on-disk L2 sitting between the stream server and
// the object store, coalescing concurrent requests for the same path into
// one underlying download.
package hotcache

import (
	"time"

	"github.com/dna-network/dna/dnaerr"
)

// Config holds the tunables of spec.md §4.6.
type Config struct {
	// L1MaxBytes bounds the in-memory tier's total size.
	L1MaxBytes int64
	// L1MaxObjectBytes bounds the size of any single object admitted to L1;
	// larger objects skip straight to L2.
	L1MaxObjectBytes int64

	// L2Dir is the on-disk cache directory.
	L2Dir string
	// L2MaxBytes and L2MaxFiles bound the on-disk tier by size and count.
	L2MaxBytes int64
	L2MaxFiles int
	// L2AdmissionRate bounds how many new objects per second may be
	// admitted to L2, avoiding write amplification under a cold cache
	// (spec.md §4.6 "admission rate-limiting").
	L2AdmissionRate float64
	// L2AdmissionBurst is the token-bucket burst size for admission.
	L2AdmissionBurst int
	// Compress enables zstd compression of objects written to L2.
	Compress bool

	// SingleflightTimeout bounds how long a caller waits behind a
	// coalesced in-flight download before giving up.
	SingleflightTimeout time.Duration
}

// WithDefaults fills zero-valued fields with conservative defaults, in the
// teacher's plain-struct-plus-constructor configuration style.
func (c Config) WithDefaults() Config {
	if c.L1MaxBytes == 0 {
		c.L1MaxBytes = 256 << 20
	}
	if c.L1MaxObjectBytes == 0 {
		c.L1MaxObjectBytes = 8 << 20
	}
	if c.L2Dir == "" {
		c.L2Dir = "hotcache"
	}
	if c.L2MaxBytes == 0 {
		c.L2MaxBytes = 8 << 30
	}
	if c.L2MaxFiles == 0 {
		c.L2MaxFiles = 100_000
	}
	if c.L2AdmissionRate == 0 {
		c.L2AdmissionRate = 100
	}
	if c.L2AdmissionBurst == 0 {
		c.L2AdmissionBurst = 50
	}
	if c.SingleflightTimeout == 0 {
		c.SingleflightTimeout = 30 * time.Second
	}
	return c
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.L1MaxObjectBytes > c.L1MaxBytes {
		return dnaerr.Configuration("hotcache: l1_max_object_bytes exceeds l1_max_bytes")
	}
	if c.L2Dir == "" {
		return dnaerr.Configuration("hotcache: l2_dir must not be empty")
	}
	if c.L2MaxBytes <= 0 || c.L2MaxFiles <= 0 {
		return dnaerr.Configuration("hotcache: l2_max_bytes and l2_max_files must be positive")
	}
	return nil
}
