package ingestion

import (
	"context"
	"math/rand"
	"time"

	"github.com/dna-network/dna/dnaerr"
)

// RetryPolicy bounds how the ingestion loop responds to a KindTransient
// error from the ChainProvider (spec.md §7's propagation policy: transient
// errors are retried with backoff, anything else is fatal to the loop).
// Errors from the object store and the coordination KV do not pass through
// it and end the loop on first failure. Non-transient errors are never
// retried here — they propagate to the caller, who decides whether to
// crash-restart.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxAttempts    int // 0 means unlimited
}

// DefaultRetryPolicy mirrors the teacher's conservative defaults for
// talking to an external service: start small, cap low, retry forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		MaxAttempts:    0,
	}
}

// Do calls fn, retrying with exponential backoff and jitter while fn returns
// a KindTransient error, until ctx is canceled, MaxAttempts is exhausted, or
// fn succeeds or fails with a non-transient error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultRetryPolicy().InitialBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultRetryPolicy().MaxBackoff
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = DefaultRetryPolicy().Multiplier
	}

	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if dnaerr.KindOf(err) != dnaerr.KindTransient {
			return err
		}
		attempt++
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		jittered := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		backoff = time.Duration(float64(backoff) * mult)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
