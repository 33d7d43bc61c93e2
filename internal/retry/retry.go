// Package retry runs operations with exponential backoff.
//
// Transports use it to ride out short collector hiccups before giving a batch
// to the retention queue:
//
//	err := retry.Do(ctx, retry.Config{
//	    MaxRetries:     3,
//	    InitialBackoff: 200 * time.Millisecond,
//	    MaxBackoff:     2 * time.Second,
//	}, func() error {
//	    return post(ctx, batch)
//	}, nil)
//
// The wait before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus up to Jitter of that value. Errors wrapped with Permanent
// stop the loop at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is wrapped by the error Do returns when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Config defines the retry behavior.
type Config struct {
	// MaxRetries is the total number of attempts. Values below 1 mean a
	// single attempt.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the wait (0.0 to 1.0).
	Jitter float64
}

// ShouldRetryFunc reports whether err is worth another attempt. A nil func
// retries every error that is not Permanent.
type ShouldRetryFunc func(error) bool

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	attempts := max(cfg.MaxRetries, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(Backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsPermanent(err) || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Backoff returns the wait before attempt n (n >= 1).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	// Clamp the exponent so the float multiply cannot overflow Duration.
	exp := min(attempt-1, 32)
	backoff := time.Duration(math.Pow(2, float64(exp)) * float64(cfg.InitialBackoff))
	if backoff < 0 || (cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff) {
		backoff = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 && backoff > 0 {
		backoff += time.Duration(rand.Float64() * cfg.Jitter * float64(backoff))
	}
	return backoff
}
