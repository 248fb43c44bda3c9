// Package retry runs device requests again with exponential backoff when
// they fail for transient reasons.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Total attempts including the first (0 = unlimited)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns the backoff used for idempotent device reads.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Reconnect returns the backoff used between reconnect attempts to the
// control socket. It never gives up on its own; the caller's context does.
func Reconnect() Config {
	return Config{
		MaxAttempts: 0,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// transient marks an error as worth another attempt.
type transient struct {
	err error
}

func (e transient) Error() string { return e.err.Error() }
func (e transient) Unwrap() error { return e.err }

// Transient wraps err so that Do retries it. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Backoff returns the wait before attempt n+1 (n starts at 1).
func (c Config) Backoff(n int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(n-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn until it succeeds, returns a non-transient error, the
// attempts run out or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts

	for n := 1; ; n++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}

		var t transient
		if !errors.As(err, &t) {
			return zero, err
		}
		if attempts > 0 && n >= attempts {
			return zero, t.err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.Backoff(n)):
		}
	}
}
