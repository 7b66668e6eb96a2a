// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // sleep before the second try, doubled after each
	MaxDelay  time.Duration // cap per sleep; 0 means uncapped
}

// Default is used for chain reads and webhook deliveries.
var Default = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx is cancelled. Each sleep is the current delay +-25%.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	j := d / 4
	return d - j + time.Duration(randInt64n(int64(2*j+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, result < n
}
