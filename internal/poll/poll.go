// Package poll provides the single cancellable "poll until predicate or
// timeout" loop shared by moderation, AI-job and transfer advisories.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

var (
	// ErrExhausted is returned when MaxAttempts checks ran without success.
	ErrExhausted = errors.New("poll: attempts exhausted")

	errNotReady = errors.New("poll: not ready")
)

// Policy bounds a polling loop. Zero MaxAttempts or Timeout means unbounded on
// that axis.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Check is called once per attempt (1-based). It reports whether the awaited
// condition holds. Errors count as failed attempts unless wrapped by Terminal.
type Check func(ctx context.Context, attempt int) (done bool, err error)

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as ending the loop immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Until runs check at a fixed interval until it reports done, returns a
// Terminal error, exhausts the attempt budget, or ctx / Timeout ends.
//
// The first check runs immediately. On exhaustion the returned error wraps
// ErrExhausted and the last check error, if any. On cancellation or timeout it
// is the context error.
func Until(ctx context.Context, p Policy, check Check) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	var stopped error

	err := backoff.Retry(func() error {
		if cerr := ctx.Err(); cerr != nil {
			return backoff.Permanent(cerr)
		}
		attempt++
		done, err := check(ctx, attempt)
		if err != nil {
			var term *terminalError
			if errors.As(err, &term) {
				stopped = term.err
				return backoff.Permanent(term.err)
			}
			lastErr = err
			return err
		}
		if !done {
			lastErr = nil
			return errNotReady
		}
		return nil
	}, b)

	switch {
	case err == nil:
		return nil
	case stopped != nil:
		return stopped
	case ctx.Err() != nil:
		return ctx.Err()
	case lastErr != nil:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
	default:
		return fmt.Errorf("%w after %d attempts", ErrExhausted, attempt)
	}
}

// After runs fn once when d elapses, unless the returned stop func is called
// or ctx ends first. fn runs on its own goroutine and may still be running
// when stop returns.
func After(ctx context.Context, d time.Duration, fn func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var stopped atomic.Bool

	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if stopped.Load() {
			return
		}
		fn()
	}()

	return func() {
		stopped.Store(true)
		cancel()
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
