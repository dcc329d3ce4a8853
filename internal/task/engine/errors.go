package engine

import (
	"errors"
	"time"
)

// Submission errors.
var (
	ErrDisabled  = errors.New("engine: disabled")
	ErrStopped   = errors.New("engine: stopped")
	ErrStopping  = errors.New("engine: stopping")
	ErrQueueFull = errors.New("engine: queue full")
	// ErrOverlapSkip rejects a firing while an earlier firing sharing its
	// RunState is still queued or running.
	ErrOverlapSkip = errors.New("engine: previous run still in flight")
)

// NoRetry makes the current attempt the last one. The task service wraps
// transactions that aborted for a non-retryable reason with it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return finalError{err: err}
}

func IsNoRetry(err error) bool {
	var e finalError
	return errors.As(err, &e)
}

type finalError struct{ err error }

func (e finalError) Error() string { return "final: " + e.err.Error() }
func (e finalError) Unwrap() error { return e.err }

// RetryAfter replaces the exponential backoff of the next attempt with
// after, capped at RetryMaxDelay and jittered like any other delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return delayedError{err: err, after: max(after, 0)}
}

// RetryAfterError is matched with errors.As by the worker.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e delayedError) Error() string             { return e.err.Error() + " (retry in " + e.after.String() + ")" }
func (e delayedError) Unwrap() error             { return e.err }
func (e delayedError) RetryAfter() time.Duration { return e.after }
