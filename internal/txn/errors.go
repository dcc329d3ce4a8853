package txn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotActive is matched by every NotActiveError.
	ErrNotActive = errors.New("transaction not active")
	// ErrIllegalState reports a violation of the commit protocol rules.
	ErrIllegalState = errors.New("transaction illegal state")
	// ErrTimeout is the abort cause of a transaction that ran past its deadline.
	ErrTimeout = Retryable(errors.New("transaction timed out"))
	// ErrNoTransaction is returned by FromContext when ctx carries no transaction.
	ErrNoTransaction = fmt.Errorf("%w: no transaction in context", ErrNotActive)
)

// NotActiveError is returned when an operation targets a finalized
// transaction. Cause is the recorded abort cause, if any.
type NotActiveError struct {
	Cause error
}

func (e *NotActiveError) Error() string {
	if e.Cause == nil {
		return ErrNotActive.Error()
	}
	return fmt.Sprintf("%s: %v", ErrNotActive.Error(), e.Cause)
}

func (e *NotActiveError) Is(target error) bool { return target == ErrNotActive }
func (e *NotActiveError) Unwrap() error        { return e.Cause }

// Retryable inherits the retry capability of the cause. Without a cause
// the failure is not retryable.
func (e *NotActiveError) Retryable() bool { return e.Cause != nil && IsRetryable(e.Cause) }

func notActive(cause error) error { return &NotActiveError{Cause: cause} }

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

// CommitError collects commit-phase failures. Participants listed here were
// asked to commit after the outcome was decided; nothing is rolled back.
type CommitError struct {
	Failures map[string]error
	order    []string
}

func (e *CommitError) add(name string, err error) {
	if e.Failures == nil {
		e.Failures = make(map[string]error)
	}
	if _, ok := e.Failures[name]; !ok {
		e.order = append(e.order, name)
	}
	e.Failures[name] = err
}

func (e *CommitError) Error() string {
	parts := make([]string, 0, len(e.order))
	for _, name := range e.order {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return "commit failed for participants: " + strings.Join(parts, "; ")
}

func (e *CommitError) Unwrap() []error {
	errs := make([]error, 0, len(e.order))
	for _, name := range e.order {
		errs = append(errs, e.Failures[name])
	}
	return errs
}

// Retryable marks err as safe to resubmit.
//
// Example:
//
//	return txn.Retryable(fmt.Errorf("store busy: %w", err))
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) carries a
// Retryable() bool method returning true.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

type retryableError struct{ err error }

func (e retryableError) Error() string   { return e.err.Error() }
func (e retryableError) Unwrap() error   { return e.err }
func (e retryableError) Retryable() bool { return true }
