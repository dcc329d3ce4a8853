package txn

import (
	"time"

	"taskd/internal/clock"
	logx "taskd/pkg/logx"
)

// DefaultTimeout bounds how long a transaction may stay active.
const DefaultTimeout = 30 * time.Second

// Options configure a Coordinator.
type Options struct {
	// Timeout is the lifetime of each transaction; <0 disables it.
	Timeout time.Duration
	Logger  logx.Logger
	Clock   clock.Clock
}

type Option func(*Options)

// WithTimeout sets the transaction timeout. Zero keeps DefaultTimeout,
// a negative value disables the deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *Options) {
		o.Logger = log
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// repair fills in defaults for unset options.
func repair(o *Options) {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	o.Clock = clock.Or(o.Clock)
}

// TxnOption adjusts one transaction.
type TxnOption func(*Transaction)

// NoTimeout exempts the transaction from the coordinator timeout. Task
// bodies run under it.
func NoTimeout() TxnOption {
	return func(t *Transaction) {
		t.timeout = 0
	}
}
