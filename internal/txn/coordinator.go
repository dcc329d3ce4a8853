// Package txn implements the transaction coordinator: transactions that
// any number of participants join, a two-phase commit with a single-phase
// shortcut for the lone durable participant, and handles that are the only
// way to finalize a transaction.
//
// The coordinator keeps no registry of live transactions. Callers carry
// the current transaction explicitly through context.Context (see
// WithTransaction and FromContext).
package txn

import (
	"github.com/google/uuid"

	logx "taskd/pkg/logx"
)

// Coordinator creates transactions.
type Coordinator struct {
	opts Options
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{}
	for _, opt := range opts {
		opt(&c.opts)
	}
	repair(&c.opts)
	return c
}

// CreateTransaction returns a new active transaction and the handle that
// owns it.
func (c *Coordinator) CreateTransaction(opts ...TxnOption) (*Transaction, *Handle) {
	t := &Transaction{
		id:        uuid.NewString(),
		createdAt: c.opts.Clock.Now(),
		timeout:   c.opts.Timeout,
		clock:     c.opts.Clock,
		state:     StateActive,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = c.opts.Logger.With(logx.String("txn", t.id))
	h := &Handle{txn: t}
	t.handle = h
	return t, h
}
