package txn

import (
	"context"
	"fmt"
	"runtime/debug"

	logx "taskd/pkg/logx"
)

// Runner executes functions inside fresh transactions.
type Runner struct {
	coord *Coordinator
	log   logx.Logger
}

func NewRunner(coord *Coordinator, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{coord: coord, log: log}
}

// Run calls fn with a context carrying a new transaction. When fn fails
// (or panics) the transaction is aborted and fn's error is returned.
// Otherwise the transaction is committed and the commit result returned.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error, opts ...TxnOption) error {
	t, h := r.coord.CreateTransaction(opts...)
	err := r.call(WithTransaction(ctx, t), fn)
	if err != nil {
		if aerr := h.Abort(ctx, err); aerr != nil {
			r.log.Debug("abort after failure", logx.String("txn", t.ID()), logx.Err(aerr))
		}
		return err
	}
	return h.Commit(ctx)
}

func (r *Runner) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("transactional task panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}
