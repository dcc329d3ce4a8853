package txn

import "context"

type ctxKey struct{}

// WithTransaction returns a context carrying t.
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the active transaction carried by ctx. It fails with
// ErrNoTransaction when there is none and with a NotActiveError when the
// transaction is finalized or has timed out.
func FromContext(ctx context.Context) (*Transaction, error) {
	if ctx == nil {
		return nil, ErrNoTransaction
	}
	t, _ := ctx.Value(ctxKey{}).(*Transaction)
	if t == nil {
		return nil, ErrNoTransaction
	}
	if err := t.CheckTimeout(); err != nil {
		return nil, err
	}
	if t.state != StateActive {
		return nil, notActive(t.abortCause)
	}
	return t, nil
}

// InTransaction reports whether ctx carries a transaction, active or not.
func InTransaction(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	t, _ := ctx.Value(ctxKey{}).(*Transaction)
	return t != nil
}
