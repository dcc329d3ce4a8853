package txn

import "context"

// Handle is the exclusive finalizer of one Transaction. Each Handle may be
// used for exactly one Commit or Abort.
type Handle struct {
	txn  *Transaction
	used bool
}

// Transaction returns the transaction owned by h.
func (h *Handle) Transaction() *Transaction {
	if h == nil {
		return nil
	}
	return h.txn
}

func (h *Handle) owns() error {
	if h == nil || h.txn == nil || h.txn.handle != h {
		return illegalState("handle does not own the transaction")
	}
	if h.txn.state.finalizing() {
		return illegalState("handle used while transaction is %s", h.txn.state)
	}
	return nil
}

// Commit runs the two-phase commit. It returns the prepare failure that
// aborted the transaction, a *CommitError for commit-phase failures, or a
// NotActiveError when the transaction was already finalized.
func (h *Handle) Commit(ctx context.Context) error {
	if err := h.owns(); err != nil {
		return err
	}
	if h.used {
		return notActive(h.txn.abortCause)
	}
	h.used = true
	return h.txn.commit(ctx)
}

// Abort aborts every participant with cause. Aborting a transaction that a
// participant already aborted succeeds; a second use of the handle does not.
func (h *Handle) Abort(ctx context.Context, cause error) error {
	if err := h.owns(); err != nil {
		return err
	}
	if h.used {
		return notActive(h.txn.abortCause)
	}
	h.used = true
	t := h.txn
	switch t.state {
	case StateActive:
		t.abort(ctx, cause, t.ordered())
		return nil
	case StateAborted:
		return nil
	default:
		return notActive(t.abortCause)
	}
}
