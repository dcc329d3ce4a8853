package txn

import "context"

// Participant takes part in the two-phase commit of a Transaction.
//
// Durable participants hold work that must survive a crash; a transaction
// accepts at most one of them and prepares it last. Non-durable participants
// hold best-effort state that is simply discarded on abort.
type Participant interface {
	// Name identifies the participant in logs and CommitError.
	Name() string
	// Durable reports which of the two participant variants this is.
	Durable() bool
	// Prepare votes on the outcome. Returning readOnly=true excludes the
	// participant from the commit phase.
	Prepare(ctx context.Context, t *Transaction) (readOnly bool, err error)
	// Commit finalizes prepared work.
	Commit(ctx context.Context, t *Transaction) error
	// PrepareAndCommit is the single-phase path, used only for the durable
	// participant when every other participant voted read-only.
	PrepareAndCommit(ctx context.Context, t *Transaction) error
	// Abort discards the participant's work. cause is the abort reason.
	Abort(ctx context.Context, t *Transaction, cause error)
}
