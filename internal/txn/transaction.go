package txn

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/clock"
	logx "taskd/pkg/logx"
)

// Transaction is the unit of atomicity participants join.
//
// A Transaction is owned by a single goroutine from creation to
// finalization and must not be mutated concurrently. Only its Handle may
// commit it; participants may abort it.
type Transaction struct {
	id        string
	createdAt time.Time
	timeout   time.Duration
	clock     clock.Clock
	log       logx.Logger

	state State
	// non-durable participants in join order
	participants []Participant
	durable      Participant
	abortCause   error

	handle *Handle
}

func (t *Transaction) ID() string             { return t.id }
func (t *Transaction) CreatedAt() time.Time   { return t.createdAt }
func (t *Transaction) Timeout() time.Duration { return t.timeout }
func (t *Transaction) State() State           { return t.state }
func (t *Transaction) IsAborted() bool        { return t.state == StateAborting || t.state == StateAborted }
func (t *Transaction) AbortCause() error      { return t.abortCause }
func (t *Transaction) String() string         { return fmt.Sprintf("txn[%s %s]", t.id, t.state) }
func (t *Transaction) deadline() (time.Time, bool) {
	if t.timeout <= 0 {
		return time.Time{}, false
	}
	return t.createdAt.Add(t.timeout), true
}

// Join registers p with the transaction. Joining the same participant
// (by name) twice is a no-op. A second, different durable participant and
// any join while the transaction is finalizing fail with ErrIllegalState.
func (t *Transaction) Join(p Participant) error {
	if p == nil {
		return illegalState("nil participant")
	}
	if t.state.finalizing() {
		return illegalState("join of %q while %s", p.Name(), t.state)
	}
	if t.state != StateActive {
		return notActive(t.abortCause)
	}
	if err := t.CheckTimeout(); err != nil {
		return err
	}

	name := p.Name()
	if p.Durable() {
		if t.durable != nil {
			if t.durable.Name() == name {
				return nil
			}
			return illegalState("durable participant %q already joined, rejecting %q", t.durable.Name(), name)
		}
		t.durable = p
		return nil
	}
	for _, q := range t.participants {
		if q.Name() == name {
			return nil
		}
	}
	t.participants = append(t.participants, p)
	return nil
}

// CheckTimeout aborts the transaction with ErrTimeout once its deadline has
// passed. It returns a NotActiveError when the transaction is no longer active.
func (t *Transaction) CheckTimeout() error {
	if t.state != StateActive {
		if t.state.Terminal() {
			return notActive(t.abortCause)
		}
		return nil
	}
	dl, ok := t.deadline()
	if !ok || t.clock.Now().Before(dl) {
		return nil
	}
	t.abort(context.Background(), ErrTimeout, t.ordered())
	return notActive(t.abortCause)
}

// Abort is the participant-side abort. While active, every participant is
// aborted right away. While preparing, the transaction is marked aborting
// and the commit path performs the fan-out when the current callback
// returns. While aborting it is a no-op. Once committing or committed the
// outcome is decided and Abort fails.
func (t *Transaction) Abort(ctx context.Context, cause error) error {
	switch t.state {
	case StateActive:
		t.abort(ctx, cause, t.ordered())
		return nil
	case StatePreparing:
		t.state = StateAborting
		if t.abortCause == nil {
			t.abortCause = cause
		}
		return nil
	case StateAborting, StateAborted:
		return nil
	case StateCommitting:
		return illegalState("abort requested while committing")
	default:
		return notActive(t.abortCause)
	}
}

// ordered returns the non-durable participants in join order followed by
// the durable participant.
func (t *Transaction) ordered() []Participant {
	out := make([]Participant, 0, len(t.participants)+1)
	out = append(out, t.participants...)
	if t.durable != nil {
		out = append(out, t.durable)
	}
	return out
}

func (t *Transaction) commit(ctx context.Context) error {
	if t.state != StateActive {
		return notActive(t.abortCause)
	}
	if err := t.CheckTimeout(); err != nil {
		return err
	}

	t.state = StatePreparing
	order := t.ordered()
	// participants that did not vote read-only; they see the commit or abort
	live := make([]Participant, 0, len(order))
	allReadOnly := true

	for i, p := range order {
		if i == len(order)-1 && p.Durable() && allReadOnly {
			err := t.call(p, func() error { return p.PrepareAndCommit(ctx, t) })
			if err == nil && t.state == StatePreparing {
				t.state = StateCommitted
				t.log.Debug("transaction committed", logx.String("single_phase", p.Name()))
				return nil
			}
			return t.failPrepare(ctx, p, err, append(live, order[i:]...))
		}

		readOnly, err := t.prepare(ctx, p)
		if err != nil || t.state != StatePreparing {
			return t.failPrepare(ctx, p, err, append(live, order[i:]...))
		}
		if readOnly {
			continue
		}
		allReadOnly = false
		live = append(live, p)
	}

	t.state = StateCommitting
	var cerr *CommitError
	for _, p := range live {
		if err := t.call(p, func() error { return p.Commit(ctx, t) }); err != nil {
			t.log.Warn("participant commit failed; not rolled back", logx.String("participant", p.Name()), logx.Err(err))
			if cerr == nil {
				cerr = &CommitError{}
			}
			cerr.add(p.Name(), err)
		}
	}
	t.state = StateCommitted
	if cerr != nil {
		return cerr
	}
	t.log.Debug("transaction committed", logx.Int("participants", len(live)))
	return nil
}

func (t *Transaction) prepare(ctx context.Context, p Participant) (readOnly bool, err error) {
	err = t.call(p, func() error {
		var perr error
		readOnly, perr = p.Prepare(ctx, t)
		return perr
	})
	return readOnly, err
}

// failPrepare aborts targets after p failed to prepare (err != nil) or
// aborted the transaction from inside its callback (err == nil).
func (t *Transaction) failPrepare(ctx context.Context, p Participant, err error, targets []Participant) error {
	cause := err
	if cause == nil {
		cause = t.abortCause
	}
	t.log.Debug("transaction prepare failed", logx.String("participant", p.Name()), logx.Err(cause))
	t.abort(ctx, cause, targets)
	if err != nil {
		return err
	}
	return notActive(t.abortCause)
}

func (t *Transaction) abort(ctx context.Context, cause error, targets []Participant) {
	t.state = StateAborting
	if t.abortCause == nil {
		t.abortCause = cause
	}
	for _, p := range targets {
		p := p
		if err := t.call(p, func() error { p.Abort(ctx, t, t.abortCause); return nil }); err != nil {
			t.log.Warn("participant abort failed", logx.String("participant", p.Name()), logx.Err(err))
		}
	}
	t.state = StateAborted
	t.log.Debug("transaction aborted", logx.Any("cause", t.abortCause))
}

// call runs a participant callback, converting a panic into an error.
func (t *Transaction) call(p Participant, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("participant %s panicked: %v", p.Name(), r)
		}
	}()
	return fn()
}
