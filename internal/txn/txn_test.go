package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/clock"
	logx "taskd/pkg/logx"
)

type recorder struct {
	calls []string
}

func (r *recorder) add(s string) { r.calls = append(r.calls, s) }

type fakeParticipant struct {
	name     string
	durable  bool
	readOnly bool
	rec      *recorder

	prepareErr error
	commitErr  error
	onPrepare  func(t *Transaction)
	onCommit   func(t *Transaction)
	onAbort    func(t *Transaction)
}

func (p *fakeParticipant) Name() string  { return p.name }
func (p *fakeParticipant) Durable() bool { return p.durable }

func (p *fakeParticipant) Prepare(_ context.Context, t *Transaction) (bool, error) {
	p.rec.add(p.name + ".prepare")
	if p.onPrepare != nil {
		p.onPrepare(t)
	}
	return p.readOnly, p.prepareErr
}

func (p *fakeParticipant) Commit(_ context.Context, t *Transaction) error {
	p.rec.add(p.name + ".commit")
	if p.onCommit != nil {
		p.onCommit(t)
	}
	return p.commitErr
}

func (p *fakeParticipant) PrepareAndCommit(_ context.Context, t *Transaction) error {
	p.rec.add(p.name + ".prepareAndCommit")
	return p.prepareErr
}

func (p *fakeParticipant) Abort(_ context.Context, t *Transaction, _ error) {
	p.rec.add(p.name + ".abort")
	if p.onAbort != nil {
		p.onAbort(t)
	}
}

func newTestCoordinator() (*Coordinator, *clock.Manual) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewCoordinator(WithClock(clk), WithTimeout(time.Minute)), clk
}

func TestCommitSinglePhaseWhenOthersReadOnly(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()

	p := &fakeParticipant{name: "P", durable: true, rec: rec}
	a := &fakeParticipant{name: "A", readOnly: true, rec: rec}
	b := &fakeParticipant{name: "B", readOnly: true, rec: rec}
	// durable joins first but is still prepared last
	require.NoError(t, tx.Join(p))
	require.NoError(t, tx.Join(a))
	require.NoError(t, tx.Join(b))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"A.prepare", "B.prepare", "P.prepareAndCommit"}, rec.calls)
	require.Equal(t, StateCommitted, tx.State())
}

func TestCommitTwoPhaseSkipsReadOnly(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()

	require.NoError(t, tx.Join(&fakeParticipant{name: "A", rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "B", readOnly: true, rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "P", durable: true, rec: rec}))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"A.prepare", "B.prepare", "P.prepare", "A.commit", "P.commit"}, rec.calls)
}

func TestCommitOnlyNonDurable(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "A", rec: rec}))

	require.NoError(t, h.Commit(context.Background()))
	require.Equal(t, []string{"A.prepare", "A.commit"}, rec.calls)
}

func TestHandleSecondCallNotActive(t *testing.T) {
	coord, _ := newTestCoordinator()
	ctx := context.Background()

	_, h := coord.CreateTransaction()
	require.NoError(t, h.Commit(ctx))
	err := h.Commit(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, h.Abort(ctx, nil), ErrNotActive)

	_, h2 := coord.CreateTransaction()
	require.NoError(t, h2.Abort(ctx, errors.New("stop")))
	require.ErrorIs(t, h2.Abort(ctx, nil), ErrNotActive)
	require.ErrorIs(t, h2.Commit(ctx), ErrNotActive)
}

func TestNotActiveRetryableInheritsCause(t *testing.T) {
	coord, _ := newTestCoordinator()
	ctx := context.Background()

	tx, h := coord.CreateTransaction()
	require.NoError(t, tx.Abort(ctx, Retryable(errors.New("busy"))))
	err := h.Commit(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	require.True(t, IsRetryable(err))

	tx2, h2 := coord.CreateTransaction()
	require.NoError(t, tx2.Abort(ctx, errors.New("fatal")))
	err = h2.Commit(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	require.False(t, IsRetryable(err))

	require.False(t, IsRetryable(&NotActiveError{}))
}

func TestSecondDurableJoinRejected(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, _ := coord.CreateTransaction()

	require.NoError(t, tx.Join(&fakeParticipant{name: "P", durable: true, rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "P", durable: true, rec: rec}))
	err := tx.Join(&fakeParticipant{name: "Q", durable: true, rec: rec})
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestPrepareFailureAbortsAndPropagates(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	boom := errors.New("boom")

	require.NoError(t, tx.Join(&fakeParticipant{name: "A", rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "B", readOnly: true, rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "C", prepareErr: boom, rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "P", durable: true, rec: rec}))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateAborted, tx.State())
	require.Equal(t, []string{
		"A.prepare", "B.prepare", "C.prepare",
		"A.abort", "C.abort", "P.abort",
	}, rec.calls)
	require.ErrorIs(t, tx.AbortCause(), boom)
}

func TestParticipantAbortDuringPrepare(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	veto := errors.New("veto")

	a := &fakeParticipant{name: "A", rec: rec}
	a.onPrepare = func(t *Transaction) {
		_ = t.Abort(context.Background(), veto)
	}
	b := &fakeParticipant{name: "B", rec: rec}
	require.NoError(t, tx.Join(a))
	require.NoError(t, tx.Join(b))

	err := h.Commit(context.Background())
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, err, veto)
	require.Equal(t, []string{"A.prepare", "A.abort", "B.abort"}, rec.calls)
	require.Equal(t, StateAborted, tx.State())
}

func TestReentrantCallsDuringFinalization(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()

	var joinErr, commitAbortErr, abortAbortErr error
	a := &fakeParticipant{name: "A", rec: rec}
	a.onPrepare = func(t *Transaction) {
		joinErr = t.Join(&fakeParticipant{name: "late", rec: rec})
	}
	a.onCommit = func(t *Transaction) {
		commitAbortErr = t.Abort(context.Background(), errors.New("too late"))
	}
	require.NoError(t, tx.Join(a))
	require.NoError(t, h.Commit(context.Background()))

	require.ErrorIs(t, joinErr, ErrIllegalState)
	require.ErrorIs(t, commitAbortErr, ErrIllegalState)
	require.Equal(t, StateCommitted, tx.State())

	tx2, h2 := coord.CreateTransaction()
	b := &fakeParticipant{name: "B", rec: rec}
	b.onAbort = func(t *Transaction) {
		abortAbortErr = t.Abort(context.Background(), errors.New("again"))
	}
	require.NoError(t, tx2.Join(b))
	require.NoError(t, h2.Abort(context.Background(), errors.New("stop")))
	require.NoError(t, abortAbortErr)
	require.Equal(t, StateAborted, tx2.State())
}

func TestCommitPhaseFailureStillCommitted(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	bad := errors.New("disk gone")

	require.NoError(t, tx.Join(&fakeParticipant{name: "A", commitErr: bad, rec: rec}))
	require.NoError(t, tx.Join(&fakeParticipant{name: "B", rec: rec}))

	err := h.Commit(context.Background())
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	require.ErrorIs(t, err, bad)
	require.Contains(t, cerr.Failures, "A")
	require.Equal(t, StateCommitted, tx.State())
	require.Equal(t, []string{"A.prepare", "B.prepare", "A.commit", "B.commit"}, rec.calls)
}

func TestJoinAfterFinalization(t *testing.T) {
	coord, _ := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	require.NoError(t, h.Commit(context.Background()))

	err := tx.Join(&fakeParticipant{name: "A", rec: rec})
	require.ErrorIs(t, err, ErrNotActive)
}

func TestForeignHandleRejected(t *testing.T) {
	coord, _ := newTestCoordinator()
	_, h := coord.CreateTransaction()

	forged := &Handle{txn: h.Transaction()}
	require.ErrorIs(t, forged.Commit(context.Background()), ErrIllegalState)
	require.ErrorIs(t, (&Handle{}).Abort(context.Background(), nil), ErrIllegalState)
}

func TestTimeoutAbortsRetryably(t *testing.T) {
	coord, clk := newTestCoordinator()
	rec := &recorder{}
	tx, h := coord.CreateTransaction()
	require.NoError(t, tx.Join(&fakeParticipant{name: "A", rec: rec}))

	clk.Advance(2 * time.Minute)
	err := h.Commit(context.Background())
	require.ErrorIs(t, err, ErrNotActive)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, IsRetryable(err))
	require.Equal(t, []string{"A.abort"}, rec.calls)
}

func TestNoTimeoutOutlivesCoordinatorTimeout(t *testing.T) {
	coord, clk := newTestCoordinator()
	rec := &recorder{}
	runner := NewRunner(coord, logx.Nop())

	err := runner.Run(context.Background(), func(ctx context.Context) error {
		clk.Advance(2 * time.Minute)
		tx, err := FromContext(ctx)
		if err != nil {
			return err
		}
		require.Zero(t, tx.Timeout())
		return tx.Join(&fakeParticipant{name: "A", rec: rec})
	}, NoTimeout())
	require.NoError(t, err)
	require.Equal(t, []string{"A.prepare", "A.commit"}, rec.calls)
}

func TestFromContext(t *testing.T) {
	coord, _ := newTestCoordinator()

	_, err := FromContext(context.Background())
	require.ErrorIs(t, err, ErrNoTransaction)
	require.ErrorIs(t, err, ErrNotActive)

	tx, h := coord.CreateTransaction()
	ctx := WithTransaction(context.Background(), tx)
	got, err := FromContext(ctx)
	require.NoError(t, err)
	require.Same(t, tx, got)

	require.NoError(t, h.Commit(ctx))
	_, err = FromContext(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	require.True(t, InTransaction(ctx))
}

func TestRunnerCommitsAndAborts(t *testing.T) {
	coord, _ := newTestCoordinator()
	runner := NewRunner(coord, logx.Nop())
	rec := &recorder{}

	err := runner.Run(context.Background(), func(ctx context.Context) error {
		tx, err := FromContext(ctx)
		require.NoError(t, err)
		return tx.Join(&fakeParticipant{name: "A", rec: rec})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A.prepare", "A.commit"}, rec.calls)

	rec.calls = nil
	boom := errors.New("boom")
	err = runner.Run(context.Background(), func(ctx context.Context) error {
		tx, _ := FromContext(ctx)
		_ = tx.Join(&fakeParticipant{name: "A", rec: rec})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"A.abort"}, rec.calls)

	rec.calls = nil
	err = runner.Run(context.Background(), func(ctx context.Context) error {
		tx, _ := FromContext(ctx)
		_ = tx.Join(&fakeParticipant{name: "A", rec: rec})
		panic("kaboom")
	})
	require.Error(t, err)
	require.Equal(t, []string{"A.abort"}, rec.calls)
}
