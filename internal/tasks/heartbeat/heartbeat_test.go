package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/clock"
	"taskd/internal/datastore"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	"taskd/internal/taskservice"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

// stubScheduler accepts every claim and never fires.
type stubScheduler struct{ recurring []*stubRecurring }

type stubRecurring struct{ started, cancelled bool }

func (r *stubRecurring) Start() error { r.started = true; return nil }
func (r *stubRecurring) Cancel()      { r.cancelled = true }

type stubReservation struct{}

func (stubReservation) Use() error { return nil }
func (stubReservation) Cancel()    {}

func (s *stubScheduler) Reserve(string, time.Time, func(context.Context) error, ...scheduler.JobOption) (scheduler.Reservation, error) {
	return stubReservation{}, nil
}

func (s *stubScheduler) Recurring(string, time.Time, time.Duration, func(context.Context) error, ...scheduler.JobOption) (scheduler.Recurring, error) {
	r := &stubRecurring{}
	s.recurring = append(s.recurring, r)
	return r, nil
}

func TestEnsureSchedulesOnceAndReschedulesOnChange(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	coord := txn.NewCoordinator(txn.WithClock(clk))
	ds := datastore.New(storage.NewMemory(), logx.Nop())
	sched := &stubScheduler{}
	reg := taskservice.NewRegistry()
	require.NoError(t, Register(reg, ds, clk, logx.Nop()))
	svc, err := taskservice.New(taskservice.Config{NodeID: 7}, coord, ds, sched, reg, logx.Nop(), taskservice.WithClock(clk))
	require.NoError(t, err)

	run := txn.NewRunner(coord, logx.Nop()).Run
	ensure := func(period time.Duration) {
		require.NoError(t, run(context.Background(), func(ctx context.Context) error {
			return Ensure(ctx, svc, ds, 7, period)
		}))
	}

	ensure(time.Minute)
	ensure(time.Minute)
	require.Len(t, sched.recurring, 1)
	require.True(t, sched.recurring[0].started)

	ensure(time.Second)
	require.Len(t, sched.recurring, 2)
	require.True(t, sched.recurring[0].cancelled)
	require.True(t, sched.recurring[1].started)

	ensure(0)
	require.True(t, sched.recurring[1].cancelled)
	_, err = ds.GetRaw(context.Background(), scheduleBinding)
	require.ErrorIs(t, err, datastore.ErrNameNotBound)
}

func TestRunCountsBeats(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	coord := txn.NewCoordinator(txn.WithClock(clk))
	ds := datastore.New(storage.NewMemory(), logx.Nop())
	task := &Task{Node: 3, ds: ds, clock: clk, log: logx.Nop()}
	run := txn.NewRunner(coord, logx.Nop()).Run

	require.NoError(t, run(context.Background(), task.Run))
	clk.Advance(time.Second)
	require.NoError(t, run(context.Background(), task.Run))

	var b Beat
	require.NoError(t, ds.GetBinding(context.Background(), BeatBinding, &b))
	require.Equal(t, uint64(2), b.Count)
	require.Equal(t, int64(3), b.Node)
	require.True(t, b.At.Equal(clk.Now()))
}
