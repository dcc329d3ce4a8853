package taskservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/clock"
	"taskd/internal/datastore"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

type fakeReservation struct {
	sched     *fakeScheduler
	name      string
	at        time.Time
	run       func(ctx context.Context) error
	used      bool
	cancelled bool
}

func (r *fakeReservation) Use() error {
	r.sched.mu.Lock()
	defer r.sched.mu.Unlock()
	if r.cancelled {
		return scheduler.ErrCancelled
	}
	if r.used {
		return scheduler.ErrUsed
	}
	r.used = true
	return nil
}

func (r *fakeReservation) Cancel() {
	r.sched.mu.Lock()
	r.cancelled = true
	r.sched.mu.Unlock()
}

type fakeRecurring struct {
	sched     *fakeScheduler
	name      string
	start     time.Time
	period    time.Duration
	run       func(ctx context.Context) error
	started   bool
	cancelled bool
}

func (h *fakeRecurring) Start() error {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if h.cancelled {
		return scheduler.ErrCancelled
	}
	h.started = true
	return nil
}

func (h *fakeRecurring) Cancel() {
	h.sched.mu.Lock()
	h.cancelled = true
	h.sched.mu.Unlock()
}

// fakeScheduler records claims; tests fire them by calling run.
type fakeScheduler struct {
	mu     sync.Mutex
	res    []*fakeReservation
	rec    []*fakeRecurring
	reject bool
}

func (f *fakeScheduler) Reserve(name string, at time.Time, run func(ctx context.Context) error, _ ...scheduler.JobOption) (scheduler.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return nil, scheduler.ErrRejected
	}
	r := &fakeReservation{sched: f, name: name, at: at, run: run}
	f.res = append(f.res, r)
	return r, nil
}

func (f *fakeScheduler) Recurring(name string, start time.Time, period time.Duration, run func(ctx context.Context) error, _ ...scheduler.JobOption) (scheduler.Recurring, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return nil, scheduler.ErrRejected
	}
	h := &fakeRecurring{sched: f, name: name, start: start, period: period, run: run}
	f.rec = append(f.rec, h)
	return h, nil
}

func (f *fakeScheduler) reservations() []*fakeReservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeReservation(nil), f.res...)
}

func (f *fakeScheduler) recurrings() []*fakeRecurring {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeRecurring(nil), f.rec...)
}

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) add(m string) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

// echoTask records Msg. Fail selects a failure mode: "fatal" or "retry".
type echoTask struct {
	Msg  string `json:"msg"`
	Fail string `json:"fail,omitempty"`

	sink *sink
}

func (t *echoTask) Kind() string { return "echo" }

func (t *echoTask) Run(context.Context) error {
	switch t.Fail {
	case "fatal":
		return errors.New("echo failed")
	case "retry":
		return txn.Retryable(errors.New("echo busy"))
	}
	t.sink.add(t.Msg)
	return nil
}

// boundTask is a Managed task stored under Binding by the application.
type boundTask struct {
	Binding string `json:"binding"`
	Msg     string `json:"msg"`

	sink *sink
}

func (t *boundTask) Kind() string        { return "bound" }
func (t *boundTask) BindingName() string { return t.Binding }
func (t *boundTask) Run(context.Context) error {
	t.sink.add("bound:" + t.Msg)
	return nil
}

type env struct {
	clk   *clock.Manual
	coord *txn.Coordinator
	ds    *datastore.Service
	sched *fakeScheduler
	sink  *sink
	reg   *Registry
	svc   *Service
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clk:   clock.NewManual(t0),
		ds:    datastore.New(storage.NewMemory(), logx.Nop()),
		sched: &fakeScheduler{},
		sink:  &sink{},
	}
	e.coord = txn.NewCoordinator(txn.WithClock(e.clk))
	e.reg = NewRegistry()
	e.reg.MustRegister("echo", func() Task { return &echoTask{sink: e.sink} })
	e.reg.MustRegister("bound", func() Task { return &boundTask{sink: e.sink} })
	e.svc = e.newService(t, e.sched)
	return e
}

// newService builds another service over the same store, as a restarted
// process would.
func (e *env) newService(t *testing.T, sched Scheduler) *Service {
	t.Helper()
	svc, err := New(Config{NodeID: 1}, e.coord, e.ds, sched, e.reg, logx.Nop(), WithClock(e.clk))
	require.NoError(t, err)
	return svc
}

func (e *env) inTxn(fn func(ctx context.Context) error) error {
	return txn.NewRunner(e.coord, logx.Nop()).Run(context.Background(), fn)
}

func (e *env) pendingNames(t *testing.T) []string {
	t.Helper()
	var out []string
	after := PendingPrefix
	for {
		name, err := e.ds.NextBoundName(context.Background(), after)
		if errors.Is(err, datastore.ErrNameNotBound) {
			return out
		}
		require.NoError(t, err)
		if len(name) < len(PendingPrefix) || name[:len(PendingPrefix)] != PendingPrefix {
			return out
		}
		out = append(out, name)
		after = name
	}
}

func (e *env) record(t *testing.T, name string) *PendingTask {
	t.Helper()
	var p PendingTask
	require.NoError(t, e.ds.GetBinding(context.Background(), name, &p))
	p.name = name
	return &p
}
