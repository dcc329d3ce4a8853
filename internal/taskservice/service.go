package taskservice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskd/internal/clock"
	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

// DataService is the transactional name binding service pending tasks are
// stored in. *datastore.Service implements it.
type DataService interface {
	CreateBinding(ctx context.Context, name string, value any) error
	SetBinding(ctx context.Context, name string, value any) error
	RemoveBinding(ctx context.Context, name string) error
	GetBinding(ctx context.Context, name string, out any) error
	GetRaw(ctx context.Context, name string) ([]byte, error)
	NextBoundName(ctx context.Context, after string) (string, error)
	NewObjectID(ctx context.Context) (uint64, error)
}

// Scheduler hands out reservations and recurring handles.
// *scheduler.Service implements it.
type Scheduler interface {
	Reserve(name string, at time.Time, run func(ctx context.Context) error, opts ...scheduler.JobOption) (scheduler.Reservation, error)
	Recurring(name string, start time.Time, period time.Duration, run func(ctx context.Context) error, opts ...scheduler.JobOption) (scheduler.Recurring, error)
}

type Config struct {
	// NodeID identifies this process as the running node of periodic tasks.
	NodeID int64
	// TaskOptions are the engine settings of every durable task run.
	TaskOptions engine.TaskOptions
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = clock.Or(c) } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// WithRegisterer registers the service metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(s *Service) { s.reg = reg } }

type Service struct {
	cfg   Config
	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus
	reg   prometheus.Registerer

	ds    DataService
	sched Scheduler
	kinds *Registry
	txr   *txn.Runner

	metrics *metrics
	seq     atomic.Uint64

	mu sync.Mutex
	// armed work of this process, keyed by pending name
	recurring map[string]scheduler.Recurring
	onces     map[string]struct{}
	states    map[*txn.Transaction]*txnState
}

func New(cfg Config, coord *txn.Coordinator, ds DataService, sched Scheduler, kinds *Registry, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if kinds == nil {
		kinds = NewRegistry()
	}
	log = log.With(logx.String("comp", "taskservice"))
	s := &Service{
		cfg:       cfg,
		log:       log,
		clock:     clock.Real{},
		ds:        ds,
		sched:     sched,
		kinds:     kinds,
		txr:       txn.NewRunner(coord, log),
		recurring: map[string]scheduler.Recurring{},
		onces:     map[string]struct{}{},
		states:    map[*txn.Transaction]*txnState{},
	}
	for _, o := range opts {
		o(s)
	}
	m, err := newMetrics(s, s.reg)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	return s, nil
}

// Registry returns the task kinds the service can run.
func (s *Service) Registry() *Registry { return s.kinds }

// ScheduleTask schedules task to run as soon as the current transaction
// commits.
func (s *Service) ScheduleTask(ctx context.Context, task Task) error {
	_, err := s.schedule(ctx, task, startNow, notPeriodic)
	return err
}

// ScheduleTaskDelayed schedules task to run delay after now.
func (s *Service) ScheduleTaskDelayed(ctx context.Context, task Task, delay time.Duration) error {
	if delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidArgument, delay)
	}
	_, err := s.schedule(ctx, task, s.clock.Now().Add(delay).UnixMilli(), notPeriodic)
	return err
}

// SchedulePeriodicTask schedules task to run delay after now and every
// period after that, until the returned handle is cancelled.
func (s *Service) SchedulePeriodicTask(ctx context.Context, task Task, delay, period time.Duration) (*PeriodicTaskHandle, error) {
	if delay < 0 || period < 0 {
		return nil, fmt.Errorf("%w: negative delay %s or period %s", ErrInvalidArgument, delay, period)
	}
	name, err := s.schedule(ctx, task, s.clock.Now().Add(delay).UnixMilli(), period.Milliseconds())
	if err != nil {
		return nil, err
	}
	return &PeriodicTaskHandle{s: s, name: name}, nil
}

func (s *Service) schedule(ctx context.Context, task Task, start, period int64) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	if !s.kinds.Has(task.Kind()) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, task.Kind())
	}
	st, err := s.state(ctx)
	if err != nil {
		return "", err
	}
	p, err := newPendingTask(task, start, period, OwnerFrom(ctx))
	if err != nil {
		return "", err
	}
	id, err := s.ds.NewObjectID(ctx)
	if err != nil {
		return "", txn.Retryable(fmt.Errorf("allocate pending task id: %w", err))
	}
	p.name = pendingName(id)
	if p.IsPeriodic() {
		p.node = s.cfg.NodeID
	}
	if err := s.ds.CreateBinding(ctx, p.name, p); err != nil {
		return "", err
	}

	now := s.clock.Now()
	if p.IsPeriodic() {
		h, err := s.sched.Recurring(p.name, p.startAt(now), p.Period(), s.runner(p.name), s.jobOptions()...)
		if err != nil {
			return "", err
		}
		st.startRecurring(p.name, p.kind, h)
	} else {
		r, err := s.sched.Reserve(p.name, p.startAt(now), s.runner(p.name), s.jobOptions()...)
		if err != nil {
			return "", err
		}
		st.reserve(p.name, p.kind, r, true)
	}
	s.log.Debug("task scheduled",
		logx.String("name", p.name),
		logx.String("kind", p.kind),
		logx.Bool("periodic", p.IsPeriodic()),
		logx.String("owner", p.owner),
	)
	return p.name, nil
}

func (s *Service) jobOptions(extra ...scheduler.JobOption) []scheduler.JobOption {
	return append([]scheduler.JobOption{scheduler.WithTaskOptions(s.cfg.TaskOptions)}, extra...)
}

// NonDurableOption configures ScheduleNonDurableTask.
type NonDurableOption func(*nonDurable)

type nonDurable struct {
	delay    time.Duration
	priority engine.Priority
}

func WithDelay(d time.Duration) NonDurableOption { return func(n *nonDurable) { n.delay = d } }

func WithPriority(p engine.Priority) NonDurableOption {
	return func(n *nonDurable) { n.priority = p }
}

// ScheduleNonDurableTask runs task in a transaction of its own without
// recording it. Inside a transaction the run is armed when that transaction
// commits; outside one it is armed immediately. A crash loses the run.
func (s *Service) ScheduleNonDurableTask(ctx context.Context, task Task, opts ...NonDurableOption) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	var nd nonDurable
	for _, o := range opts {
		o(&nd)
	}
	if nd.delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidArgument, nd.delay)
	}

	name := fmt.Sprintf("taskd.nondurable.%s.%d", task.Kind(), s.seq.Add(1))
	run := func(ctx context.Context) error {
		err := s.txr.Run(ctx, task.Run, txn.NoTimeout())
		if err != nil && !txn.IsRetryable(err) {
			return engine.NoRetry(err)
		}
		return err
	}
	r, err := s.sched.Reserve(name, s.clock.Now().Add(nd.delay), run, scheduler.WithPriority(nd.priority))
	if err != nil {
		return err
	}
	if !txn.InTransaction(ctx) {
		s.metrics.scheduled.WithLabelValues(kindNonDurable).Inc()
		return r.Use()
	}
	st, err := s.state(ctx)
	if err != nil {
		r.Cancel()
		return err
	}
	st.reserve(name, task.Kind(), r, false)
	return nil
}

// state returns the participant of the transaction in ctx, joining it on
// first use.
func (s *Service) state(ctx context.Context) (*txnState, error) {
	t, err := txn.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	st, ok := s.states[t]
	s.mu.Unlock()
	if ok {
		return st, nil
	}
	st = &txnState{s: s, txn: t, added: map[string]*action{}}
	if err := t.Join(st); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.states[t] = st
	s.mu.Unlock()
	return st, nil
}

func (s *Service) forget(t *txn.Transaction) {
	s.mu.Lock()
	delete(s.states, t)
	s.mu.Unlock()
}

func (s *Service) isArmed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.onces[name]; ok {
		return true
	}
	_, ok := s.recurring[name]
	return ok
}

func (s *Service) disarmOnce(name string) {
	s.mu.Lock()
	delete(s.onces, name)
	s.mu.Unlock()
}

// Armed reports the number of one-shot and periodic tasks armed by this
// process.
func (s *Service) Armed() (once, periodic int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onces), len(s.recurring)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
	}
}

// TaskEvent is the payload of task service events on the bus.
type TaskEvent struct {
	Name  string `json:"name"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}
