package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskd/internal/clock"
	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

// Executor runs fired work. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	clock clock.Clock
	exec  Executor

	limiter *rate.Limiter
	c       *cron.Cron
	// ctx bounds submissions from fired claims; canceled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	seq         uint64
	outstanding int
	onces       map[uint64]*reservation
	recurring   map[uint64]*recurringHandle

	rejected atomic.Uint64
	fired    atomic.Uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus, clk clock.Clock) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		clock:       clock.Or(clk),
		exec:        exec,
		onces:       map[uint64]*reservation{},
		recurring:   map[uint64]*recurringHandle{},
		lastEnqWarn: map[string]time.Time{},
	}
	s.limiter = rate.NewLimiter(rate.Inf, 1)
	s.applyLocked(cfg)
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates admission settings at runtime. Armed claims keep running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = defaultMinPeriod
	}
	if cfg.ReserveBurst <= 0 {
		cfg.ReserveBurst = max(1, int(cfg.ReserveRate))
	}
	s.cfg = cfg
	if cfg.ReserveRate <= 0 {
		s.limiter.SetLimit(rate.Inf)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.ReserveRate))
	}
	s.limiter.SetBurst(cfg.ReserveBurst)
}

// Start begins triggering. Claims armed before Start fire from here on.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = cron.New(cron.WithLocation(time.UTC))
	for _, h := range s.recurring {
		h.registerLocked()
	}
	for _, r := range s.onces {
		r.armLocked()
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("once", len(s.onces)), logx.Int("recurring", len(s.recurring)))
}

// Stop halts triggering. Armed claims are kept and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	for _, r := range s.onces {
		r.disarmLocked()
	}
	for _, h := range s.recurring {
		h.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Reserve claims one run of fn at at. The claim is inert until Use.
func (s *Service) Reserve(name string, at time.Time, fn func(ctx context.Context) error, opts ...JobOption) (Reservation, error) {
	job, err := newJob(name, fn, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(job); err != nil {
		return nil, err
	}
	s.seq++
	return &reservation{s: s, id: s.seq, job: job, at: at}, nil
}

// Recurring claims a run of fn at start and every period after it. Firings
// of one handle never overlap.
func (s *Service) Recurring(name string, start time.Time, period time.Duration, fn func(ctx context.Context) error, opts ...JobOption) (Recurring, error) {
	job, err := newJob(name, fn, opts)
	if err != nil {
		return nil, err
	}
	job.Opt.Overlap = engine.OverlapSkipIfRunning
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(job); err != nil {
		return nil, err
	}
	s.seq++
	return &recurringHandle{
		s:        s,
		id:       s.seq,
		job:      job,
		schedule: periodicSchedule{start: start, period: max(period, s.cfg.MinPeriod)},
		runState: &engine.RunState{},
		floor:    start,
	}, nil
}

func newJob(name string, fn func(ctx context.Context) error, opts []JobOption) (Job, error) {
	if fn == nil {
		return Job{}, errors.New("scheduler: nil run func")
	}
	if name == "" {
		return Job{}, errors.New("scheduler: name required")
	}
	job := Job{Name: name, Run: fn}
	for _, o := range opts {
		o(&job)
	}
	return job, nil
}

func (s *Service) admitLocked(job Job) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if !job.bypass {
		if s.cfg.MaxReservations > 0 && s.outstanding >= s.cfg.MaxReservations {
			s.rejected.Add(1)
			return ErrRejected
		}
		if !s.limiter.AllowN(s.clock.Now(), 1) {
			s.rejected.Add(1)
			return ErrRejected
		}
	}
	s.outstanding++
	return nil
}

func (s *Service) releaseLocked() {
	if s.outstanding > 0 {
		s.outstanding--
	}
}

// submit hands fired work to the executor.
func (s *Service) submit(ctx context.Context, job Job, state *engine.RunState) {
	s.fired.Add(1)
	err := s.exec.Submit(ctx, engine.Task{
		Name:     job.Name,
		Timeout:  job.Timeout,
		Run:      job.Run,
		Opt:      job.Opt,
		Priority: job.Priority,
		State:    state,
	})
	if err != nil {
		s.reportEnqueueError(job.Name, err)
	}
}
