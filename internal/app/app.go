package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskd/internal/clock"
	"taskd/internal/config"
	"taskd/internal/datastore"
	"taskd/internal/eventbus"
	"taskd/internal/observability/debugserver"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	"taskd/internal/tasks/heartbeat"
	"taskd/internal/taskservice"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

var errNotReady = errors.New("pending tasks not recovered yet")

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	ds    *datastore.Service
	coord *txn.Coordinator
	txr   *txn.Runner

	engine *engine.Service
	sched  *scheduler.Service
	tasks  *taskservice.Service
	kinds  *taskservice.Registry

	metrics *prometheus.Registry
	debug   *debugserver.Server
	notify  *systemd.Notifier

	node      int64
	heartbeat time.Duration
	ready     atomic.Bool
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, clock.Real{})
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, clk clock.Clock) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ts, err := mapTaskServiceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ds := datastore.New(store, log)
	coordOpts := []txn.Option{txn.WithLogger(log), txn.WithClock(clk)}
	if ts.txnTimeout > 0 {
		coordOpts = append(coordOpts, txn.WithTimeout(ts.txnTimeout))
	}
	coord := txn.NewCoordinator(coordOpts...)

	engineSvc := engine.New(engCfg, log, bus)
	schedSvc := scheduler.New(schedCfg, engineSvc, log, bus, clk)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kinds := taskservice.NewRegistry()
	if err := heartbeat.Register(kinds, ds, clk, log); err != nil {
		_ = store.Close()
		return nil, err
	}
	tasks, err := taskservice.New(taskservice.Config{NodeID: ts.nodeID}, coord, ds, schedSvc, kinds, log,
		taskservice.WithClock(clk),
		taskservice.WithBus(bus),
		taskservice.WithRegisterer(reg),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		ds:        ds,
		coord:     coord,
		txr:       txn.NewRunner(coord, log),
		engine:    engineSvc,
		sched:     schedSvc,
		tasks:     tasks,
		kinds:     kinds,
		metrics:   reg,
		notify:    systemd.NewNotifier(log),
		node:      ts.nodeID,
		heartbeat: ts.heartbeat,
	}
	if err := registerRuntimeMetrics(reg, engineSvc, schedSvc); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.debug = debugserver.New(dbgCfg, reg, a.readiness, log)
	return a, nil
}

// Tasks is the transactional task service.
func (a *App) Tasks() *taskservice.Service { return a.tasks }

// Kinds is the task kind registry. Register custom kinds before Start so
// recovery can load their records.
func (a *App) Kinds() *taskservice.Registry { return a.kinds }

// Data is the transactional name-binding store.
func (a *App) Data() *datastore.Service { return a.ds }

// Run executes fn inside a fresh transaction.
func (a *App) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return a.txr.Run(ctx, fn)
}

// Metrics is the registry served at /metrics.
func (a *App) Metrics() *prometheus.Registry { return a.metrics }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) readiness(context.Context) error {
	if !a.ready.Load() {
		return errNotReady
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.engine.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.recover(ctx); err != nil {
		return err
	}
	if dc, err := mapDebugConfig(a.cfgm.Get()); err == nil {
		a.debug.Reconfigure(ctx, dc)
	}

	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.notify.Watchdog)

	once, periodic := a.tasks.Armed()
	a.notify.Ready(fmt.Sprintf("%d one-shot and %d periodic tasks armed", once, periodic))
	a.log.Info("app started", logx.Int64("node", a.node), logx.Int("once", once), logx.Int("periodic", periodic))
	return nil
}

// recover re-arms pending tasks and reconciles the heartbeat. Without a
// scheduler nothing can be armed, so it waits for one to be enabled.
func (a *App) recover(ctx context.Context) error {
	if !a.sched.Enabled() {
		a.log.Warn("scheduler disabled; pending tasks stay dormant")
		return nil
	}
	if _, err := a.tasks.Ready(ctx); err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}
	if err := a.ensureHeartbeat(ctx, a.heartbeat); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	a.ready.Store(true)
	return nil
}

func (a *App) ensureHeartbeat(ctx context.Context, period time.Duration) error {
	err := a.txr.Run(ctx, func(ctx context.Context) error {
		return heartbeat.Ensure(ctx, a.tasks, a.ds, a.node, period)
	})
	if err == nil {
		a.heartbeat = period
	}
	return err
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig hot-applies what can change at runtime. Storage and node
// identity need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.notify.Reloading()
	defer a.notify.Ready("config reloaded")

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
			if err := a.recover(ctx); err != nil {
				a.log.Error("recovery after enabling scheduler failed", logx.Err(err))
			}
		}
	}

	if ts, err := mapTaskServiceConfig(next); err != nil {
		a.log.Warn("invalid task_service config; keeping previous", logx.Err(err))
	} else if ts.heartbeat != a.heartbeat && a.ready.Load() {
		if err := a.ensureHeartbeat(ctx, ts.heartbeat); err != nil {
			a.log.Warn("heartbeat reschedule failed", logx.Err(err))
		}
	}

	if dc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()
	a.ready.Store(false)

	// background loops unwind first
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step
// that overruns is left running and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
