package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
)

// registerRuntimeMetrics exposes engine and scheduler snapshots as gauges.
func registerRuntimeMetrics(reg prometheus.Registerer, eng *engine.Service, sched *scheduler.Service) error {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "taskd", Name: name, Help: help}, fn)
	}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "taskd", Name: name, Help: help}, fn)
	}
	cs := []prometheus.Collector{
		gauge("engine_queue_length", "Tasks waiting in the engine queues.", func() float64 {
			s := eng.Snapshot()
			return float64(s.QueueLen + s.HighQueueLen)
		}),
		gauge("engine_in_flight", "Tasks currently running.", func() float64 {
			return float64(eng.Snapshot().InFlight)
		}),
		counter("engine_completed_total", "Task runs that succeeded.", func() float64 {
			return float64(eng.Snapshot().Completed)
		}),
		counter("engine_failed_total", "Task runs that failed after retries.", func() float64 {
			return float64(eng.Snapshot().Failed)
		}),
		gauge("scheduler_outstanding", "Reservations and recurring claims held.", func() float64 {
			return float64(sched.Snapshot().Outstanding)
		}),
		counter("scheduler_rejected_total", "Reservations refused by admission control.", func() float64 {
			return float64(sched.Snapshot().Rejected)
		}),
		counter("scheduler_fired_total", "Reservations and recurring runs fired.", func() float64 {
			return float64(sched.Snapshot().Fired)
		}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
