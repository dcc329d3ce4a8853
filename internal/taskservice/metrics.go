package taskservice

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	kindOnce       = "once"
	kindPeriodic   = "periodic"
	kindNonDurable = "nondurable"
)

type metrics struct {
	scheduled   *prometheus.CounterVec
	runs        *prometheus.CounterVec
	cancelled   prometheus.Counter
	recovered   prometheus.Counter
	runDuration prometheus.Histogram
}

func newMetrics(s *Service, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "scheduled_total",
			Help:      "Tasks armed after their scheduling transaction committed.",
		}, []string{"type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Pending task executions by outcome.",
		}, []string{"outcome"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "cancelled_total",
			Help:      "Periodic tasks cancelled.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "recovered_total",
			Help:      "Pending tasks re-armed at startup.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "run_duration_seconds",
			Help:      "Duration of pending task execution transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg == nil {
		return m, nil
	}
	armed := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "taskd",
		Subsystem: "tasks",
		Name:      "armed_periodic",
		Help:      "Periodic tasks armed by this process.",
	}, func() float64 {
		_, n := s.Armed()
		return float64(n)
	})
	for _, c := range []prometheus.Collector{m.scheduled, m.runs, m.cancelled, m.recovered, m.runDuration, armed} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}
