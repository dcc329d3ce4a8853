package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the fields that can be checked without opening anything.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	if c.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}

	e := c.TaskEngine
	if e.Workers < 0 || e.QueueSize < 0 || e.HistorySize < 0 || e.RetryMax < 0 {
		add(errors.New("task_engine: counts must be >= 0"))
	}
	dur("task_engine.default_timeout", e.DefaultTimeout)
	dur("task_engine.max_queue_delay", e.MaxQueueDelay)
	dur("task_engine.retry_base", e.RetryBase)
	dur("task_engine.retry_max_delay", e.RetryMaxDelay)

	s := c.Scheduler
	if s.ReserveRate < 0 || s.ReserveBurst < 0 || s.MaxReservations < 0 {
		add(errors.New("scheduler: rate, burst and max_reservations must be >= 0"))
	}
	dur("scheduler.min_period", s.MinPeriod)

	if c.TaskService.NodeID < 0 {
		add(errors.New("task_service.node_id must be >= 0"))
	}
	dur("task_service.txn_timeout", c.TaskService.TxnTimeout)
	dur("task_service.heartbeat", c.TaskService.Heartbeat)

	dur("debug.read_timeout", c.Debug.ReadTimeout)
	dur("debug.write_timeout", c.Debug.WriteTimeout)
	dur("debug.idle_timeout", c.Debug.IdleTimeout)

	return errors.Join(errs...)
}
