package config

import (
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for
// logging (never the debug token) and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		e := newCfg.TaskEngine
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", e.Workers),
			logx.Int("task_engine.queue_size", e.QueueSize),
			logx.Int("task_engine.retry_max", e.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.Float64("scheduler.reserve_rate", s.ReserveRate),
			logx.Int("scheduler.max_reservations", s.MaxReservations),
		)
	}

	if oldCfg.TaskService != newCfg.TaskService {
		ts := newCfg.TaskService
		changed = append(changed, "task_service")
		if oldCfg.TaskService.NodeID != ts.NodeID || oldCfg.TaskService.TxnTimeout != ts.TxnTimeout {
			restart = append(restart, "task_service")
		}
		attrs = append(attrs,
			logx.Int64("task_service.node_id", ts.NodeID),
			logx.String("task_service.heartbeat", strings.TrimSpace(ts.Heartbeat)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		d := newCfg.Debug
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", strings.TrimSpace(d.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(d.Token) != ""),
		)
	}
	return changed, attrs, restart
}
