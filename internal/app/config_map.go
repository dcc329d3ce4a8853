package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/observability/debugserver"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), CompactEvery: sc.CompactEvery}
	switch driver {
	case "", "memory", "mem":
		out.Driver = "memory"
	case "file":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return out, err
		}
		out.BusyTimeout = busy
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// mapTaskEngineConfig leaves zero values to the engine defaults.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.TaskEngine
	out := engine.Config{
		Enabled:     true,
		Workers:     ec.Workers,
		QueueSize:   ec.QueueSize,
		HistorySize: ec.HistorySize,
		RetryMax:    ec.RetryMax,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", ec.DefaultTimeout); err != nil {
		return out, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return out, err
	}
	if out.RetryBase, err = config.ParseDurationField("task_engine.retry_base", ec.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("task_engine.retry_max_delay", ec.RetryMaxDelay); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	minPeriod, err := config.ParseDurationField("scheduler.min_period", sc.MinPeriod)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:         sc.Enabled,
		ReserveRate:     sc.ReserveRate,
		ReserveBurst:    sc.ReserveBurst,
		MaxReservations: sc.MaxReservations,
		MinPeriod:       minPeriod,
	}, nil
}

type taskServiceSettings struct {
	nodeID     int64
	txnTimeout time.Duration
	heartbeat  time.Duration
}

func mapTaskServiceConfig(cfg *config.Config) (taskServiceSettings, error) {
	tc := cfg.TaskService
	out := taskServiceSettings{nodeID: tc.NodeID}
	var err error
	if out.txnTimeout, err = config.ParseDurationField("task_service.txn_timeout", tc.TxnTimeout); err != nil {
		return out, err
	}
	if out.heartbeat, err = config.ParseDurationField("task_service.heartbeat", tc.Heartbeat); err != nil {
		return out, err
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debugserver.Config, error) {
	dc := cfg.Debug
	out := debugserver.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = debugserver.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if out.MutexProfileFraction < 0 || out.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug: profile rates must be >= 0")
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !debugserver.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// validate runs every mapper so a reload is rejected as a whole.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskServiceConfig(cfg); err != nil {
		return err
	}
	_, err := mapDebugConfig(cfg)
	return err
}
