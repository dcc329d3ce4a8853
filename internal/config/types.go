package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	TaskEngine  TaskEngineConfig  `json:"task_engine"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	TaskService TaskServiceConfig `json:"task_service"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile enables a rotating log file.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the durable store. Changes need a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// CompactEvery is the journal length that triggers a snapshot (file).
	CompactEvery int `json:"compact_every,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired tasks.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "15s"
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls reservation admission and triggers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// ReserveRate is admissions per second; 0 is unlimited.
	ReserveRate     float64 `json:"reserve_rate,omitempty"`
	ReserveBurst    int     `json:"reserve_burst,omitempty"`
	MaxReservations int     `json:"max_reservations,omitempty"`
	MinPeriod       string  `json:"min_period,omitempty"`
}

type TaskServiceConfig struct {
	NodeID int64 `json:"node_id"`
	// TxnTimeout bounds every transaction; "0s" keeps the 30s default.
	TxnTimeout string `json:"txn_timeout,omitempty"`
	// Heartbeat schedules the built-in heartbeat task; empty disables it.
	Heartbeat string `json:"heartbeat,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof and /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
