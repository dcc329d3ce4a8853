package app

import (
	"testing"
	"time"

	"taskd/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "memory" {
		t.Fatalf("default driver: %+v %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("unexpected sqlite config: %+v", sc)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "file"}}); err == nil {
		t.Fatalf("file without path should fail")
	}
}

func TestMapDebugConfig(t *testing.T) {
	dc, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if dc.Addr != "127.0.0.1:6060" || dc.ReadTimeout != 5*time.Second || dc.IdleTimeout != 2*time.Minute {
		t.Fatalf("unexpected defaults: %+v", dc)
	}

	public := config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	if _, err := mapDebugConfig(&config.Config{Debug: public}); err == nil {
		t.Fatalf("public bind without token should fail")
	}
	public.Token = "t"
	if _, err := mapDebugConfig(&config.Config{Debug: public}); err != nil {
		t.Fatalf("public bind with token: %v", err)
	}
	if _, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{Enabled: true, Addr: "nohost"}}); err == nil {
		t.Fatalf("bad addr should fail")
	}
}

func TestMapTaskServiceConfig(t *testing.T) {
	ts, err := mapTaskServiceConfig(&config.Config{TaskService: config.TaskServiceConfig{NodeID: 4, TxnTimeout: "5s", Heartbeat: "1m"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if ts.nodeID != 4 || ts.txnTimeout != 5*time.Second || ts.heartbeat != time.Minute {
		t.Fatalf("unexpected settings: %+v", ts)
	}
}

func TestValidateRejectsBadEngineDuration(t *testing.T) {
	cfg := &config.Config{TaskEngine: config.TaskEngineConfig{RetryBase: "fast"}}
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error")
	}
}
