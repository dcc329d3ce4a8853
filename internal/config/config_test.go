package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/taskd.db
task_engine:
  workers: 2
scheduler:
  enabled: true
  reserve_rate: 50
  min_period: 10ms
task_service:
  node_id: 7
  heartbeat: 30s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "taskd.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.TaskService.NodeID != 7 || cfg.Scheduler.ReserveRate != 50 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return committed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"bogus":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.yaml", []byte("scheduler:\n  enabledd: true\n")); err == nil {
		t.Fatalf("expected unknown field error for yaml")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{} {}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yml", []byte("# nothing\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Fatalf("expected zero config")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero", Config{}, true},
		{"file without path", Config{Storage: StorageConfig{Driver: "file"}}, false},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "etcd"}}, false},
		{"bad duration", Config{Scheduler: SchedulerConfig{MinPeriod: "soon"}}, false},
		{"negative duration", Config{TaskService: TaskServiceConfig{Heartbeat: "-1s"}}, false},
		{"negative node", Config{TaskService: TaskServiceConfig{NodeID: -1}}, false},
		{"negative rate", Config{Scheduler: SchedulerConfig{ReserveRate: -1}}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: ok=%v err=%v", tc.name, tc.ok, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Debug: DebugConfig{Token: "a"}}
	newCfg := &Config{
		Storage:     StorageConfig{Driver: "sqlite", Path: "x.db"},
		Scheduler:   SchedulerConfig{Enabled: true},
		TaskService: TaskServiceConfig{NodeID: 3},
		Debug:       DebugConfig{Token: "b"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"storage", "scheduler", "task_service", "debug"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if strings.Join(restart, ",") != "storage,task_service" {
		t.Fatalf("restart=%v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	if c, _, r := SummarizeConfigChange(newCfg, newCfg); len(c) != 0 || len(r) != 0 {
		t.Fatalf("identical configs should not differ: %v %v", c, r)
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("expected newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestWatchPublishesChange(t *testing.T) {
	path := writeFile(t, "taskd.json", `{"scheduler":{"enabled":false}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	validated := make(chan struct{}, 4)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		select {
		case validated <- struct{}{}:
		default:
		}
		return nil
	})
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher has picked it up
		if err := os.WriteFile(path, []byte(`{"scheduler":{"enabled":true}}`), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case cfg := <-ch:
			if !cfg.Scheduler.Enabled {
				t.Fatalf("expected reloaded config")
			}
			cancel()
			<-done
			if len(validated) == 0 {
				t.Fatalf("validator was not consulted")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{" 250ms ", 250 * time.Millisecond, true},
		{"1500", 1500 * time.Millisecond, true},
		{"0", 0, true},
		{"2m", 2 * time.Minute, true},
		{"-5", 0, false},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, c := range cases {
		got, err := ParseDurationField("x.y", c.raw)
		if (err == nil) != c.ok {
			t.Fatalf("%q: err = %v", c.raw, err)
		}
		if err != nil && !strings.HasPrefix(err.Error(), "x.y: ") {
			t.Fatalf("%q: error lacks path: %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("%q = %s, want %s", c.raw, got, c.want)
		}
	}

	if d, err := ParseDurationOrDefault("x.y", "0", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %s, %v", d, err)
	}
}
