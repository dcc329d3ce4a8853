package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskd/internal/tasks/heartbeat"
	"taskd/internal/taskservice"
)

type pingTask struct {
	ID  string `json:"id"`
	ran chan<- string
}

func (p *pingTask) Kind() string { return "ping" }

func (p *pingTask) Run(context.Context) error {
	p.ran <- p.ID
	return nil
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "taskd.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func baseConfig(storage map[string]any, heartbeatEvery string) map[string]any {
	return map[string]any{
		"logging":      map[string]any{"level": "error"},
		"storage":      storage,
		"task_engine":  map[string]any{"workers": 2},
		"scheduler":    map[string]any{"enabled": true},
		"task_service": map[string]any{"node_id": 1, "heartbeat": heartbeatEvery},
	}
}

func startApp(t *testing.T, path string, ran chan<- string) *App {
	t.Helper()
	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Kinds().Register("ping", func() taskservice.Task { return &pingTask{ran: ran} }))
	require.NoError(t, a.Start(context.Background()))
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func waitRun(t *testing.T, ran <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ran:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("task %q did not run", want)
	}
}

func TestAppRunsScheduledTask(t *testing.T) {
	ran := make(chan string, 4)
	path := writeConfig(t, t.TempDir(), baseConfig(map[string]any{"driver": "memory"}, ""))
	a := startApp(t, path, ran)
	defer stopApp(t, a)

	require.NoError(t, a.readiness(context.Background()))
	err := a.Run(context.Background(), func(ctx context.Context) error {
		return a.Tasks().ScheduleTask(ctx, &pingTask{ID: "now"})
	})
	require.NoError(t, err)
	waitRun(t, ran, "now")
}

func TestAppHeartbeat(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseConfig(map[string]any{"driver": "memory"}, "20ms"))
	a := startApp(t, path, make(chan string, 1))
	defer stopApp(t, a)

	require.Eventually(t, func() bool {
		var beat heartbeat.Beat
		if err := a.Data().GetBinding(context.Background(), heartbeat.BeatBinding, &beat); err != nil {
			return false
		}
		return beat.Node == 1 && beat.Count >= 2
	}, 5*time.Second, 20*time.Millisecond)

	_, periodic := a.Tasks().Armed()
	require.Equal(t, 1, periodic)
}

func TestAppRecoversPendingTasksAfterRestart(t *testing.T) {
	dir := t.TempDir()
	storage := map[string]any{"driver": "file", "path": filepath.Join(dir, "data", "taskd")}
	path := writeConfig(t, dir, baseConfig(storage, ""))

	ran := make(chan string, 4)
	first := startApp(t, path, ran)
	err := first.Run(context.Background(), func(ctx context.Context) error {
		return first.Tasks().ScheduleTaskDelayed(ctx, &pingTask{ID: "later"}, time.Hour)
	})
	require.NoError(t, err)
	stopApp(t, first)
	require.Empty(t, ran)

	// rewrite the record's start so the second process finds it overdue
	second, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, second.Kinds().Register("ping", func() taskservice.Task { return &pingTask{ran: ran} }))
	name, err := second.Data().NextBoundName(context.Background(), taskservice.PendingPrefix)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, second.Data().GetBinding(context.Background(), name, &rec))
	rec["start"] = time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, second.Run(context.Background(), func(ctx context.Context) error {
		return second.Data().SetBinding(ctx, name, rec)
	}))

	require.NoError(t, second.Start(context.Background()))
	defer stopApp(t, second)
	waitRun(t, ran, "later")
}

func TestAppNotReadyWithSchedulerDisabled(t *testing.T) {
	cfg := baseConfig(map[string]any{"driver": "memory"}, "")
	cfg["scheduler"] = map[string]any{"enabled": false}
	a := startApp(t, writeConfig(t, t.TempDir(), cfg), make(chan string, 1))
	defer stopApp(t, a)

	require.ErrorIs(t, a.readiness(context.Background()), errNotReady)
}

func TestAppPeriodicTaskFirstRunIsImmediate(t *testing.T) {
	ran := make(chan string, 4)
	path := writeConfig(t, t.TempDir(), baseConfig(map[string]any{"driver": "memory"}, ""))
	a := startApp(t, path, ran)
	defer stopApp(t, a)

	err := a.Run(context.Background(), func(ctx context.Context) error {
		_, err := a.Tasks().SchedulePeriodicTask(ctx, &pingTask{ID: "hourly"}, 0, time.Hour)
		return err
	})
	require.NoError(t, err)
	waitRun(t, ran, "hourly")
}

func TestAppRecoveredPeriodicTaskFiresAtNextSlot(t *testing.T) {
	dir := t.TempDir()
	storage := map[string]any{"driver": "file", "path": filepath.Join(dir, "data", "taskd")}
	path := writeConfig(t, dir, baseConfig(storage, ""))

	ran := make(chan string, 4)
	first := startApp(t, path, ran)
	err := first.Run(context.Background(), func(ctx context.Context) error {
		_, err := first.Tasks().SchedulePeriodicTask(ctx, &pingTask{ID: "hourly"}, time.Hour, time.Hour)
		return err
	})
	require.NoError(t, err)
	stopApp(t, first)
	require.Empty(t, ran)

	// move the schedule so its next slot lands right around recovery
	second, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, second.Kinds().Register("ping", func() taskservice.Task { return &pingTask{ran: ran} }))
	name, err := second.Data().NextBoundName(context.Background(), taskservice.PendingPrefix)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, second.Data().GetBinding(context.Background(), name, &rec))
	rec["start"] = time.Now().Add(-time.Hour + time.Second).UnixMilli()
	require.NoError(t, second.Run(context.Background(), func(ctx context.Context) error {
		return second.Data().SetBinding(ctx, name, rec)
	}))

	require.NoError(t, second.Start(context.Background()))
	defer stopApp(t, second)
	waitRun(t, ran, "hourly")
}
