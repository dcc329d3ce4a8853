// Package heartbeat is a periodic task kind that records a liveness beat in
// the data service on every firing.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"taskd/internal/clock"
	"taskd/internal/datastore"
	"taskd/internal/taskservice"
	logx "taskd/pkg/logx"
)

const (
	Kind = "heartbeat"
	// BeatBinding holds the last Beat.
	BeatBinding = "taskd.heartbeat"
	// scheduleBinding remembers the periodic task so restarts don't add another.
	scheduleBinding = "taskd.heartbeat.schedule"
)

type Beat struct {
	Node  int64     `json:"node"`
	Count uint64    `json:"count"`
	At    time.Time `json:"at"`
}

type schedule struct {
	Name   string        `json:"name"`
	Period time.Duration `json:"period"`
}

// Store is the part of the data service the task uses.
type Store interface {
	GetBinding(ctx context.Context, name string, out any) error
	SetBinding(ctx context.Context, name string, value any) error
	RemoveBinding(ctx context.Context, name string) error
}

type Task struct {
	Node int64 `json:"node"`

	ds    Store
	clock clock.Clock
	log   logx.Logger
}

func (t *Task) Kind() string { return Kind }

func (t *Task) Run(ctx context.Context) error {
	var b Beat
	if err := t.ds.GetBinding(ctx, BeatBinding, &b); err != nil && !errors.Is(err, datastore.ErrNameNotBound) {
		return err
	}
	b.Node = t.Node
	b.Count++
	b.At = t.clock.Now()
	if err := t.ds.SetBinding(ctx, BeatBinding, b); err != nil {
		return err
	}
	t.log.Debug("heartbeat", logx.Int64("node", b.Node), logx.Uint64("count", b.Count))
	return nil
}

// Register adds the heartbeat kind to reg.
func Register(reg *taskservice.Registry, ds Store, clk clock.Clock, log logx.Logger) error {
	clk = clock.Or(clk)
	return reg.Register(Kind, func() taskservice.Task {
		return &Task{ds: ds, clock: clk, log: log}
	})
}

// Ensure makes the heartbeat run every period, within the transaction in
// ctx. A previous schedule with another period is cancelled; period 0
// removes the heartbeat.
func Ensure(ctx context.Context, svc *taskservice.Service, ds Store, node int64, period time.Duration) error {
	var cur schedule
	err := ds.GetBinding(ctx, scheduleBinding, &cur)
	switch {
	case errors.Is(err, datastore.ErrNameNotBound):
		cur = schedule{}
	case err != nil:
		return err
	case cur.Period == period:
		return nil
	}

	if cur.Name != "" {
		if err := svc.PeriodicHandle(cur.Name).Cancel(ctx); err != nil && !errors.Is(err, taskservice.ErrAlreadyCancelled) {
			return err
		}
	}
	if period <= 0 {
		if cur.Name == "" {
			return nil
		}
		return ds.RemoveBinding(ctx, scheduleBinding)
	}
	h, err := svc.SchedulePeriodicTask(ctx, &Task{Node: node}, 0, period)
	if err != nil {
		return err
	}
	return ds.SetBinding(ctx, scheduleBinding, schedule{Name: h.Name(), Period: period})
}
