package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

// periodicSchedule fires at start, start+period, start+2*period, ...
type periodicSchedule struct {
	start  time.Time
	period time.Duration
}

// Next returns the first firing strictly after t.
func (p periodicSchedule) Next(t time.Time) time.Time {
	if t.Before(p.start) {
		return p.start
	}
	k := t.Sub(p.start)/p.period + 1
	return p.start.Add(k * p.period)
}

// entrySchedule is the schedule of one cron registration. Its first Next
// returns floor even when floor is already due, so a slot that passed
// before the registration fires once right away. Later calls step strictly
// forward.
type entrySchedule struct {
	periodicSchedule

	mu    sync.Mutex
	floor time.Time
	first bool
}

func (e *entrySchedule) Next(t time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.first {
		e.first = false
		return e.floor
	}
	return e.periodicSchedule.Next(t)
}

// recurringHandle fields are guarded by s.mu.
type recurringHandle struct {
	s        *Service
	id       uint64
	job      Job
	schedule periodicSchedule
	runState *engine.RunState

	// floor is the earliest slot that has not fired yet.
	floor time.Time

	started   bool
	cancelled bool
	entryID   cron.EntryID
}

func (h *recurringHandle) Start() error {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.cancelled {
		return ErrCancelled
	}
	if h.started {
		return nil
	}
	h.started = true
	s.recurring[h.id] = h
	if s.c != nil {
		h.registerLocked()
	}
	s.log.Debug("recurring started", logx.String("name", h.job.Name), logx.Time("start", h.schedule.start), logx.Duration("period", h.schedule.period))
	return nil
}

func (h *recurringHandle) Cancel() {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.entryID != 0 && s.c != nil {
		s.c.Remove(h.entryID)
	}
	h.entryID = 0
	delete(s.recurring, h.id)
	s.releaseLocked()
	s.log.Debug("recurring cancelled", logx.String("name", h.job.Name))
}

func (h *recurringHandle) registerLocked() {
	sched := &entrySchedule{periodicSchedule: h.schedule, floor: h.floor, first: true}
	h.entryID = h.s.c.Schedule(sched, cron.FuncJob(h.fire))
}

func (h *recurringHandle) fire() {
	s := h.s
	s.mu.Lock()
	if h.cancelled {
		s.mu.Unlock()
		return
	}
	h.floor = h.schedule.Next(time.Now())
	ctx := s.ctx
	s.mu.Unlock()
	s.submit(ctx, h.job, h.runState)
}
