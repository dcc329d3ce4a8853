package scheduler

import (
	"context"
	"time"

	logx "taskd/pkg/logx"
)

type reservationState int

const (
	reserved reservationState = iota
	armed
	fired
	cancelled
)

// reservation fields are guarded by s.mu.
type reservation struct {
	s   *Service
	id  uint64
	job Job
	at  time.Time

	state reservationState
	timer *time.Timer
	// gen invalidates callbacks of timers replaced by a restart
	gen uint64
}

func (r *reservation) Use() error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.state {
	case cancelled:
		return ErrCancelled
	case armed, fired:
		return ErrUsed
	}
	r.state = armed
	s.onces[r.id] = r
	if s.c != nil {
		r.armLocked()
	}
	return nil
}

func (r *reservation) Cancel() {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.state == fired || r.state == cancelled {
		return
	}
	r.disarmLocked()
	delete(s.onces, r.id)
	r.state = cancelled
	s.releaseLocked()
	s.log.Debug("reservation cancelled", logx.String("name", r.job.Name))
}

func (r *reservation) armLocked() {
	r.disarmLocked()
	r.gen++
	gen := r.gen
	delay := max(r.at.Sub(r.s.clock.Now()), 0)
	r.timer = time.AfterFunc(delay, func() { r.fire(gen) })
}

func (r *reservation) disarmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *reservation) fire(gen uint64) {
	s := r.s
	s.mu.Lock()
	if r.state != armed || r.gen != gen || s.onces[r.id] != r {
		s.mu.Unlock()
		return
	}
	r.state = fired
	r.timer = nil
	delete(s.onces, r.id)
	s.releaseLocked()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	s.submit(ctx, r.job, nil)
}
