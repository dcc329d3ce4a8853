package taskservice

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskd/internal/datastore"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// RecoveryReport summarizes one Ready pass.
type RecoveryReport struct {
	Once     int
	Periodic int
	// Skipped counts records already armed in this process.
	Skipped int
	Removed int
	Corrupt int
}

func (r RecoveryReport) Rearmed() int { return r.Once + r.Periodic }

// Ready re-arms every pending task in the store. One-shot tasks keep their
// original start time, so overdue ones run right away. Periodic tasks
// resume at the first start + k*period that is not in the past. Records
// already armed by this process are left alone, which makes Ready safe to
// call more than once.
func (s *Service) Ready(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	err := s.txr.Run(ctx, func(ctx context.Context) error {
		rep = RecoveryReport{}
		st, err := s.state(ctx)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		after := PendingPrefix
		for {
			name, err := s.ds.NextBoundName(ctx, after)
			if errors.Is(err, datastore.ErrNameNotBound) {
				break
			}
			if err != nil {
				return err
			}
			if !strings.HasPrefix(name, PendingPrefix) {
				break
			}
			after = name
			if err := s.recoverOne(ctx, st, name, now, &rep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("pending task recovery failed", logx.Err(err))
		return rep, err
	}
	s.metrics.recovered.Add(float64(rep.Rearmed()))
	s.publish("task.recovered", rep)
	s.log.Info("pending tasks recovered",
		logx.Int("rearmed", rep.Rearmed()),
		logx.Int("once", rep.Once),
		logx.Int("periodic", rep.Periodic),
		logx.Int("skipped", rep.Skipped),
		logx.Int("removed", rep.Removed),
		logx.Int("corrupt", rep.Corrupt),
	)
	return rep, nil
}

func (s *Service) recoverOne(ctx context.Context, st *txnState, name string, now time.Time, rep *RecoveryReport) error {
	if s.isArmed(name) {
		rep.Skipped++
		return nil
	}
	var p PendingTask
	if err := s.ds.GetBinding(ctx, name, &p); err != nil {
		if errors.Is(err, datastore.ErrNameNotBound) {
			return nil
		}
		rep.Corrupt++
		s.log.Warn("skipping unreadable pending task", logx.String("name", name), logx.Err(err))
		return nil
	}
	p.name = name

	if p.IsCancelled() {
		if p.IsPeriodic() && !p.ownedBy(s.cfg.NodeID) {
			rep.Skipped++
			return nil
		}
		rep.Removed++
		return s.ds.RemoveBinding(ctx, name)
	}
	if !s.kinds.Has(p.kind) {
		rep.Corrupt++
		s.log.Warn("skipping pending task of unknown kind", logx.String("name", name), logx.String("kind", p.kind))
		return nil
	}

	opts := s.jobOptions(scheduler.WithoutAdmission())
	if p.IsPeriodic() {
		next := p.nextFire(now)
		h, err := s.sched.Recurring(name, next, p.Period(), s.runner(name), opts...)
		if err != nil {
			s.log.Warn("failed to re-arm periodic task", logx.String("name", name), logx.Err(err))
			return nil
		}
		if p.node != s.cfg.NodeID {
			p.node = s.cfg.NodeID
			if err := s.ds.SetBinding(ctx, name, &p); err != nil {
				h.Cancel()
				return err
			}
		}
		st.startRecurring(name, p.kind, h)
		rep.Periodic++
		s.log.Debug("periodic task re-armed", logx.String("name", name), logx.Time("next", next), logx.Duration("period", p.Period()))
		return nil
	}

	r, err := s.sched.Reserve(name, p.startAt(now), s.runner(name), opts...)
	if err != nil {
		s.log.Warn("failed to re-arm task", logx.String("name", name), logx.Err(err))
		return nil
	}
	st.reserve(name, p.kind, r, true)
	rep.Once++
	return nil
}
