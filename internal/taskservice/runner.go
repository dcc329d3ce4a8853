package taskservice

import (
	"context"
	"errors"
	"time"

	"taskd/internal/datastore"
	"taskd/internal/task/engine"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

// outcome of one execution attempt, for metrics and logs
type outcome string

const (
	outcomeOK        outcome = "ok"
	outcomeMissing   outcome = "missing"
	outcomeCancelled outcome = "cancelled"
	outcomeOrphaned  outcome = "orphaned"
	outcomeRetry     outcome = "retry"
	outcomeFailed    outcome = "failed"
)

func (s *Service) runner(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error { return s.execute(ctx, name) }
}

// execute runs the pending task bound to name in a new transaction.
func (s *Service) execute(ctx context.Context, name string) error {
	start := time.Now()
	var (
		res      = outcomeOK
		periodic bool
		kind     string
	)
	err := s.txr.Run(ctx, func(ctx context.Context) error {
		res, periodic, kind = outcomeOK, false, ""
		var p PendingTask
		if err := s.ds.GetBinding(ctx, name, &p); err != nil {
			if errors.Is(err, datastore.ErrNameNotBound) {
				res = outcomeMissing
				return nil
			}
			return err
		}
		p.name = name
		periodic, kind = p.IsPeriodic(), p.kind

		if p.IsCancelled() {
			res = outcomeCancelled
			return s.retire(ctx, &p)
		}
		ok, err := p.IsTaskAvailable(ctx, s.ds)
		if err != nil {
			return err
		}
		if !ok {
			res = outcomeOrphaned
			s.log.Warn("pending task references a removed task", logx.String("name", name), logx.String("kind", p.kind))
			return s.retire(ctx, &p)
		}

		task, err := p.Task(ctx, s.ds, s.kinds)
		if err != nil {
			return err
		}
		if err := task.Run(ctx); err != nil {
			return err
		}
		if !periodic {
			return s.ds.RemoveBinding(ctx, name)
		}
		return nil
	}, txn.NoTimeout())
	s.metrics.runDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if !periodic {
			s.disarmOnce(name)
		}
		s.metrics.runs.WithLabelValues(string(res)).Inc()
		if res == outcomeOK {
			s.publish("task.ran", TaskEvent{Name: name, Kind: kind})
		} else {
			s.log.Debug("pending task not run", logx.String("name", name), logx.String("outcome", string(res)))
		}
		return nil
	}

	if txn.IsRetryable(err) {
		s.metrics.runs.WithLabelValues(string(outcomeRetry)).Inc()
		s.log.Debug("task failed, will retry", logx.String("name", name), logx.Err(err))
		return err
	}

	s.metrics.runs.WithLabelValues(string(outcomeFailed)).Inc()
	s.log.Warn("task failed", logx.String("name", name), logx.String("kind", kind), logx.Err(err))
	s.publish("task.ran", TaskEvent{Name: name, Kind: kind, Error: err.Error()})
	if !periodic {
		s.disarmOnce(name)
		s.cleanup(ctx, name)
	}
	return engine.NoRetry(err)
}

// retire removes a record that must not run again and stops its recurring
// handle once the transaction commits.
func (s *Service) retire(ctx context.Context, p *PendingTask) error {
	if err := s.ds.RemoveBinding(ctx, p.name); err != nil {
		return err
	}
	if !p.IsPeriodic() {
		return nil
	}
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	st.cancelRecurring(p.name, p.kind)
	return nil
}

// cleanup removes the record of a one-shot task whose run was aborted by a
// non-retryable failure.
func (s *Service) cleanup(ctx context.Context, name string) {
	err := s.txr.Run(context.WithoutCancel(ctx), func(ctx context.Context) error {
		err := s.ds.RemoveBinding(ctx, name)
		if errors.Is(err, datastore.ErrNameNotBound) {
			return nil
		}
		return err
	})
	if err != nil {
		s.log.Warn("failed to remove pending task after failure", logx.String("name", name), logx.Err(err))
	}
}
