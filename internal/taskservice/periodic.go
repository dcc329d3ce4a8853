package taskservice

import (
	"context"
	"errors"
	"fmt"

	"taskd/internal/datastore"
	logx "taskd/pkg/logx"
)

// PeriodicTaskHandle cancels a periodic task. It holds only the pending
// name, so any holder may cancel in any transaction.
type PeriodicTaskHandle struct {
	s    *Service
	name string
}

func (h *PeriodicTaskHandle) Name() string { return h.name }

// Cancel stops the task when the transaction in ctx commits. Cancelling a
// task that is already cancelled fails with ErrAlreadyCancelled.
func (h *PeriodicTaskHandle) Cancel(ctx context.Context) error {
	return h.s.cancelPeriodic(ctx, h.name)
}

func (s *Service) cancelPeriodic(ctx context.Context, name string) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	var p PendingTask
	if err := s.ds.GetBinding(ctx, name, &p); err != nil {
		if errors.Is(err, datastore.ErrNameNotBound) {
			return fmt.Errorf("%w: %s", ErrAlreadyCancelled, name)
		}
		return err
	}
	p.name = name
	if !p.IsPeriodic() {
		return fmt.Errorf("%w: %s is not periodic", ErrInvalidArgument, name)
	}
	if p.IsCancelled() {
		return fmt.Errorf("%w: %s", ErrAlreadyCancelled, name)
	}

	if st.dropAdded(name) {
		s.log.Debug("periodic task cancelled in its scheduling transaction", logx.String("name", name))
		return s.ds.RemoveBinding(ctx, name)
	}
	if !p.ownedBy(s.cfg.NodeID) {
		// The running node removes the record when it next fires.
		p.MarkCancelled()
		s.log.Debug("periodic task marked cancelled", logx.String("name", name), logx.Int64("node", p.node))
		return s.ds.SetBinding(ctx, name, &p)
	}
	if err := s.ds.RemoveBinding(ctx, name); err != nil {
		return err
	}
	st.cancelRecurring(name, p.kind)
	return nil
}

// PeriodicHandle rebuilds the handle of the periodic task bound to name,
// for callers that persisted the name instead of the handle.
func (s *Service) PeriodicHandle(name string) *PeriodicTaskHandle {
	return &PeriodicTaskHandle{s: s, name: name}
}
