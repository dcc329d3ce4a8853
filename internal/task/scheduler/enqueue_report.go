package scheduler

import (
	"context"
	"errors"
	"time"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips and shutdown are part of normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, context.Canceled) {
		s.log.Debug("trigger skipped", logx.String("name", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("failed to submit fired task", logx.String("name", name), logx.Err(err))
}
