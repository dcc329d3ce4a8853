package taskservice

import (
	"context"

	"taskd/internal/task/scheduler"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

const participantName = "taskservice"

type actionKind int

const (
	actionReserve actionKind = iota
	actionStartRecurring
	actionCancelRecurring
)

type action struct {
	kind     actionKind
	name     string
	taskKind string
	res      scheduler.Reservation
	handle   scheduler.Recurring
	// durable reservations are tracked as armed once used
	durable bool
	dropped bool
}

// txnState is the non-durable participant holding the scheduler work of one
// transaction until it finalizes.
type txnState struct {
	s       *Service
	txn     *txn.Transaction
	actions []*action
	// recurring handles started by this transaction, by pending name
	added map[string]*action
}

func (st *txnState) reserve(name, kind string, r scheduler.Reservation, durable bool) {
	st.actions = append(st.actions, &action{kind: actionReserve, name: name, taskKind: kind, res: r, durable: durable})
}

func (st *txnState) startRecurring(name, kind string, h scheduler.Recurring) {
	a := &action{kind: actionStartRecurring, name: name, taskKind: kind, handle: h}
	st.actions = append(st.actions, a)
	st.added[name] = a
}

func (st *txnState) cancelRecurring(name, kind string) {
	st.actions = append(st.actions, &action{kind: actionCancelRecurring, name: name, taskKind: kind})
}

// dropAdded cancels a recurring handle started by this same transaction.
// It reports whether there was one.
func (st *txnState) dropAdded(name string) bool {
	a, ok := st.added[name]
	if !ok {
		return false
	}
	delete(st.added, name)
	a.dropped = true
	a.handle.Cancel()
	return true
}

func (st *txnState) Name() string  { return participantName }
func (st *txnState) Durable() bool { return false }

func (st *txnState) Prepare(context.Context, *txn.Transaction) (bool, error) {
	for _, a := range st.actions {
		if !a.dropped {
			return false, nil
		}
	}
	st.s.forget(st.txn)
	return true, nil
}

// Commit arms the transaction's work in the order it was requested.
func (st *txnState) Commit(context.Context, *txn.Transaction) error {
	defer st.s.forget(st.txn)
	s := st.s
	for _, a := range st.actions {
		if a.dropped {
			continue
		}
		switch a.kind {
		case actionReserve:
			st.use(a)
		case actionStartRecurring:
			s.mu.Lock()
			s.recurring[a.name] = a.handle
			s.mu.Unlock()
			if err := a.handle.Start(); err != nil {
				s.log.Warn("failed to start periodic task", logx.String("name", a.name), logx.Err(err))
				continue
			}
			s.metrics.scheduled.WithLabelValues(kindPeriodic).Inc()
			s.publish("task.scheduled", TaskEvent{Name: a.name, Kind: a.taskKind})
		case actionCancelRecurring:
			s.mu.Lock()
			h := s.recurring[a.name]
			delete(s.recurring, a.name)
			s.mu.Unlock()
			if h != nil {
				h.Cancel()
			}
			s.metrics.cancelled.Inc()
			s.publish("task.cancelled", TaskEvent{Name: a.name, Kind: a.taskKind})
		}
	}
	return nil
}

func (st *txnState) use(a *action) {
	s := st.s
	if a.durable {
		s.mu.Lock()
		s.onces[a.name] = struct{}{}
		s.mu.Unlock()
	}
	if err := a.res.Use(); err != nil {
		// The record stays in the store and is re-armed by the next Ready.
		s.log.Warn("failed to arm reservation", logx.String("name", a.name), logx.Err(err))
		if a.durable {
			s.disarmOnce(a.name)
		}
		return
	}
	label := kindOnce
	if !a.durable {
		label = kindNonDurable
	}
	s.metrics.scheduled.WithLabelValues(label).Inc()
	s.publish("task.scheduled", TaskEvent{Name: a.name, Kind: a.taskKind})
}

func (st *txnState) PrepareAndCommit(ctx context.Context, t *txn.Transaction) error {
	return st.Commit(ctx, t)
}

// Abort cancels everything the transaction reserved or started.
func (st *txnState) Abort(_ context.Context, _ *txn.Transaction, cause error) {
	defer st.s.forget(st.txn)
	n := 0
	for _, a := range st.actions {
		if a.dropped {
			continue
		}
		switch a.kind {
		case actionReserve:
			a.res.Cancel()
			n++
		case actionStartRecurring:
			a.handle.Cancel()
			n++
		}
	}
	if n > 0 {
		st.s.log.Debug("scheduled work discarded", logx.String("txn", st.txn.ID()), logx.Int("count", n), logx.Err(cause))
	}
}
