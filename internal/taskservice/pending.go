package taskservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskd/internal/datastore"
)

// PendingPrefix is the reserved namespace of pending task bindings.
const PendingPrefix = "taskd.pending."

const (
	startNow    int64 = 0
	notPeriodic int64 = -1
	noNode      int64 = -1
)

func pendingName(id uint64) string { return fmt.Sprintf("%s%016x", PendingPrefix, id) }

// taskBody is either an embeddedBody or a referenceBody.
type taskBody interface{ isTaskBody() }

// embeddedBody holds the encoded task; the record is its only durable copy.
type embeddedBody struct{ payload json.RawMessage }

// referenceBody names the binding of a Managed task.
type referenceBody struct{ name string }

func (embeddedBody) isTaskBody()  {}
func (referenceBody) isTaskBody() {}

// PendingTask is the durable envelope of a scheduled task.
type PendingTask struct {
	name      string
	kind      string
	start     int64 // unix ms, startNow for "as soon as possible"
	period    int64 // ms, notPeriodic for one-shot tasks
	owner     string
	cancelled bool
	node      int64 // node running a periodic task, noNode if unset
	body      taskBody
}

func newPendingTask(task Task, start, period int64, owner string) (*PendingTask, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	p := &PendingTask{
		kind:   task.Kind(),
		start:  start,
		period: period,
		owner:  owner,
		node:   noNode,
	}
	if m, ok := task.(Managed); ok {
		if m.BindingName() == "" {
			return nil, fmt.Errorf("%w: managed task without binding name", ErrInvalidArgument)
		}
		p.body = referenceBody{name: m.BindingName()}
		return p, nil
	}
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode %s task: %w", p.kind, err)
	}
	p.body = embeddedBody{payload: b}
	return p, nil
}

func (p *PendingTask) Name() string       { return p.name }
func (p *PendingTask) Kind() string       { return p.kind }
func (p *PendingTask) Owner() string      { return p.owner }
func (p *PendingTask) IsPeriodic() bool   { return p.period != notPeriodic }
func (p *PendingTask) IsCancelled() bool  { return p.cancelled }
func (p *PendingTask) RunningNode() int64 { return p.node }

// IsReference reports whether the record only references a Managed task.
func (p *PendingTask) IsReference() bool {
	_, ok := p.body.(referenceBody)
	return ok
}

// Start returns the first fire time; the zero time means "now".
func (p *PendingTask) Start() time.Time {
	if p.start == startNow {
		return time.Time{}
	}
	return time.UnixMilli(p.start).UTC()
}

// Period returns the period of a periodic task and 0 otherwise.
func (p *PendingTask) Period() time.Duration {
	if !p.IsPeriodic() {
		return 0
	}
	return time.Duration(p.period) * time.Millisecond
}

// MarkCancelled flags the task. It reports whether the flag changed.
func (p *PendingTask) MarkCancelled() bool {
	if p.cancelled {
		return false
	}
	p.cancelled = true
	return true
}

// ownedBy reports whether node may clean the record up.
func (p *PendingTask) ownedBy(node int64) bool {
	return p.node == noNode || p.node == node
}

// startAt resolves the one-shot fire time against now.
func (p *PendingTask) startAt(now time.Time) time.Time {
	if p.start == startNow {
		return now
	}
	return time.UnixMilli(p.start).UTC()
}

// nextFire is the smallest start + k*period that is not before now.
func (p *PendingTask) nextFire(now time.Time) time.Time {
	start := p.startAt(now)
	if !start.Before(now) {
		return start
	}
	if p.period <= 0 {
		return now
	}
	period := time.Duration(p.period) * time.Millisecond
	k := (now.Sub(start) + period - 1) / period
	return start.Add(k * period)
}

// IsTaskAvailable reports whether the task can still be loaded. Embedded
// tasks always can; a Managed task may have been removed by its owner.
func (p *PendingTask) IsTaskAvailable(ctx context.Context, ds DataService) (bool, error) {
	ref, ok := p.body.(referenceBody)
	if !ok {
		return true, nil
	}
	_, err := ds.GetRaw(ctx, ref.name)
	if errors.Is(err, datastore.ErrNameNotBound) {
		return false, nil
	}
	return err == nil, err
}

// Task loads the task the record describes.
func (p *PendingTask) Task(ctx context.Context, ds DataService, reg *Registry) (Task, error) {
	switch b := p.body.(type) {
	case embeddedBody:
		return reg.decode(p.kind, b.payload)
	case referenceBody:
		raw, err := ds.GetRaw(ctx, b.name)
		if err != nil {
			return nil, err
		}
		return reg.decode(p.kind, raw)
	default:
		return nil, fmt.Errorf("pending task %s has no body", p.name)
	}
}

type pendingRecord struct {
	Kind      string          `json:"kind"`
	Start     int64           `json:"start"`
	Period    int64           `json:"period"`
	Owner     string          `json:"owner"`
	Cancelled bool            `json:"cancelled"`
	Node      int64           `json:"node"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ref       string          `json:"ref,omitempty"`
}

func (p *PendingTask) MarshalJSON() ([]byte, error) {
	rec := pendingRecord{
		Kind:      p.kind,
		Start:     p.start,
		Period:    p.period,
		Owner:     p.owner,
		Cancelled: p.cancelled,
		Node:      p.node,
	}
	switch b := p.body.(type) {
	case embeddedBody:
		rec.Payload = b.payload
	case referenceBody:
		rec.Ref = b.name
	default:
		return nil, errors.New("pending task has no body")
	}
	return json.Marshal(rec)
}

func (p *PendingTask) UnmarshalJSON(b []byte) error {
	var rec pendingRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	hasPayload := len(rec.Payload) > 0 && string(rec.Payload) != "null"
	switch {
	case hasPayload && rec.Ref != "":
		return errors.New("pending task has both payload and ref")
	case hasPayload:
		p.body = embeddedBody{payload: rec.Payload}
	case rec.Ref != "":
		p.body = referenceBody{name: rec.Ref}
	default:
		return errors.New("pending task has neither payload nor ref")
	}
	if rec.Kind == "" {
		return errors.New("pending task without kind")
	}
	if rec.Period < notPeriodic {
		return fmt.Errorf("pending task with invalid period %d", rec.Period)
	}
	p.kind = rec.Kind
	p.start = rec.Start
	p.period = rec.Period
	p.owner = rec.Owner
	p.cancelled = rec.Cancelled
	p.node = rec.Node
	return nil
}
