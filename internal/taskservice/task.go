package taskservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"taskd/internal/txn"
)

var (
	ErrInvalidArgument = errors.New("taskservice: invalid argument")
	ErrUnknownKind     = errors.New("taskservice: unknown task kind")
	// ErrAlreadyCancelled is returned by a second Cancel of a periodic task.
	ErrAlreadyCancelled = fmt.Errorf("taskservice: periodic task already cancelled: %w", txn.ErrIllegalState)
)

// Task is a unit of schedulable work. Kind names the registered type used
// to decode the task when it runs.
type Task interface {
	Kind() string
	Run(ctx context.Context) error
}

// Managed is a task bound in the data service under its own name. Only a
// reference to it is recorded; the application owns the binding and may
// remove it, which orphans the pending task.
type Managed interface {
	Task
	BindingName() string
}

// Registry maps task kinds to constructors of zero values that task
// payloads are decoded into.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]func() Task
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]func() Task{}}
}

// Register adds kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, newTask func() Task) error {
	if kind == "" || newTask == nil {
		return fmt.Errorf("%w: empty kind or constructor", ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("taskservice: kind %q already registered", kind)
	}
	r.kinds[kind] = newTask
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry) MustRegister(kind string, newTask func() Task) {
	if err := r.Register(kind, newTask); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) newTask(kind string) (Task, error) {
	r.mu.RLock()
	fn, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return fn(), nil
}

func (r *Registry) decode(kind string, b []byte) (Task, error) {
	t, err := r.newTask(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("decode %s task: %w", kind, err)
	}
	return t, nil
}

type ownerKey struct{}

const defaultOwner = "system"

// WithOwner records the identity scheduling tasks from ctx.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner set by WithOwner, or "system".
func OwnerFrom(ctx context.Context) string {
	if o, ok := ctx.Value(ownerKey{}).(string); ok && o != "" {
		return o
	}
	return defaultOwner
}
