package datastore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"taskd/internal/storage"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

type write struct {
	value   []byte
	deleted bool
	// created marks a CreateBinding that must still find the name unbound
	// in the store at prepare time.
	created bool
}

// view is the buffered state of one transaction and the durable
// participant it joins.
type view struct {
	svc    *Service
	txn    *txn.Transaction
	writes map[string]*write
	order  []string
	locked bool
}

func (v *view) Name() string  { return participantName }
func (v *view) Durable() bool { return true }

func (v *view) put(name string, value []byte, create bool) {
	w, ok := v.writes[name]
	if !ok {
		w = &write{}
		v.writes[name] = w
		v.order = append(v.order, name)
	}
	// A create over a name this transaction removed is a plain rebind.
	w.created = w.created || (create && !ok)
	w.value = value
	w.deleted = false
}

func (v *view) remove(name string) {
	w, ok := v.writes[name]
	if !ok {
		w = &write{}
		v.writes[name] = w
		v.order = append(v.order, name)
	}
	w.value = nil
	w.deleted = true
	w.created = false
}

func (v *view) lookup(ctx context.Context, name string) ([]byte, error) {
	if w, ok := v.writes[name]; ok {
		if w.deleted {
			return nil, fmt.Errorf("%w: %s", ErrNameNotBound, name)
		}
		return slices.Clone(w.value), nil
	}
	return v.svc.get(ctx, name)
}

// next merges the store's names with the buffered writes.
func (v *view) next(ctx context.Context, after string) (string, error) {
	stored := ""
	cur := after
	for {
		name, err := v.svc.nextStored(ctx, cur)
		if errors.Is(err, ErrNameNotBound) {
			break
		}
		if err != nil {
			return "", err
		}
		if w, ok := v.writes[name]; ok && w.deleted {
			cur = name
			continue
		}
		stored = name
		break
	}

	buffered := ""
	for name, w := range v.writes {
		if w.deleted || name <= after {
			continue
		}
		if buffered == "" || name < buffered {
			buffered = name
		}
	}

	switch {
	case stored == "" && buffered == "":
		return "", ErrNameNotBound
	case stored == "":
		return buffered, nil
	case buffered == "":
		return stored, nil
	case buffered < stored:
		return buffered, nil
	default:
		return stored, nil
	}
}

func (v *view) ops() []storage.Op {
	ops := make([]storage.Op, 0, len(v.order))
	for _, name := range v.order {
		w := v.writes[name]
		if w.deleted {
			ops = append(ops, storage.Delete(name))
			continue
		}
		ops = append(ops, storage.Put(name, w.value))
	}
	return ops
}

func (v *view) Prepare(ctx context.Context, _ *txn.Transaction) (bool, error) {
	if len(v.order) == 0 {
		v.svc.forget(v.txn)
		return true, nil
	}
	v.lock()
	if err := v.validate(ctx); err != nil {
		return false, err
	}
	return false, nil
}

func (v *view) Commit(ctx context.Context, _ *txn.Transaction) error {
	defer v.finish()
	return v.apply(ctx)
}

func (v *view) PrepareAndCommit(ctx context.Context, _ *txn.Transaction) error {
	if len(v.order) == 0 {
		v.svc.forget(v.txn)
		return nil
	}
	v.lock()
	if err := v.validate(ctx); err != nil {
		return err
	}
	if err := v.apply(ctx); err != nil {
		return err
	}
	v.finish()
	return nil
}

func (v *view) Abort(_ context.Context, _ *txn.Transaction, cause error) {
	if len(v.order) > 0 {
		v.svc.log.Debug("discarding buffered writes", logx.String("txn", v.txn.ID()), logx.Int("writes", len(v.order)), logx.Err(cause))
	}
	v.finish()
}

// validate re-checks creates against the store under the commit lock.
func (v *view) validate(ctx context.Context) error {
	for _, name := range v.order {
		w := v.writes[name]
		if !w.created {
			continue
		}
		_, err := v.svc.store.Get(ctx, name)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrNameBound, name)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return txn.Retryable(fmt.Errorf("validate %s: %w", name, err))
		}
	}
	return nil
}

func (v *view) apply(ctx context.Context) error {
	if err := v.svc.store.Apply(ctx, v.ops()); err != nil {
		return txn.Retryable(fmt.Errorf("datastore apply: %w", err))
	}
	return nil
}

func (v *view) lock() {
	if !v.locked {
		v.svc.commitMu.Lock()
		v.locked = true
	}
}

func (v *view) finish() {
	if v.locked {
		v.locked = false
		v.svc.commitMu.Unlock()
	}
	v.svc.forget(v.txn)
}
