// Package datastore binds names to JSON values inside transactions.
//
// Writes are buffered per transaction and reach the durable store only when
// the transaction commits; the data service joins every writing transaction
// as its durable participant. Reads see the transaction's own writes.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"taskd/internal/storage"
	"taskd/internal/txn"
	logx "taskd/pkg/logx"
)

var (
	// ErrNameNotBound reports a lookup or removal of a name with no binding.
	ErrNameNotBound = errors.New("datastore: name not bound")
	// ErrNameBound reports CreateBinding of a name that is already bound.
	ErrNameBound = errors.New("datastore: name already bound")
)

const participantName = "datastore"

// Service is the transactional data service.
type Service struct {
	store storage.Store
	log   logx.Logger

	// write-held from a writing transaction's prepare until its commit or
	// abort; store reads wait for it so work armed by a committing
	// transaction observes that transaction's writes
	commitMu sync.RWMutex

	mu    sync.Mutex
	views map[*txn.Transaction]*view
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "datastore")),
		views: map[*txn.Transaction]*view{},
	}
}

// CreateBinding binds name to value. It fails with ErrNameBound if the name
// is already bound, as seen by the current transaction.
func (s *Service) CreateBinding(ctx context.Context, name string, value any) error {
	v, err := s.writeView(ctx)
	if err != nil {
		return err
	}
	if _, err := v.lookup(ctx, name); err == nil {
		return fmt.Errorf("%w: %s", ErrNameBound, name)
	} else if !errors.Is(err, ErrNameNotBound) {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	v.put(name, b, true)
	return nil
}

// SetBinding binds or rebinds name to value.
func (s *Service) SetBinding(ctx context.Context, name string, value any) error {
	v, err := s.writeView(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	v.put(name, b, false)
	return nil
}

// RemoveBinding unbinds name, failing with ErrNameNotBound if it is unbound.
func (s *Service) RemoveBinding(ctx context.Context, name string) error {
	v, err := s.writeView(ctx)
	if err != nil {
		return err
	}
	if _, err := v.lookup(ctx, name); err != nil {
		return err
	}
	v.remove(name)
	return nil
}

// GetBinding decodes the value bound to name into out.
func (s *Service) GetBinding(ctx context.Context, name string, out any) error {
	b, err := s.GetRaw(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// GetRaw returns the encoded value bound to name. Outside a transaction it
// reads the committed state.
func (s *Service) GetRaw(ctx context.Context, name string) ([]byte, error) {
	v, err := s.readView(ctx)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.lookup(ctx, name)
	}
	return s.get(ctx, name)
}

// NextBoundName returns the smallest bound name greater than after, or
// ErrNameNotBound when there is none.
func (s *Service) NextBoundName(ctx context.Context, after string) (string, error) {
	v, err := s.readView(ctx)
	if err != nil {
		return "", err
	}
	if v != nil {
		return v.next(ctx, after)
	}
	return s.nextStored(ctx, after)
}

// NewObjectID allocates an object id. Ids are not transactional: an
// aborted transaction leaves a gap.
func (s *Service) NewObjectID(ctx context.Context) (uint64, error) {
	return s.store.NextObjectID(ctx)
}

func (s *Service) get(ctx context.Context, name string) ([]byte, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	b, err := s.store.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNameNotBound, name)
	}
	return b, err
}

func (s *Service) nextStored(ctx context.Context, after string) (string, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	name, err := s.store.NextName(ctx, after)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNameNotBound
	}
	return name, err
}

// writeView returns the current transaction's view, joining the
// transaction on first use.
func (s *Service) writeView(ctx context.Context) (*view, error) {
	t, err := txn.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	v, ok := s.views[t]
	s.mu.Unlock()
	if ok {
		return v, nil
	}
	v = &view{svc: s, txn: t, writes: map[string]*write{}}
	if err := t.Join(v); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.views[t] = v
	s.mu.Unlock()
	return v, nil
}

// readView returns the current transaction's view, or nil when ctx carries
// no transaction or the transaction has not written anything.
func (s *Service) readView(ctx context.Context) (*view, error) {
	if !txn.InTransaction(ctx) {
		return nil, nil
	}
	t, err := txn.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[t], nil
}

func (s *Service) forget(t *txn.Transaction) {
	s.mu.Lock()
	delete(s.views, t)
	s.mu.Unlock()
}
