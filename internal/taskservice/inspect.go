package taskservice

import (
	"context"
	"errors"
	"strings"

	"taskd/internal/datastore"
)

// PendingReader is the read side of the data service.
type PendingReader interface {
	GetBinding(ctx context.Context, name string, out any) error
	NextBoundName(ctx context.Context, after string) (string, error)
}

// ListPending returns every pending task record in name order. Unreadable
// records are returned in bad by name and do not stop the walk.
func ListPending(ctx context.Context, ds PendingReader) (tasks []*PendingTask, bad []string, err error) {
	after := PendingPrefix
	for {
		name, err := ds.NextBoundName(ctx, after)
		if errors.Is(err, datastore.ErrNameNotBound) {
			return tasks, bad, nil
		}
		if err != nil {
			return tasks, bad, err
		}
		if !strings.HasPrefix(name, PendingPrefix) {
			return tasks, bad, nil
		}
		after = name
		p := &PendingTask{}
		if err := ds.GetBinding(ctx, name, p); err != nil {
			if errors.Is(err, datastore.ErrNameNotBound) {
				continue
			}
			bad = append(bad, name)
			continue
		}
		p.name = name
		tasks = append(tasks, p)
	}
}

// Pending lists the pending task records visible to ctx.
func (s *Service) Pending(ctx context.Context) ([]*PendingTask, []string, error) {
	return ListPending(ctx, s.ds)
}
