package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]EntryInfo, 0, len(s.onces)+len(s.recurring))
	for _, r := range s.onces {
		entries = append(entries, EntryInfo{Name: r.job.Name, Kind: "once", Next: r.at})
	}
	for _, h := range s.recurring {
		it := EntryInfo{Name: h.job.Name, Kind: "recurring", Period: h.schedule.period}
		if s.c != nil && h.entryID != 0 {
			e := s.c.Entry(h.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		if it.Next.IsZero() {
			it.Next = h.floor
		}
		entries = append(entries, it)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Next.Equal(entries[j].Next) {
			return entries[i].Next.Before(entries[j].Next)
		}
		return entries[i].Name < entries[j].Name
	})

	return Snapshot{
		Enabled:     s.cfg.Enabled,
		Outstanding: s.outstanding,
		Rejected:    s.rejected.Load(),
		Fired:       s.fired.Load(),
		Entries:     entries,
	}
}
