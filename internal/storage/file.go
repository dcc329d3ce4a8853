package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskd/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full image, rewritten on compaction)
//   - <prefix>.journal.jsonl (one line per applied batch)
//
// A torn trailing journal line is ignored on replay, so a batch is either
// fully applied or not at all.
type fileStore struct {
	log logx.Logger

	mu  sync.Mutex
	mem *Memory

	snapshotPath string
	journal      *os.File

	compactEvery int
	batches      int
}

type fileSnapshot struct {
	NextID   uint64            `json:"next_id"`
	Bindings map[string][]byte `json:"bindings"`
}

type journalRecord struct {
	Ops    []Op   `json:"ops,omitempty"`
	NextID uint64 `json:"next_id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateJournal(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("replayed", replayed), logx.Int("bindings", len(mem.names)))

	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
		batches:      replayed,
	}, nil
}

func (s *fileStore) Get(ctx context.Context, name string) ([]byte, error) {
	return s.mem.Get(ctx, name)
}

func (s *fileStore) NextName(ctx context.Context, after string) (string, error) {
	return s.mem.NextName(ctx, after)
}

func (s *fileStore) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Ops: ops}); err != nil {
		return err
	}
	if err := s.mem.Apply(ctx, ops); err != nil {
		return err
	}
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) NextObjectID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.mem.NextObjectID(ctx)
	if err != nil {
		return 0, err
	}
	// Persist before handing the id out so it is never reused after a crash.
	if err := s.appendLocked(journalRecord{NextID: id}); err != nil {
		return 0, err
	}
	s.maybeCompactLocked()
	return id, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) maybeCompactLocked() {
	s.batches++
	if s.batches%s.compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	snap := fileSnapshot{NextID: s.mem.nextID, Bindings: make(map[string][]byte, len(s.mem.data))}
	for k, v := range s.mem.data {
		snap.Bindings[k] = v
	}
	s.mem.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.journal != nil {
		if cerr := s.compactLocked(); cerr != nil {
			s.log.Debug("final compaction failed", logx.Err(cerr))
		}
		err = s.journal.Close()
		s.journal = nil
	}
	_ = s.mem.Close()
	return err
}

func loadSnapshot(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	ops := make([]Op, 0, len(snap.Bindings))
	for k, v := range snap.Bindings {
		ops = append(ops, Put(k, v))
	}
	mem.mu.Lock()
	for _, op := range ops {
		mem.applyLocked(op)
	}
	mem.nextID = snap.NextID
	mem.mu.Unlock()
	return nil
}

func replayJournal(path string, mem *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		for _, op := range r.Ops {
			mem.applyLocked(op)
		}
		if r.NextID > mem.nextID {
			mem.nextID = r.NextID
		}
		n++
	}
	return n, sc.Err()
}

// terminateJournal makes sure new records never share a line with a torn
// tail left by a crash.
func terminateJournal(f *os.File) error {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}
