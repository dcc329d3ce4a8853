package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "taskd/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file", "taskd.db"), CompactEvery: 3},
		{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "taskd.sqlite")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) error: %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openBackends(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			if _, err := st.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get on empty store = %v, want ErrNotFound", err)
			}
			if _, err := st.NextName(ctx, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("NextName on empty store = %v, want ErrNotFound", err)
			}

			err := st.Apply(ctx, []Op{Put("b", []byte("2")), Put("a", []byte("1")), Put("c", nil), Delete("c"), Put("d", []byte("4"))})
			if err != nil {
				t.Fatalf("Apply error: %v", err)
			}
			v, err := st.Get(ctx, "a")
			if err != nil || string(v) != "1" {
				t.Fatalf("Get(a) = %q, %v", v, err)
			}
			if _, err := st.Get(ctx, "c"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(c) after delete = %v, want ErrNotFound", err)
			}

			var names []string
			for name, err := st.NextName(ctx, ""); err == nil; name, err = st.NextName(ctx, name) {
				names = append(names, name)
			}
			want := []string{"a", "b", "d"}
			if len(names) != len(want) {
				t.Fatalf("names = %v, want %v", names, want)
			}
			for i := range want {
				if names[i] != want[i] {
					t.Fatalf("names = %v, want %v", names, want)
				}
			}

			id1, err := st.NextObjectID(ctx)
			if err != nil {
				t.Fatalf("NextObjectID error: %v", err)
			}
			id2, _ := st.NextObjectID(ctx)
			if id2 <= id1 {
				t.Fatalf("ids not increasing: %d then %d", id1, id2)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "taskd.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for _, name := range []string{"x", "y", "z"} {
		if err := st.Apply(ctx, []Op{Put(name, []byte(name))}); err != nil {
			t.Fatalf("Apply error: %v", err)
		}
	}
	if err := st.Apply(ctx, []Op{Delete("y")}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	last, _ := st.NextObjectID(ctx)
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Simulate a crash in the middle of a journal write.
	jf, err := os.OpenFile(filepath.Join(filepath.Dir(path), "taskd.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = jf.WriteString(`{"ops":[{"name":"torn"`)
	_ = jf.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st.Close()

	if v, err := st.Get(ctx, "z"); err != nil || string(v) != "z" {
		t.Fatalf("Get(z) = %q, %v", v, err)
	}
	if _, err := st.Get(ctx, "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(y) = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, "torn"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("torn batch was applied")
	}
	next, _ := st.NextObjectID(ctx)
	if next <= last {
		t.Fatalf("object id reused after reopen: %d <= %d", next, last)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Logger{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
