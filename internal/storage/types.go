package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: name not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default): process-local, lost on exit
//   - "file": dependency-free file backend (json snapshot + jsonl journal)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal batches between file snapshots.
	CompactEvery int
}

// Op is a single write inside a batch. A nil Value with Delete=false is
// stored as an empty value.
type Op struct {
	Name   string `json:"name"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

func Put(name string, value []byte) Op { return Op{Name: name, Value: value} }
func Delete(name string) Op            { return Op{Name: name, Delete: true} }
