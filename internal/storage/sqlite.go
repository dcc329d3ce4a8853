package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "taskd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const objectIDCounter = "object_id"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, name string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bindings WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *sqliteStore) NextName(ctx context.Context, after string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM bindings WHERE name > ? ORDER BY name LIMIT 1`, after,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

func (s *sqliteStore) Apply(ctx context.Context, ops []Op) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM bindings WHERE name = ?`, op.Name)
		} else {
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO bindings(name, value) VALUES(?,?)
				 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
				op.Name, value,
			)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %q: %w", op.Name, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) NextObjectID(ctx context.Context) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(name, value) VALUES(?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, objectIDCounter,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}
