package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adcaster/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and this keeps
	// BEGIN IMMEDIATE transactions from racing each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, k Key) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE owner = ? AND name = ?`, k.Owner, k.Name,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) Put(ctx context.Context, k Key, v []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(owner, name, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		k.Owner, k.Name, v, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, k Key, v []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(owner, name, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner, name) DO NOTHING`,
		k.Owner, k.Name, v, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE owner = ? AND name = ?`, k.Owner, k.Name)
	return err
}

func (s *sqliteStore) Update(ctx context.Context, k Key, fn UpdateFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var cur []byte
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM records WHERE owner = ? AND name = ?`, k.Owner, k.Name,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		exists, err = false, nil
	}
	if err != nil {
		return err
	}

	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	if next != nil {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO records(owner, name, value, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(owner, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k.Owner, k.Name, next, time.Now().UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) FindMany(ctx context.Context, f Filter) ([]Record, error) {
	q, args := filterQuery(`SELECT owner, name, value FROM records`, f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Owner, &r.Name, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Increment(ctx context.Context, k Key, delta int64) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(owner, name, value) VALUES(?,?,?)
		 ON CONFLICT(owner, name) DO UPDATE SET value = value + excluded.value
		 RETURNING value`,
		k.Owner, k.Name, delta,
	).Scan(&v)
	return v, err
}

func (s *sqliteStore) Counters(ctx context.Context, f Filter) ([]Counter, error) {
	q, args := filterQuery(`SELECT owner, name, value FROM counters`, f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Counter
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.Owner, &c.Name, &c.Value); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func filterQuery(base string, f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !f.AllOwners {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Prefix != "" {
		where = append(where, "substr(name, 1, ?) = ?")
		args = append(args, len(f.Prefix), f.Prefix)
	}
	q := base
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY owner, name", args
}
