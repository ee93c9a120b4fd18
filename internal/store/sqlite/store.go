// Package sqlite provides a durable store.Store on SQLite, so a room survives
// a server restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kiliankoe/storyquest/internal/retry"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists documents in SQLite. Commits are serialised in-process and
// guarded by per-document versions, so concurrent processes sharing the file
// observe conflicts rather than lost updates.
type Store struct {
	sqlDB    *sql.DB
	commitMu sync.Mutex
	broker   *store.Broker
	policy   retry.Policy
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens a SQLite document store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, broker: store.NewBroker(), policy: retry.For(retry.KindTransaction)}, nil
}

// Close stops subscriptions and closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.broker.Close()
	return s.sqlDB.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	return getDoc(ctx, s.sqlDB, path)
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listDocs(ctx, s.sqlDB, collection)
}

func (s *Store) Merge(ctx context.Context, path string, fields store.Data) error {
	return s.Transact(ctx, func(tx store.Tx) error {
		tx.Update(path, fields)
		return nil
	})
}

func (s *Store) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	return retry.Do(ctx, s.policy, func(err error) bool {
		return errors.Is(err, store.ErrConflict)
	}, func() error {
		return s.attempt(ctx, fn)
	})
}

func (s *Store) Subscribe(path string, fn func(store.Snapshot, error)) func() {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	snap, err := getDoc(context.Background(), s.sqlDB, path)
	if err != nil {
		return s.broker.WatchDoc(path, store.Snapshot{Path: path}, fmt.Errorf("%w: %w", store.ErrUnavailable, err), fn)
	}
	return s.broker.WatchDoc(path, snap, nil, fn)
}

func (s *Store) SubscribeCollection(collection string, fn func([]store.Snapshot, error)) func() {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	list, err := listDocs(context.Background(), s.sqlDB, collection)
	if err != nil {
		return s.broker.WatchCollection(collection, nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err), fn)
	}
	return s.broker.WatchCollection(collection, list, nil, fn)
}

func getDoc(ctx context.Context, q queryer, path string) (store.Snapshot, error) {
	var (
		raw     string
		version int64
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM documents WHERE path = ?`, path,
	).Scan(&raw, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{Path: path}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("get document %s: %w", path, err)
	}
	var data store.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode document %s: %w", path, err)
	}
	return store.Snapshot{Path: path, Exists: true, Data: data, Version: version, UpdatedAt: fromMillis(updated)}, nil
}

func listDocs(ctx context.Context, q queryer, collection string) ([]store.Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path, data, version, updated_at FROM documents WHERE parent = ? ORDER BY path`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	var out []store.Snapshot
	for rows.Next() {
		var (
			path, raw        string
			version, updated int64
		)
		if err := rows.Scan(&path, &raw, &version, &updated); err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		var data store.Data
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		out = append(out, store.Snapshot{Path: path, Exists: true, Data: data, Version: version, UpdatedAt: fromMillis(updated)})
	}
	return out, rows.Err()
}

type pendingWrite struct {
	create bool
	merge  bool
	path   string
	data   store.Data
}

type sqlTx struct {
	ctx    context.Context
	s      *Store
	reads  map[string]int64
	writes []pendingWrite
	err    error
}

func (tx *sqlTx) Get(path string) (store.Snapshot, error) {
	snap, err := getDoc(tx.ctx, tx.s.sqlDB, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	tx.reads[path] = snap.Version
	return snap, nil
}

func (tx *sqlTx) Set(path string, data store.Data) { tx.buffer(pendingWrite{path: path, data: data}) }

func (tx *sqlTx) Update(path string, fields store.Data) {
	tx.buffer(pendingWrite{merge: true, path: path, data: fields})
}

func (tx *sqlTx) Create(path string, data store.Data) {
	tx.buffer(pendingWrite{create: true, path: path, data: data})
}

func (tx *sqlTx) buffer(w pendingWrite) {
	if tx.err != nil {
		return
	}
	d, err := store.Encode(w.data)
	if err != nil {
		tx.err = err
		return
	}
	if d == nil {
		d = store.Data{}
	}
	w.data = d
	tx.writes = append(tx.writes, w)
}

func (s *Store) attempt(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &sqlTx{ctx: ctx, s: s, reads: map[string]int64{}}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	for path, v := range tx.reads {
		var cur int64
		err := sqlTx.QueryRowContext(ctx, `SELECT version FROM documents WHERE path = ?`, path).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return classify(fmt.Errorf("check %s: %w", path, err))
		}
		if cur != v {
			return fmt.Errorf("%w: %s changed", store.ErrConflict, path)
		}
	}

	now := toMillis(time.Now())
	var order []string
	seen := map[string]bool{}
	for _, w := range tx.writes {
		cur, err := getDoc(ctx, sqlTx, w.path)
		if err != nil {
			return classify(err)
		}
		if w.create && cur.Exists {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, w.path)
		}
		next := w.data
		if w.merge && cur.Exists {
			next = make(store.Data, len(cur.Data)+len(w.data))
			for k, v := range cur.Data {
				next[k] = v
			}
			for k, v := range w.data {
				next[k] = v
			}
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.path, err)
		}
		_, err = sqlTx.ExecContext(ctx,
			`INSERT INTO documents (path, parent, data, version, updated_at) VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT(path) DO UPDATE SET data = excluded.data, version = documents.version + 1, updated_at = excluded.updated_at`,
			w.path, store.Parent(w.path), string(raw), now,
		)
		if err != nil {
			return classify(fmt.Errorf("write %s: %w", w.path, err))
		}
		if !seen[w.path] {
			seen[w.path] = true
			order = append(order, w.path)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}

	changed := make([]store.Snapshot, 0, len(order))
	lists := map[string][]store.Snapshot{}
	for _, path := range order {
		snap, err := getDoc(ctx, s.sqlDB, path)
		if err != nil {
			continue
		}
		changed = append(changed, snap)
		col := store.Parent(path)
		if _, done := lists[col]; !done && s.broker.Watched(col) {
			if list, err := listDocs(ctx, s.sqlDB, col); err == nil {
				lists[col] = list
			}
		}
	}
	s.broker.Publish(changed, lists)
	return nil
}

// classify maps SQLite lock contention onto store.ErrConflict so the retry
// policy picks it up.
func classify(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		}
	}
	return err
}

var _ store.Store = (*Store)(nil)
