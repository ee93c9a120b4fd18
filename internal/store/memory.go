package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kiliankoe/storyquest/internal/retry"
)

type record struct {
	data    Data
	version int64
	updated time.Time
}

// MemoryStore is an in-process Store. It is the shared store for a single
// server process and the fake used by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]record
	online bool
	broker *Broker
	policy retry.Policy
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   map[string]record{},
		online: true,
		broker: NewBroker(),
		policy: retry.For(retry.KindTransaction),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetOnline toggles availability. Going offline fails every operation with
// ErrUnavailable and notifies subscribers; coming back online re-delivers
// current snapshots to every subscriber.
func (s *MemoryStore) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	if !online {
		s.broker.Fail(ErrUnavailable)
		return
	}
	docs, cols := s.broker.Paths()
	changed := make([]Snapshot, 0, len(docs))
	for _, p := range docs {
		changed = append(changed, s.snapshotLocked(p))
	}
	lists := make(map[string][]Snapshot, len(cols))
	for _, c := range cols {
		lists[c] = s.listLocked(c)
	}
	s.broker.Publish(changed, lists)
}

func (s *MemoryStore) Close() {
	s.broker.Close()
}

func (s *MemoryStore) Get(ctx context.Context, p string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if !validPath(p) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online {
		return Snapshot{}, ErrUnavailable
	}
	return s.snapshotLocked(p), nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online {
		return nil, ErrUnavailable
	}
	return s.listLocked(collection), nil
}

func (s *MemoryStore) Merge(ctx context.Context, p string, fields Data) error {
	return s.Transact(ctx, func(tx Tx) error {
		tx.Update(p, fields)
		return nil
	})
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	return retry.Do(ctx, s.policy, func(err error) bool {
		return errors.Is(err, ErrConflict)
	}, func() error {
		return s.attempt(ctx, fn)
	})
}

func (s *MemoryStore) Subscribe(p string, fn func(Snapshot, error)) func() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online {
		return s.broker.WatchDoc(p, Snapshot{Path: p}, ErrUnavailable, fn)
	}
	return s.broker.WatchDoc(p, s.snapshotLocked(p), nil, fn)
}

func (s *MemoryStore) SubscribeCollection(collection string, fn func([]Snapshot, error)) func() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online {
		return s.broker.WatchCollection(collection, nil, ErrUnavailable, fn)
	}
	return s.broker.WatchCollection(collection, s.listLocked(collection), nil, fn)
}

func (s *MemoryStore) snapshotLocked(p string) Snapshot {
	r, ok := s.docs[p]
	if !ok {
		return Snapshot{Path: p}
	}
	return Snapshot{Path: p, Exists: true, Data: clone(r.data), Version: r.version, UpdatedAt: r.updated}
}

func (s *MemoryStore) listLocked(collection string) []Snapshot {
	prefix := collection + "/"
	var out []Snapshot
	for p := range s.docs {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			out = append(out, s.snapshotLocked(p))
		}
	}
	SortByPath(out)
	return out
}

type writeOp int

const (
	opSet writeOp = iota
	opUpdate
	opCreate
)

type pendingWrite struct {
	op   writeOp
	path string
	data Data
}

type memTx struct {
	s      *MemoryStore
	reads  map[string]int64
	writes []pendingWrite
	err    error
}

func (tx *memTx) Get(p string) (Snapshot, error) {
	if !validPath(p) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if !tx.s.online {
		return Snapshot{}, ErrUnavailable
	}
	snap := tx.s.snapshotLocked(p)
	tx.reads[p] = snap.Version
	return snap, nil
}

func (tx *memTx) Set(p string, data Data)      { tx.buffer(opSet, p, data) }
func (tx *memTx) Update(p string, fields Data) { tx.buffer(opUpdate, p, fields) }
func (tx *memTx) Create(p string, data Data)   { tx.buffer(opCreate, p, data) }

func (tx *memTx) buffer(op writeOp, p string, data Data) {
	if tx.err != nil {
		return
	}
	if !validPath(p) {
		tx.err = fmt.Errorf("%w: %q", ErrInvalidPath, p)
		return
	}
	d, err := normalize(data)
	if err != nil {
		tx.err = err
		return
	}
	tx.writes = append(tx.writes, pendingWrite{op: op, path: p, data: d})
}

func (s *MemoryStore) attempt(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, reads: map[string]int64{}}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return ErrUnavailable
	}
	for p, v := range tx.reads {
		if s.docs[p].version != v {
			return fmt.Errorf("%w: %s changed", ErrConflict, p)
		}
	}
	for _, w := range tx.writes {
		if _, exists := s.docs[w.path]; w.op == opCreate && exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, w.path)
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}

	now := s.now()
	touched := map[string]bool{}
	var order []string
	for _, w := range tx.writes {
		cur := s.docs[w.path]
		next := w.data
		if w.op == opUpdate && cur.data != nil {
			next = mergeInto(cur.data, w.data)
		}
		s.docs[w.path] = record{data: next, version: cur.version + 1, updated: now}
		if !touched[w.path] {
			touched[w.path] = true
			order = append(order, w.path)
		}
	}

	changed := make([]Snapshot, 0, len(order))
	lists := map[string][]Snapshot{}
	for _, p := range order {
		changed = append(changed, s.snapshotLocked(p))
		col := Parent(p)
		if _, done := lists[col]; !done && s.broker.Watched(col) {
			lists[col] = s.listLocked(col)
		}
	}
	s.broker.Publish(changed, lists)
	return nil
}
