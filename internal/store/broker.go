package store

import (
	"sort"
	"strings"
	"sync"
)

// Broker fans committed snapshots out to subscribers. Each subscription owns
// a mailbox drained by its own goroutine, so callbacks for one subscription
// run in publish order and never under the publisher's lock.
type Broker struct {
	mu     sync.Mutex
	nextID int
	docs   map[string]map[int]*docSub
	cols   map[string]map[int]*colSub
}

type docSub struct {
	box *mailbox
	fn  func(Snapshot, error)
}

type colSub struct {
	box *mailbox
	fn  func([]Snapshot, error)
}

func NewBroker() *Broker {
	return &Broker{docs: map[string]map[int]*docSub{}, cols: map[string]map[int]*colSub{}}
}

// WatchDoc registers fn for p and queues initial as its first delivery.
func (b *Broker) WatchDoc(p string, initial Snapshot, initialErr error, fn func(Snapshot, error)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &docSub{box: newMailbox(), fn: fn}
	if b.docs[p] == nil {
		b.docs[p] = map[int]*docSub{}
	}
	b.docs[p][id] = sub
	sub.box.push(func() { fn(initial, initialErr) })
	return func() {
		b.mu.Lock()
		delete(b.docs[p], id)
		b.mu.Unlock()
		sub.box.close()
	}
}

// WatchCollection registers fn for the direct children of collection.
func (b *Broker) WatchCollection(collection string, initial []Snapshot, initialErr error, fn func([]Snapshot, error)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &colSub{box: newMailbox(), fn: fn}
	if b.cols[collection] == nil {
		b.cols[collection] = map[int]*colSub{}
	}
	b.cols[collection][id] = sub
	sub.box.push(func() { fn(initial, initialErr) })
	return func() {
		b.mu.Lock()
		delete(b.cols[collection], id)
		b.mu.Unlock()
		sub.box.close()
	}
}

// Watched reports whether any subscription covers the collection.
func (b *Broker) Watched(collection string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cols[collection]) > 0
}

// Publish queues changed document snapshots and refreshed collection
// listings. Callers must publish in commit order.
func (b *Broker) Publish(changed []Snapshot, collections map[string][]Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, snap := range changed {
		snap := snap
		for _, sub := range b.docs[snap.Path] {
			sub := sub
			s := snap
			s.Data = clone(snap.Data)
			sub.box.push(func() { sub.fn(s, nil) })
		}
	}
	for col, list := range collections {
		for _, sub := range b.cols[col] {
			sub := sub
			cp := cloneList(list)
			sub.box.push(func() { sub.fn(cp, nil) })
		}
	}
}

// Fail delivers err to every subscriber.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, subs := range b.docs {
		for _, sub := range subs {
			sub := sub
			s := Snapshot{Path: p}
			sub.box.push(func() { sub.fn(s, err) })
		}
	}
	for _, subs := range b.cols {
		for _, sub := range subs {
			sub := sub
			sub.box.push(func() { sub.fn(nil, err) })
		}
	}
}

// Paths lists every watched document path and collection.
func (b *Broker) Paths() (docs []string, cols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, subs := range b.docs {
		if len(subs) > 0 {
			docs = append(docs, p)
		}
	}
	for c, subs := range b.cols {
		if len(subs) > 0 {
			cols = append(cols, c)
		}
	}
	return docs, cols
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.docs {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	for _, subs := range b.cols {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	b.docs = map[string]map[int]*docSub{}
	b.cols = map[string]map[int]*colSub{}
}

func cloneList(list []Snapshot) []Snapshot {
	out := make([]Snapshot, len(list))
	for i, s := range list {
		s.Data = clone(s.Data)
		out[i] = s
	}
	return out
}

// SortByPath orders snapshots by document path.
func SortByPath(list []Snapshot) {
	sort.Slice(list, func(i, j int) bool { return strings.Compare(list[i].Path, list[j].Path) < 0 })
}

type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, f)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.cond.Signal()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		f()
	}
}
