// Package store describes the replicated document store the game runs on:
// point reads, top-level merge writes, optimistic transactions and
// snapshot subscriptions.
package store

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrConflict      = errors.New("transaction conflict")
	ErrAlreadyExists = errors.New("document already exists")
	ErrUnavailable   = errors.New("store unavailable")
	ErrInvalidPath   = errors.New("invalid document path")
)

// Data is a JSON-shaped document body.
type Data map[string]any

// Snapshot is a point-in-time read of one document.
type Snapshot struct {
	Path      string
	Exists    bool
	Data      Data
	Version   int64
	UpdatedAt time.Time
}

// ID returns the last path segment.
func (s Snapshot) ID() string { return path.Base(s.Path) }

// Tx is the view of the store inside Transact. Reads see committed state;
// writes are buffered and applied atomically at commit.
type Tx interface {
	Get(path string) (Snapshot, error)
	Set(path string, data Data)
	Update(path string, fields Data)
	Create(path string, data Data)
}

type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	Merge(ctx context.Context, path string, fields Data) error
	Transact(ctx context.Context, fn func(tx Tx) error) error
	Subscribe(path string, fn func(Snapshot, error)) (unsubscribe func())
	SubscribeCollection(collection string, fn func([]Snapshot, error)) (unsubscribe func())
}

// Join builds a document path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the collection containing a document path.
func Parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return false
		}
	}
	return true
}
