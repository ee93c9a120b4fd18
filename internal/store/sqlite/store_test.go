package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/storyquest/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "storyquest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreMergeAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Merge(ctx, "games/ROOM", store.Data{"currentTurn": 1, "currentPhrase": "The ___ ran."}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := s.Merge(ctx, "games/ROOM", store.Data{"currentTurn": 2}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	snap, err := s.Get(ctx, "games/ROOM")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !snap.Exists || snap.Version != 2 {
		t.Fatalf("expected version 2, got %+v", snap)
	}
	if snap.Data["currentTurn"] != float64(2) || snap.Data["currentPhrase"] != "The ___ ran." {
		t.Fatalf("unexpected data %v", snap.Data)
	}

	missing, err := s.Get(ctx, "games/NOPE")
	if err != nil || missing.Exists {
		t.Fatalf("expected absent document, got %+v err=%v", missing, err)
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create := func() error {
		return s.Transact(ctx, func(tx store.Tx) error {
			tx.Create("games/ROOM/avatars/bear", store.Data{"deviceId": "d1"})
			return nil
		})
	}
	if err := create(); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := create(); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestStoreConcurrentTransactions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transact(ctx, func(tx store.Tx) error {
				snap, err := tx.Get("counters/c")
				if err != nil {
					return err
				}
				v, _ := snap.Data["n"].(float64)
				tx.Set("counters/c", store.Data{"n": v + 1})
				return nil
			})
			if err != nil {
				t.Errorf("transaction: %v", err)
			}
		}()
	}
	wg.Wait()
	snap, _ := s.Get(ctx, "counters/c")
	if snap.Data["n"] != float64(n) {
		t.Fatalf("expected %d, got %v", n, snap.Data["n"])
	}
}

func TestStoreSubscribeCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ch := make(chan []store.Snapshot, 8)
	stop := s.SubscribeCollection("games/ROOM/players", func(list []store.Snapshot, err error) {
		if err == nil {
			ch <- list
		}
	})
	defer stop()
	<-ch

	if err := s.Merge(ctx, "games/ROOM/players/dev1", store.Data{"avatar": "🐯", "playerNumber": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case list := <-ch:
		if len(list) != 1 || list[0].Data["avatar"] != "🐯" {
			t.Fatalf("unexpected roster %+v", list)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for roster snapshot")
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;")
	if got != "\nCREATE TABLE a (x INT);\n" {
		t.Fatalf("unexpected up section %q", got)
	}
}
