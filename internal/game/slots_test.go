package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

func newAllocator(s store.Store) *SlotAllocator {
	return NewSlotAllocator(s, testCatalog(), clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))
}

func TestJoin_FirstJoinerCreatesSession(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	a := newAllocator(ms)

	n, err := a.Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "dev-a", Avatar: "🐯", StoryTitle: "Farm Day", Difficulty: story.Easy})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected player 1, got %d", n)
	}
	sess, _ := loadSession(t, ms, "r1")
	if sess.CurrentTurn != 1 || sess.CurrentSectionIndex != 0 || sess.GameStatus != StatusInProgress {
		t.Fatalf("unexpected initial session %+v", sess)
	}
	if sess.CurrentPhrase != "The ___ woke up early." {
		t.Fatalf("expected first template, got %q", sess.CurrentPhrase)
	}
	if sess.MaxPlayers != DefaultMaxPlayers || sess.Player1ID != "dev-a" {
		t.Fatalf("unexpected slots %+v", sess)
	}

	snap, err := ms.Get(context.Background(), PlayerPath("r1", "dev-a"))
	if err != nil || !snap.Exists {
		t.Fatalf("expected profile, got %v", err)
	}
	var p Profile
	if err := snap.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.PlayerNumber != 1 || p.Avatar != "🐯" {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestJoin_UsesRoomSettings(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	createRoom(t, ms, "r1", 2, story.Medium)
	a := newAllocator(ms)

	if _, err := a.Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🐯", StoryTitle: "Nope"}); err != nil {
		t.Fatal(err)
	}
	sess, _ := loadSession(t, ms, "r1")
	if sess.MaxPlayers != 2 || sess.Difficulty != story.Medium || sess.NumberOfPhrases != 5 {
		t.Fatalf("expected room settings applied, got %+v", sess)
	}
	if _, err := a.Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "b", Avatar: "🐻"}); err != nil {
		t.Fatal(err)
	}
	_, err := a.Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "c", Avatar: "🦄"})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestJoin_RejoinKeepsSlot(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	a := newAllocator(ms)
	ctx := context.Background()
	if _, err := a.Join(ctx, JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🐯"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join(ctx, JoinRequest{Room: "r1", DeviceID: "b", Avatar: "🐻"}); err != nil {
		t.Fatal(err)
	}
	n, err := a.Join(ctx, JoinRequest{Room: "r1", DeviceID: "b", Avatar: "🐻"})
	if err != nil || n != 2 {
		t.Fatalf("expected rejoin as player 2, got %d (%v)", n, err)
	}
}

func TestJoin_RejoinWithOtherAvatar(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	a := newAllocator(ms)
	ctx := context.Background()
	if _, err := a.Join(ctx, JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🐯"}); err != nil {
		t.Fatal(err)
	}
	_, err := a.Join(ctx, JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🦄"})
	if !errors.Is(err, ErrAvatarTaken) {
		t.Fatalf("expected ErrAvatarTaken, got %v", err)
	}
	snap, err := ms.Get(ctx, PlayerPath("r1", "a"))
	if err != nil {
		t.Fatal(err)
	}
	var p Profile
	if err := snap.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Avatar != "🐯" || p.PlayerNumber != 1 {
		t.Fatalf("expected profile untouched, got %+v", p)
	}
	if claim, _ := ms.Get(ctx, AvatarPath("r1", "🦄")); claim.Exists {
		t.Fatalf("expected no claim for the rejected avatar")
	}
}

func TestJoin_UnknownAvatar(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	_, err := newAllocator(ms).Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🐙"})
	if !errors.Is(err, ErrUnknownAvatar) {
		t.Fatalf("expected ErrUnknownAvatar, got %v", err)
	}
}

func TestJoin_ConcurrentCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 4} {
		for round := 0; round < 10; round++ {
			ms := store.NewMemoryStore()
			room := fmt.Sprintf("r-%d-%d", capacity, round)
			if capacity != DefaultMaxPlayers {
				createRoom(t, ms, room, capacity, story.Easy)
			}
			a := newAllocator(ms)

			var wg sync.WaitGroup
			results := make([]int, len(Avatars))
			errs := make([]error, len(Avatars))
			for i, av := range Avatars {
				wg.Add(1)
				go func(i int, avatar string) {
					defer wg.Done()
					results[i], errs[i] = a.Join(context.Background(), JoinRequest{
						Room:     room,
						DeviceID: fmt.Sprintf("dev-%d", i),
						Avatar:   avatar,
					})
				}(i, av.Symbol)
			}
			wg.Wait()

			seen := map[int]bool{}
			ok, full := 0, 0
			for i, err := range errs {
				switch {
				case err == nil:
					ok++
					if seen[results[i]] {
						t.Fatalf("capacity %d: player %d assigned twice", capacity, results[i])
					}
					if results[i] < 1 || results[i] > capacity {
						t.Fatalf("capacity %d: player number %d out of range", capacity, results[i])
					}
					seen[results[i]] = true
				case errors.Is(err, ErrRoomFull):
					full++
				default:
					t.Fatalf("capacity %d: unexpected error %v", capacity, err)
				}
			}
			if ok != capacity || full != len(Avatars)-capacity {
				t.Fatalf("capacity %d: expected %d joins and %d full, got %d and %d", capacity, capacity, len(Avatars)-capacity, ok, full)
			}
			sess, _ := loadSession(t, ms, room)
			if sess.Occupied() != capacity {
				t.Fatalf("capacity %d: expected %d occupied slots, got %d", capacity, capacity, sess.Occupied())
			}
			ms.Close()
		}
	}
}

func TestJoin_ConcurrentSameAvatar(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	a := newAllocator(ms)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Join(context.Background(), JoinRequest{Room: "r1", DeviceID: fmt.Sprintf("dev-%d", i), Avatar: "🦄"})
		}(i)
	}
	wg.Wait()

	ok, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAvatarTaken):
			taken++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || taken != 3 {
		t.Fatalf("expected 1 join and 3 avatar conflicts, got %d and %d", ok, taken)
	}
	sess, _ := loadSession(t, ms, "r1")
	if sess.Occupied() != 1 {
		t.Fatalf("expected losers to hold no slot, got %d occupied", sess.Occupied())
	}
}

// contendedStore reports a conflict on every transaction.
type contendedStore struct {
	*store.MemoryStore
}

func (contendedStore) Transact(context.Context, func(store.Tx) error) error {
	return fmt.Errorf("%w: games/r1 changed", store.ErrConflict)
}

func TestJoin_ExhaustedConflictsSurfaceAsRoomFull(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	_, err := newAllocator(contendedStore{ms}).Join(context.Background(), JoinRequest{Room: "r1", DeviceID: "a", Avatar: "🐯"})
	if !errors.Is(err, ErrRoomFull) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected room full wrapping a conflict, got %v", err)
	}
}
