package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

// JoinRequest asks for a player slot in a room. StoryTitle and Difficulty
// seed the session when the room document does not name them.
type JoinRequest struct {
	Room       string
	DeviceID   string
	Avatar     string
	StoryTitle string
	Difficulty story.Difficulty
}

// SlotAllocator hands out player numbers through one store transaction per
// join, so two devices can never hold the same slot or avatar.
type SlotAllocator struct {
	store   store.Store
	catalog *story.Catalog
	clock   clock.Clock
}

func NewSlotAllocator(s store.Store, catalog *story.Catalog, c clock.Clock) *SlotAllocator {
	if c == nil {
		c = clock.Real()
	}
	return &SlotAllocator{store: s, catalog: catalog, clock: c}
}

// Join claims the first free slot for the device and returns its player
// number. A device that already holds a slot gets the same number back, as
// long as it asks for the avatar it joined with.
func (a *SlotAllocator) Join(ctx context.Context, req JoinRequest) (int, error) {
	if _, ok := AvatarName(req.Avatar); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAvatar, req.Avatar)
	}
	if req.Room == "" || req.DeviceID == "" {
		return 0, fmt.Errorf("%w: room and device are required", store.ErrInvalidPath)
	}

	var (
		number int
		rejoin bool
	)
	err := a.store.Transact(ctx, func(tx store.Tx) error {
		number, rejoin = 0, false
		now := a.clock.Now().UTC()

		sessSnap, err := tx.Get(SessionPath(req.Room))
		if err != nil {
			return err
		}
		roomSnap, err := tx.Get(RoomPath(req.Room))
		if err != nil {
			return err
		}
		var room Room
		if roomSnap.Exists {
			if err := roomSnap.Decode(&room); err != nil {
				return err
			}
		}
		capacity := clampCapacity(room.NumPlayers)

		claim, err := store.Encode(AvatarClaim{DeviceID: req.DeviceID, ClaimedAt: now})
		if err != nil {
			return err
		}

		if !sessSnap.Exists {
			sess, err := a.newSession(room, req, capacity, now)
			if err != nil {
				return err
			}
			sess.Player1ID = req.DeviceID
			data, err := store.Encode(sess)
			if err != nil {
				return err
			}
			tx.Set(SessionPath(req.Room), data)
			tx.Create(AvatarPath(req.Room, req.Avatar), claim)
			number = 1
			return nil
		}

		var sess Session
		if err := sessSnap.Decode(&sess); err != nil {
			return err
		}
		if n := sess.SlotOf(req.DeviceID); n > 0 {
			prof, err := tx.Get(PlayerPath(req.Room, req.DeviceID))
			if err != nil {
				return err
			}
			if prof.Exists {
				var p Profile
				if err := prof.Decode(&p); err != nil {
					return err
				}
				if p.Avatar != req.Avatar {
					return fmt.Errorf("%w: device already joined as %s", ErrAvatarTaken, p.Avatar)
				}
			}
			number, rejoin = n, prof.Exists
			return nil
		}
		for n := 1; n <= capacity; n++ {
			if sess.Slot(n) != "" {
				continue
			}
			tx.Update(SessionPath(req.Room), store.Data{
				slotField(n):  req.DeviceID,
				"lastUpdated": now,
			})
			tx.Create(AvatarPath(req.Room, req.Avatar), claim)
			number = n
			return nil
		}
		return ErrRoomFull
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyExists):
		return 0, fmt.Errorf("%w: %s", ErrAvatarTaken, req.Avatar)
	case errors.Is(err, store.ErrConflict):
		return 0, fmt.Errorf("%w: %w", ErrRoomFull, err)
	default:
		return 0, err
	}
	if rejoin {
		return number, nil
	}

	profile, err := store.Encode(Profile{Avatar: req.Avatar, PlayerNumber: number, JoinedAt: a.clock.Now().UTC()})
	if err != nil {
		return number, err
	}
	if err := a.store.Merge(ctx, PlayerPath(req.Room, req.DeviceID), profile); err != nil {
		return number, fmt.Errorf("write profile: %w", err)
	}
	return number, nil
}

func (a *SlotAllocator) newSession(room Room, req JoinRequest, capacity int, now time.Time) (Session, error) {
	title, diff := room.StoryTitle, room.Difficulty
	if title == "" {
		title = req.StoryTitle
	}
	if diff == "" {
		diff = req.Difficulty
	}
	st := a.catalog.Lookup(title)
	if st == nil {
		return Session{}, story.ErrEmptyCatalog
	}
	return NewSession(st, story.ParseDifficulty(string(diff)), capacity, now), nil
}

// NewSession is the state a room starts in: turn 1, first section, nothing
// completed.
func NewSession(st *story.Story, d story.Difficulty, maxPlayers int, now time.Time) Session {
	played := st.Played(d)
	return Session{
		StoryTitle:       st.Title,
		MaxPlayers:       clampCapacity(maxPlayers),
		CurrentTurn:      1,
		CurrentPhrase:    played[0].Phrase,
		CompletedPhrases: []string{},
		CompletedImages:  []ImagePlacement{},
		SelectedWords:    []WordSelection{},
		TurnReminders:    []TurnReminder{},
		Difficulty:       d,
		NumberOfPhrases:  len(played),
		GameStatus:       StatusInProgress,
		LastUpdated:      now,
	}
}

func clampCapacity(n int) int {
	if n <= 0 {
		return DefaultMaxPlayers
	}
	if n > MaxSlots {
		return MaxSlots
	}
	return n
}
