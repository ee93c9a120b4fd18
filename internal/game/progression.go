package game

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

// Move is one word selection made by a player.
type Move struct {
	Word   string
	Avatar string
	At     time.Time
	// Reminders are turn reminders announced since the last write.
	Reminders []TurnReminder
}

// Advance returns the session after applying m. It does not check whose turn
// it is; callers gate on that before calling. Logs are extended on fresh
// copies so s is never modified.
func Advance(s Session, st *story.Story, m Move) (Session, error) {
	if s.Completed() {
		return s, ErrStoryCompleted
	}
	played := st.Played(s.Difficulty)
	total := s.NumberOfPhrases
	if total <= 0 || total > len(played) {
		total = len(played)
	}
	idx := s.CurrentSectionIndex
	if idx < 0 || idx >= total {
		return s, ErrStoryCompleted
	}
	sec := played[idx]
	w, ok := sec.Words[m.Word]
	if !ok {
		return s, fmt.Errorf("%w: %q", ErrWordNotInVocabulary, m.Word)
	}

	sel := WordSelection{Word: m.Word, Timestamp: m.At.UTC(), Player: m.Avatar}
	next := s
	next.CompletedPhrases = append(slices.Clone(s.CompletedPhrases), sec.Fill(m.Word))
	next.CompletedImages = append(slices.Clone(s.CompletedImages), ImagePlacement{Src: w.Image, Alt: m.Word, X: w.X, Y: w.Y})
	next.SelectedWords = append(slices.Clone(s.SelectedWords), sel)
	next.TurnReminders = append(slices.Clone(s.TurnReminders), m.Reminders...)
	if next.TurnReminders == nil {
		next.TurnReminders = []TurnReminder{}
	}
	next.LastWordSelected = &sel
	next.LastUpdated = m.At.UTC()
	next.NumberOfPhrases = total

	next.CurrentSectionIndex = idx + 1
	if next.CurrentSectionIndex >= total {
		next.GameStatus = StatusCompleted
		next.CurrentPhrase = EndPhrase
		return next, nil
	}
	next.CurrentPhrase = played[next.CurrentSectionIndex].Phrase
	next.CurrentTurn = NextTurn(s.CurrentTurn, s.MaxPlayers)
	return next, nil
}

var errPrecondition = errors.New("session precondition failed")

// CommitAdvance writes the transition from -> to as one merge, provided the
// stored session still has the turn, section and status from was computed
// from.
func CommitAdvance(ctx context.Context, s store.Store, room string, from, to Session) error {
	fields, err := progressFields(to)
	if err != nil {
		return err
	}
	p := SessionPath(room)
	err = s.Transact(ctx, func(tx store.Tx) error {
		snap, err := tx.Get(p)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return ErrNoSession
		}
		var cur Session
		if err := snap.Decode(&cur); err != nil {
			return err
		}
		if cur.CurrentTurn != from.CurrentTurn ||
			cur.CurrentSectionIndex != from.CurrentSectionIndex ||
			cur.GameStatus != from.GameStatus {
			return errPrecondition
		}
		tx.Update(p, fields)
		return nil
	})
	if errors.Is(err, errPrecondition) {
		return ErrStaleTurn
	}
	return err
}

// progressFields are the session fields a selection rewrites. Logs are
// always written whole.
func progressFields(s Session) (store.Data, error) {
	return store.Encode(struct {
		CurrentTurn         int              `json:"currentTurn"`
		CurrentSectionIndex int              `json:"currentSectionIndex"`
		CurrentPhrase       string           `json:"currentPhrase"`
		CompletedPhrases    []string         `json:"completedPhrases"`
		CompletedImages     []ImagePlacement `json:"completedImages"`
		SelectedWords       []WordSelection  `json:"selectedWords"`
		TurnReminders       []TurnReminder   `json:"turnReminders"`
		NumberOfPhrases     int              `json:"numberOfPhrases"`
		GameStatus          Status           `json:"gameStatus"`
		LastWordSelected    *WordSelection   `json:"lastWordSelected"`
		LastUpdated         time.Time        `json:"lastUpdated"`
	}{
		s.CurrentTurn, s.CurrentSectionIndex, s.CurrentPhrase,
		s.CompletedPhrases, s.CompletedImages, s.SelectedWords, s.TurnReminders,
		s.NumberOfPhrases, s.GameStatus, s.LastWordSelected, s.LastUpdated,
	})
}

// Acknowledge marks the final readback as heard so every device can reveal
// the completion screen.
func Acknowledge(ctx context.Context, s store.Store, room string) error {
	return s.Merge(ctx, SessionPath(room), store.Data{"narrationAcknowledged": true})
}
