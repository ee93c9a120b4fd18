package game

import (
	"errors"
	"fmt"

	"github.com/kiliankoe/storyquest/internal/store"
)

var (
	ErrRoomFull            = errors.New("room is full")
	ErrAvatarTaken         = errors.New("avatar already taken")
	ErrUnknownAvatar       = errors.New("unknown avatar")
	ErrNotJoined           = errors.New("device has not joined")
	ErrNotYourTurn         = errors.New("not your turn")
	ErrWordNotInVocabulary = errors.New("word not in vocabulary")
	ErrStoryCompleted      = errors.New("story already completed")
	ErrNoSession           = errors.New("session not started")

	// ErrStaleTurn is returned when the shared session moved on between
	// reading it and committing a selection.
	ErrStaleTurn = fmt.Errorf("turn already advanced: %w", store.ErrConflict)
)

// Code is the stable identifier transports report for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrAvatarTaken):
		return "avatar_taken"
	case errors.Is(err, ErrUnknownAvatar):
		return "unknown_avatar"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, ErrWordNotInVocabulary):
		return "word_not_in_vocabulary"
	case errors.Is(err, ErrStoryCompleted):
		return "story_completed"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrStaleTurn):
		return "stale_turn"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable"
	}
	return "internal"
}
