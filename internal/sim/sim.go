// Package sim plays a whole room headlessly: several in-process tablets
// share one store and take turns until the story is done.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/storyquest/internal/game"
	"github.com/kiliankoe/storyquest/internal/narration"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

type Options struct {
	Players    int
	Story      string
	Difficulty story.Difficulty
	Room       string

	Catalog     *story.Catalog
	Store       store.Store // defaults to a fresh MemoryStore
	RevealDelay time.Duration
	Logger      *zerolog.Logger
}

// Result is the finished story as every tablet ended up seeing it.
type Result struct {
	Session  game.Session
	Roster   []game.Member
	Readback string
}

// Run plays a room to completion or until ctx is done.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Players < 1 || opts.Players > game.MaxSlots {
		return Result{}, fmt.Errorf("players must be between 1 and %d", game.MaxSlots)
	}
	if opts.Catalog == nil {
		return Result{}, errors.New("no story catalog")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Room == "" {
		opts.Room = "SIM"
	}
	if opts.RevealDelay <= 0 {
		opts.RevealDelay = time.Millisecond
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	st := opts.Catalog.Lookup(opts.Story)
	if st == nil {
		return Result{}, errors.New("story catalog is empty")
	}

	room, err := store.Encode(game.Room{
		NumPlayers: opts.Players,
		StoryTitle: st.Title,
		Difficulty: opts.Difficulty,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}
	if err := opts.Store.Merge(ctx, game.RoomPath(opts.Room), room); err != nil {
		return Result{}, err
	}

	tablets := make([]*tablet, 0, opts.Players)
	defer func() {
		for _, t := range tablets {
			t.device.Close()
		}
	}()
	for i := 0; i < opts.Players; i++ {
		t := &tablet{speech: &instantSpeech{}, done: make(chan game.Session, 1)}
		t.device = game.NewDevice(game.DeviceConfig{
			Room:        opts.Room,
			DeviceID:    fmt.Sprintf("sim-%d", i+1),
			Store:       opts.Store,
			Catalog:     opts.Catalog,
			Speech:      t.speech,
			RevealDelay: opts.RevealDelay,
			Listener:    t,
			Logger:      &logger,
		})
		t.device.Open()
		n, err := t.device.Join(ctx, game.Avatars[i].Symbol, st.Title, opts.Difficulty)
		if err != nil {
			return Result{}, fmt.Errorf("tablet %d join: %w", i+1, err)
		}
		logger.Debug().Int("player", n).Str("avatar", game.Avatars[i].Symbol).Msg("sim tablet joined")
		t.device.Start()
		tablets = append(tablets, t)
	}

	if err := play(ctx, tablets); err != nil {
		return Result{}, err
	}

	var final game.Session
	for _, t := range tablets {
		select {
		case final = <-t.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	logger.Debug().Int("utterances", tablets[0].speech.count()).Msg("sim finished")
	return Result{
		Session:  final,
		Roster:   tablets[0].device.View().Roster(),
		Readback: game.Readback(final.CompletedPhrases),
	}, nil
}

// play lets whichever tablet holds the turn pick the first word of its
// vocabulary until the story completes.
func play(ctx context.Context, tablets []*tablet) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		moved := false
		for _, t := range tablets {
			v := t.device.View()
			s := v.Session()
			if s.Completed() {
				return nil
			}
			if !v.Loaded() || s.CurrentTurn != t.device.PlayerNumber() {
				continue
			}
			sec, ok := v.Section()
			if !ok {
				continue
			}
			words := sec.Vocabulary()
			if len(words) == 0 {
				return fmt.Errorf("section %d has no vocabulary", s.CurrentSectionIndex)
			}
			err := t.device.SelectWord(ctx, words[0])
			switch {
			case err == nil:
				moved = true
			case errors.Is(err, game.ErrNotYourTurn), errors.Is(err, game.ErrNoSession),
				errors.Is(err, game.ErrStoryCompleted), errors.Is(err, store.ErrConflict):
			default:
				return err
			}
		}
		if !moved {
			time.Sleep(2 * time.Millisecond)
		}
	}
}

// Print writes the finished story in reading order.
func Print(w io.Writer, res Result) {
	fmt.Fprintf(w, "%s\n", res.Session.StoryTitle)
	if len(res.Roster) > 0 {
		names := make([]string, 0, len(res.Roster))
		for _, m := range res.Roster {
			name, _ := game.AvatarName(m.Avatar)
			names = append(names, fmt.Sprintf("%s %s (player %d)", m.Avatar, name, m.PlayerNumber))
		}
		fmt.Fprintf(w, "by %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintln(w)
	for i, p := range res.Session.CompletedPhrases {
		who := ""
		if i < len(res.Session.SelectedWords) {
			who = res.Session.SelectedWords[i].Player
		}
		fmt.Fprintf(w, "%2d. %s %s\n", i+1, p, who)
	}
	fmt.Fprintf(w, "\n%s\n", game.EndPhrase)
}

type tablet struct {
	game.NopListener
	device *game.Device
	speech *instantSpeech
	once   sync.Once
	done   chan game.Session
}

func (t *tablet) OnStoryCompleted(s game.Session) {
	t.once.Do(func() { t.done <- s })
}

// instantSpeech finishes every utterance as soon as it is requested.
type instantSpeech struct {
	mu     sync.Mutex
	spoken int
}

func (b *instantSpeech) Voices() []narration.Voice {
	return []narration.Voice{{Name: "Samantha", Locale: "en-US"}}
}

func (b *instantSpeech) Speak(_ narration.Request, cb narration.Callbacks) error {
	b.mu.Lock()
	b.spoken++
	b.mu.Unlock()
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
	return nil
}

func (b *instantSpeech) CancelAll() {}

func (b *instantSpeech) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spoken
}
