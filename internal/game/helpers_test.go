package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/storyquest/internal/narration"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

func testStory() *story.Story {
	sec := func(phrase string, words ...string) story.Section {
		s := story.Section{Phrase: phrase, Words: map[string]story.Word{}}
		for i, w := range words {
			s.Words[w] = story.Word{Image: w + ".png", X: float64(10 * (i + 1)), Y: 50}
		}
		return s
	}
	return &story.Story{
		Title: "Farm Day",
		Sections: []story.Section{
			sec("The ___ woke up early.", "cow", "pig"),
			sec("A ___ crowed on the fence.", "rooster", "duck"),
			sec("The farmer fed the ___.", "horse", "goat"),
			sec("Everyone ate a big ___.", "pie", "apple"),
			sec("At night the ___ slept.", "cat", "dog"),
		},
	}
}

func testCatalog() *story.Catalog {
	return story.New(testStory())
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createRoom(t *testing.T, s store.Store, room string, players int, d story.Difficulty) {
	t.Helper()
	data, err := store.Encode(Room{NumPlayers: players, StoryTitle: "Farm Day", Difficulty: d, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("encode room: %v", err)
	}
	if err := s.Merge(context.Background(), RoomPath(room), data); err != nil {
		t.Fatalf("create room: %v", err)
	}
}

func loadSession(t *testing.T, s store.Store, room string) (Session, store.Snapshot) {
	t.Helper()
	snap, err := s.Get(context.Background(), SessionPath(room))
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var sess Session
	if snap.Exists {
		if err := snap.Decode(&sess); err != nil {
			t.Fatalf("decode session: %v", err)
		}
	}
	return sess, snap
}

// instantSpeech finishes every utterance as soon as it is requested.
type instantSpeech struct {
	mu    sync.Mutex
	texts []string
}

func (b *instantSpeech) Voices() []narration.Voice {
	return []narration.Voice{{Name: "Samantha", Locale: "en-US"}}
}

func (b *instantSpeech) Speak(req narration.Request, cb narration.Callbacks) error {
	b.mu.Lock()
	b.texts = append(b.texts, req.Text)
	b.mu.Unlock()
	cb.OnEnd()
	return nil
}

func (b *instantSpeech) CancelAll() {}

func (b *instantSpeech) spoken() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func (b *instantSpeech) count(text string) int {
	n := 0
	for _, s := range b.spoken() {
		if s == text {
			n++
		}
	}
	return n
}

type recordingListener struct {
	NopListener
	mu         sync.Mutex
	completed  int
	highlights []bool
	stale      int
}

func (l *recordingListener) OnStoryCompleted(Session) {
	l.mu.Lock()
	l.completed++
	l.mu.Unlock()
}

func (l *recordingListener) OnHighlight(_ int, _ string, on bool) {
	l.mu.Lock()
	l.highlights = append(l.highlights, on)
	l.mu.Unlock()
}

func (l *recordingListener) OnStale(error) {
	l.mu.Lock()
	l.stale++
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() (completed int, highlights []bool, stale int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed, append([]bool(nil), l.highlights...), l.stale
}
