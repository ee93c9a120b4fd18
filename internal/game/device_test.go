package game

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/narration"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

type testDevice struct {
	*Device
	speech   *instantSpeech
	listener *recordingListener
}

func openDevice(t *testing.T, ms store.Store, clk clock.Clock, room, id string, withSpeech bool) *testDevice {
	t.Helper()
	td := &testDevice{listener: &recordingListener{}}
	cfg := DeviceConfig{
		Room:     room,
		DeviceID: id,
		Store:    ms,
		Catalog:  testCatalog(),
		Clock:    clk,
		Listener: td.listener,
	}
	if withSpeech {
		td.speech = &instantSpeech{}
		cfg.Speech = td.speech
	}
	td.Device = NewDevice(cfg)
	td.Open()
	t.Cleanup(td.Close)
	return td
}

func join(t *testing.T, d *testDevice, avatar string) int {
	t.Helper()
	n, err := d.Join(context.Background(), avatar, "Farm Day", story.Easy)
	if err != nil {
		t.Fatalf("%s join: %v", d.ID(), err)
	}
	return n
}

func TestDevice_FullGame(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	createRoom(t, ms, "r1", 2, story.Easy)
	d1 := openDevice(t, ms, clk, "r1", "dev-1", true)
	d2 := openDevice(t, ms, clk, "r1", "dev-2", true)

	if n := join(t, d1, "🐯"); n != 1 {
		t.Fatalf("expected player 1, got %d", n)
	}
	if n := join(t, d2, "🐻"); n != 2 {
		t.Fatalf("expected player 2, got %d", n)
	}
	for _, d := range []*testDevice{d1, d2} {
		d := d
		eventually(t, "roster on "+d.ID(), func() bool { return len(d.View().Roster()) == 2 })
		d.Start()
	}

	// wrong turn: echoed locally, nothing written
	_, before := loadSession(t, ms, "r1")
	if err := d2.SelectWord(context.Background(), "cow"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	_, after := loadSession(t, ms, "r1")
	if after.Version != before.Version || !reflect.DeepEqual(after.Data, before.Data) {
		t.Fatalf("expected session untouched by wrong-turn selection")
	}
	if d2.speech.count("cow") != 1 {
		t.Fatalf("expected word echo on wrong turn, got %v", d2.speech.spoken())
	}

	devices := map[int]*testDevice{1: d1, 2: d2}
	for i, w := range []string{"cow", "duck", "goat", "pie"} {
		turn := i%2 + 1
		d := devices[turn]
		eventually(t, "turn "+w, func() bool {
			s := d.View().Session()
			return s.CurrentSectionIndex == i && s.CurrentTurn == turn
		})
		if err := d.SelectWord(context.Background(), w); err != nil {
			t.Fatalf("select %s: %v", w, err)
		}
	}

	eventually(t, "narration acknowledged", func() bool {
		s, _ := loadSession(t, ms, "r1")
		return s.NarrationAcknowledged
	})
	final, _ := loadSession(t, ms, "r1")
	if final.GameStatus != StatusCompleted || final.CurrentPhrase != EndPhrase || len(final.CompletedPhrases) != 4 {
		t.Fatalf("unexpected final session %+v", final)
	}
	if len(final.SelectedWords) != 4 || final.SelectedWords[1].Player != "🐻" {
		t.Fatalf("unexpected selection log %+v", final.SelectedWords)
	}

	readback := Readback(final.CompletedPhrases)
	for _, d := range []*testDevice{d1, d2} {
		d := d
		eventually(t, "reveal on "+d.ID(), func() bool {
			clk.Advance(time.Second)
			completed, _, _ := d.listener.snapshot()
			return completed == 1
		})
		if n := d.speech.count(readback); n != 1 {
			t.Fatalf("%s: expected one readback, got %d", d.ID(), n)
		}
		if n := d.speech.count(EndPhrase); n != 0 {
			t.Fatalf("%s: terminal marker must not be narrated as a phrase", d.ID())
		}
	}
}

func TestDevice_TurnReminderPersisted(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	createRoom(t, ms, "r1", 2, story.Easy)
	d1 := openDevice(t, ms, clk, "r1", "dev-1", true)
	d2 := openDevice(t, ms, clk, "r1", "dev-2", true)
	join(t, d1, "🐯")
	join(t, d2, "🐻")

	eventually(t, "second slot seen", func() bool { return d1.View().Authoritative().Player2ID == "dev-2" })
	eventually(t, "watch armed", d1.Turns().Armed)
	if d2.Turns().Armed() {
		t.Fatalf("expected no watch on the waiting device")
	}

	clk.Advance(DefaultTurnIdle)
	if d1.speech.count("Player 1, Tiger, it's your turn!") != 1 {
		t.Fatalf("expected announcement, got %v", d1.speech.spoken())
	}
	clk.Advance(DefaultHighlight)
	if _, hl, _ := d1.listener.snapshot(); !reflect.DeepEqual(hl, []bool{true, false}) {
		t.Fatalf("expected highlight on then off, got %v", hl)
	}
	if len(d1.PendingReminders()) != 1 {
		t.Fatalf("expected a pending reminder")
	}

	if err := d1.SelectWord(context.Background(), "cow"); err != nil {
		t.Fatal(err)
	}
	s, _ := loadSession(t, ms, "r1")
	if len(s.TurnReminders) != 1 || s.TurnReminders[0].PlayerAvatar != "🐯" {
		t.Fatalf("expected reminder persisted, got %+v", s.TurnReminders)
	}
	if len(d1.PendingReminders()) != 0 {
		t.Fatalf("expected reminders flushed")
	}
	eventually(t, "watch cancelled", func() bool {
		return d1.View().Authoritative().CurrentTurn == 2 && !d1.Turns().Armed()
	})
}

func TestDevice_RejectedSelectionRestartsWatch(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	createRoom(t, ms, "r1", 2, story.Easy)
	d1 := openDevice(t, ms, clk, "r1", "dev-1", true)
	d2 := openDevice(t, ms, clk, "r1", "dev-2", true)
	join(t, d1, "🐯")
	join(t, d2, "🐻")
	eventually(t, "second slot seen", func() bool { return d1.View().Authoritative().Player2ID == "dev-2" })
	eventually(t, "watch armed", d1.Turns().Armed)

	announcement := "Player 1, Tiger, it's your turn!"
	clk.Advance(25 * time.Second)
	if err := d1.SelectWord(context.Background(), "zebra"); !errors.Is(err, ErrWordNotInVocabulary) {
		t.Fatalf("expected ErrWordNotInVocabulary, got %v", err)
	}
	if !d1.Turns().Armed() {
		t.Fatalf("expected watch re-armed after the rejected selection")
	}

	clk.Advance(6 * time.Second)
	if n := d1.speech.count(announcement); n != 0 {
		t.Fatalf("expected no announcement 6s after a selection, got %d", n)
	}
	clk.Advance(DefaultTurnIdle - 6*time.Second)
	if n := d1.speech.count(announcement); n != 1 {
		t.Fatalf("expected announcement a full idle period after the selection, got %d (%v)", n, d1.speech.spoken())
	}
}

func TestDevice_StartGatesPhraseNarration(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Unix(0, 0))
	createRoom(t, ms, "r1", 2, story.Easy)
	d1 := openDevice(t, ms, clk, "r1", "dev-1", true)
	join(t, d1, "🐯")
	eventually(t, "session loaded", d1.View().Loaded)

	phrase := "The woke up early."
	if d1.speech.count(phrase) != 0 {
		t.Fatalf("expected no narration behind the play overlay")
	}
	d1.Start()
	d1.Start()
	if d1.speech.count(phrase) != 1 {
		t.Fatalf("expected phrase narrated once, got %v", d1.speech.spoken())
	}

	d2 := openDevice(t, ms, clk, "r1", "dev-2", false)
	join(t, d2, "🐻")
	eventually(t, "second player seen", func() bool { return len(d1.View().Roster()) == 2 })
	if d1.speech.count(phrase) != 1 {
		t.Fatalf("expected unrelated snapshots not to re-narrate, got %v", d1.speech.spoken())
	}
}

func TestDevice_AvatarPrecheck(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Unix(0, 0))
	d1 := openDevice(t, ms, clk, "r1", "dev-1", false)
	d2 := openDevice(t, ms, clk, "r1", "dev-2", false)
	join(t, d1, "🦋")
	eventually(t, "roster on dev-2", func() bool { return d2.View().Taken("🦋", "dev-2") })

	if _, err := d2.Join(context.Background(), "🦋", "Farm Day", story.Easy); !errors.Is(err, ErrAvatarTaken) {
		t.Fatalf("expected ErrAvatarTaken, got %v", err)
	}
	if d2.PlayerNumber() != 0 {
		t.Fatalf("expected no slot after avatar conflict")
	}
}

func TestDevice_OfflineKeepsStateAndRollsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Unix(0, 0))
	createRoom(t, ms, "r1", 1, story.Easy)
	d := openDevice(t, ms, clk, "r1", "dev-1", false)
	join(t, d, "🐰")
	eventually(t, "session loaded", d.View().Loaded)

	ms.SetOnline(false)
	eventually(t, "stale view", func() bool { stale, _ := d.View().Stale(); return stale })

	err := d.SelectWord(context.Background(), "cow")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if s := d.View().Session(); s.CurrentSectionIndex != 0 || len(s.CompletedPhrases) != 0 {
		t.Fatalf("expected rollback to last snapshot, got index %d", s.CurrentSectionIndex)
	}
	if s := d.View().Session(); s.CurrentPhrase != "The ___ woke up early." {
		t.Fatalf("expected last known phrase displayed, got %q", s.CurrentPhrase)
	}

	ms.SetOnline(true)
	eventually(t, "recovered view", func() bool { stale, _ := d.View().Stale(); return !stale })
	if err := d.SelectWord(context.Background(), "cow"); err != nil {
		t.Fatalf("expected selection after recovery, got %v", err)
	}
}

func TestDevice_SilentDeviceStillAcknowledges(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	clk := clock.NewFake(time.Unix(0, 0))
	createRoom(t, ms, "r1", 1, story.Easy)
	d := openDevice(t, ms, clk, "r1", "dev-1", false)
	join(t, d, "🐬")
	if d.Narration().Capability().State() != narration.Unavailable {
		t.Fatalf("expected unavailable speech without a backend")
	}
	for i, w := range []string{"pig", "rooster", "horse", "apple"} {
		eventually(t, "section", func() bool {
			return d.View().Loaded() && d.View().Authoritative().CurrentSectionIndex == i
		})
		if err := d.SelectWord(context.Background(), w); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "acknowledged", func() bool {
		s, _ := loadSession(t, ms, "r1")
		return s.NarrationAcknowledged
	})
}

func TestReadback(t *testing.T) {
	got := Readback([]string{"The cow woke up early.", "A duck crowed on the fence!"})
	want := "The cow woke up early. A duck crowed on the fence. The End!"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if Readback(nil) != EndPhrase {
		t.Fatalf("expected bare terminal sentence")
	}
}

func TestAnnouncement(t *testing.T) {
	if got := Announcement(3, "🦄"); got != "Player 3, Unicorn, it's your turn!" {
		t.Fatalf("unexpected announcement %q", got)
	}
	if got := Announcement(2, ""); got != "Player 2, it's your turn!" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
