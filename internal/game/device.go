package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/narration"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

// DefaultRevealDelay is how long the completion screen waits after the final
// readback was acknowledged.
const DefaultRevealDelay = 3 * time.Second

const ackTimeout = 5 * time.Second

// Listener receives the UI-facing events of a device.
type Listener interface {
	OnTurnChanged(turn int, mine bool)
	OnSectionChanged(s Session, words []string)
	OnHighlight(turn int, avatar string, on bool)
	OnStoryCompleted(s Session)
	OnStale(err error)
}

// NopListener ignores every event. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) OnTurnChanged(int, bool)            {}
func (NopListener) OnSectionChanged(Session, []string) {}
func (NopListener) OnHighlight(int, string, bool)      {}
func (NopListener) OnStoryCompleted(Session)           {}
func (NopListener) OnStale(error)                      {}

type DeviceConfig struct {
	Room     string
	DeviceID string
	Store    store.Store
	Catalog  *story.Catalog
	Clock    clock.Clock
	Speech   narration.Backend

	TurnIdle    time.Duration
	Highlight   time.Duration
	RevealDelay time.Duration

	Listener          Listener
	NarrationListener narration.Listener
	Logger            *zerolog.Logger
}

// Device is one tablet taking part in a room: it owns the session view, the
// turn scheduler and the narration queue, and applies the local player's
// selections.
type Device struct {
	cfg   DeviceConfig
	log   zerolog.Logger
	view  *View
	turns *TurnScheduler
	narr  *narration.Sequencer
	slots *SlotAllocator

	// evMu serialises reconciliation so snapshot and selection handling do
	// not interleave. It is never held across store calls.
	evMu sync.Mutex

	mu        sync.Mutex
	player    int
	avatar    string
	started   bool
	readback  bool
	revealed  bool
	reveal    clock.Timer
	reminders []TurnReminder
	unsubs    []func()
	closed    bool
}

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.RevealDelay <= 0 {
		cfg.RevealDelay = DefaultRevealDelay
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("room", cfg.Room).Str("device", cfg.DeviceID).Logger()

	d := &Device{
		cfg:   cfg,
		log:   logger,
		view:  NewView(cfg.Catalog),
		slots: NewSlotAllocator(cfg.Store, cfg.Catalog, cfg.Clock),
	}
	d.turns = NewTurnScheduler(TurnConfig{
		Clock:       cfg.Clock,
		Idle:        cfg.TurnIdle,
		Highlight:   cfg.Highlight,
		OnIdle:      d.onIdle,
		OnHighlight: d.onHighlight,
	})
	d.narr = narration.NewSequencer(narration.Config{
		Backend:         cfg.Speech,
		Clock:           cfg.Clock,
		Listener:        cfg.NarrationListener,
		Logger:          &d.log,
		OnFinalReadback: d.acknowledge,
	})
	return d
}

func (d *Device) Room() string                    { return d.cfg.Room }
func (d *Device) ID() string                      { return d.cfg.DeviceID }
func (d *Device) View() *View                     { return d.view }
func (d *Device) Turns() *TurnScheduler           { return d.turns }
func (d *Device) Narration() *narration.Sequencer { return d.narr }

func (d *Device) PlayerNumber() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player
}

func (d *Device) Avatar() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avatar
}

// Open subscribes to the room and starts speech negotiation.
func (d *Device) Open() {
	d.narr.Start()
	unsubSession := d.cfg.Store.Subscribe(SessionPath(d.cfg.Room), d.onSession)
	unsubRoster := d.cfg.Store.SubscribeCollection(PlayersCollection(d.cfg.Room), d.onRoster)
	d.mu.Lock()
	d.unsubs = append(d.unsubs, unsubSession, unsubRoster)
	d.mu.Unlock()
}

// Join takes a player slot with the chosen avatar.
func (d *Device) Join(ctx context.Context, avatar, storyTitle string, difficulty story.Difficulty) (int, error) {
	if d.view.Taken(avatar, d.cfg.DeviceID) {
		return 0, ErrAvatarTaken
	}
	n, err := d.slots.Join(ctx, JoinRequest{
		Room:       d.cfg.Room,
		DeviceID:   d.cfg.DeviceID,
		Avatar:     avatar,
		StoryTitle: storyTitle,
		Difficulty: difficulty,
	})
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.player = n
	d.avatar = avatar
	d.mu.Unlock()
	d.turns.SetLocal(n)
	if d.view.Loaded() && !d.view.Session().Completed() {
		d.turns.StartInactivityWatch(d.turns.Current())
	}
	d.log.Info().Int("player", n).Str("avatar", avatar).Msg("joined room")
	return n, nil
}

// Start dismisses the play overlay and narrates the current phrase.
func (d *Device) Start() {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	if !d.view.Loaded() {
		return
	}
	if s := d.view.Session(); !s.Completed() {
		d.narr.Enqueue(narration.PhraseNarration, s.CurrentPhrase)
	}
}

// SelectWord plays word for the local player. The word is echoed on every
// attempt; only a valid selection on the local player's turn is written.
// Any attempt by the turn holder restarts the inactivity watch.
func (d *Device) SelectWord(ctx context.Context, word string) error {
	d.mu.Lock()
	player, avatar := d.player, d.avatar
	d.mu.Unlock()

	if strings.TrimSpace(word) != "" {
		d.narr.Enqueue(narration.WordEcho, word)
	}
	if player == 0 {
		return ErrNotJoined
	}

	d.evMu.Lock()
	st := d.view.Story()
	if !d.view.Loaded() || st == nil {
		d.evMu.Unlock()
		return ErrNoSession
	}
	from := d.view.Session()
	if from.CurrentTurn != player {
		d.evMu.Unlock()
		return ErrNotYourTurn
	}
	reminders := d.takeReminders()
	to, err := Advance(from, st, Move{
		Word:      word,
		Avatar:    avatar,
		At:        d.cfg.Clock.Now(),
		Reminders: reminders,
	})
	if err != nil {
		d.restoreReminders(reminders)
		if !from.Completed() {
			d.turns.StartInactivityWatch(player)
		}
		d.evMu.Unlock()
		return err
	}
	d.react(d.view.Optimistic(to))
	d.evMu.Unlock()

	if err := CommitAdvance(ctx, d.cfg.Store, d.cfg.Room, from, to); err != nil {
		d.log.Warn().Err(err).Str("word", word).Msg("selection not committed")
		d.restoreReminders(reminders)
		d.evMu.Lock()
		d.react(d.view.Rollback())
		if s := d.view.Session(); !s.Completed() {
			d.turns.StartInactivityWatch(s.CurrentTurn)
		}
		d.evMu.Unlock()
		return err
	}
	return nil
}

// Close stops timers, cancels speech and unsubscribes.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	unsubs := d.unsubs
	d.unsubs = nil
	if d.reveal != nil {
		d.reveal.Stop()
	}
	d.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	d.turns.Stop()
	d.narr.Close()
}

func (d *Device) onSession(snap store.Snapshot, err error) {
	if err != nil {
		d.view.Fail(err)
		d.log.Warn().Err(err).Msg("session subscription failed, keeping last state")
		d.cfg.Listener.OnStale(err)
		return
	}
	d.evMu.Lock()
	defer d.evMu.Unlock()
	c, err := d.view.ApplySession(snap)
	if err != nil {
		d.log.Error().Err(err).Msg("decode session")
		return
	}
	d.react(c)
}

func (d *Device) onRoster(snaps []store.Snapshot, err error) {
	if err != nil {
		d.view.Fail(err)
		d.cfg.Listener.OnStale(err)
		return
	}
	if err := d.view.ApplyRoster(snaps); err != nil {
		d.log.Error().Err(err).Msg("decode roster")
	}
}

// react turns a reconciliation into side effects. Callers hold evMu.
func (d *Device) react(c Changes) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	player, started := d.player, d.started
	d.mu.Unlock()

	s := d.view.Session()
	if s.Completed() {
		d.turns.Disarm()
	} else if c.TurnChanged || c.SectionAdvanced {
		d.turns.Observe(s.CurrentTurn)
		if !c.TurnChanged {
			d.turns.StartInactivityWatch(s.CurrentTurn)
		}
	}

	if c.TurnChanged {
		d.cfg.Listener.OnTurnChanged(s.CurrentTurn, player > 0 && player == s.CurrentTurn)
	}
	if c.PhraseChanged {
		var words []string
		if sec, ok := d.view.Section(); ok {
			words = sec.Vocabulary()
		}
		d.cfg.Listener.OnSectionChanged(s, words)
		if started && !s.Completed() {
			d.narr.CancelQueued(narration.PhraseNarration)
			d.narr.Enqueue(narration.PhraseNarration, s.CurrentPhrase)
		}
	}

	auth := d.view.Authoritative()
	if !auth.Completed() {
		return
	}
	d.mu.Lock()
	queueReadback := !d.readback && !auth.NarrationAcknowledged
	if queueReadback {
		d.readback = true
	}
	armReveal := auth.NarrationAcknowledged && !d.revealed && d.reveal == nil
	if armReveal {
		d.reveal = d.cfg.Clock.AfterFunc(d.cfg.RevealDelay, d.revealCompletion)
	}
	d.mu.Unlock()
	if queueReadback {
		d.narr.Enqueue(narration.FinalReadback, Readback(auth.CompletedPhrases))
	}
}

// Readback is the text spoken when the story is complete.
func Readback(phrases []string) string {
	parts := make([]string, 0, len(phrases)+1)
	for _, p := range phrases {
		if p = strings.TrimRight(strings.TrimSpace(p), ".!?"); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, EndPhrase)
	return strings.Join(parts, ". ")
}

func (d *Device) revealCompletion() {
	d.mu.Lock()
	if d.closed || d.revealed {
		d.mu.Unlock()
		return
	}
	d.revealed = true
	d.mu.Unlock()
	d.cfg.Listener.OnStoryCompleted(d.view.Authoritative())
}

func (d *Device) acknowledge() {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if err := Acknowledge(ctx, d.cfg.Store, d.cfg.Room); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("acknowledge narration")
		}
	}()
}

func (d *Device) onIdle(turn int) {
	avatar := d.view.AvatarFor(turn)
	if avatar == "" {
		avatar = d.Avatar()
	}
	d.narr.Enqueue(narration.TurnAnnouncement, Announcement(turn, avatar))
	d.mu.Lock()
	d.reminders = append(d.reminders, TurnReminder{PlayerAvatar: avatar, ReminderTime: d.cfg.Clock.Now().UTC()})
	d.mu.Unlock()
	d.log.Debug().Int("turn", turn).Msg("turn reminder")
}

func (d *Device) onHighlight(turn int, on bool) {
	avatar := d.view.AvatarFor(turn)
	if avatar == "" {
		avatar = d.Avatar()
	}
	d.cfg.Listener.OnHighlight(turn, avatar, on)
}

func (d *Device) takeReminders() []TurnReminder {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.reminders
	d.reminders = nil
	return r
}

func (d *Device) restoreReminders(r []TurnReminder) {
	if len(r) == 0 {
		return
	}
	d.mu.Lock()
	d.reminders = append(r, d.reminders...)
	d.mu.Unlock()
}

// PendingReminders returns reminders not yet written to the session.
func (d *Device) PendingReminders() []TurnReminder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]TurnReminder(nil), d.reminders...)
}
