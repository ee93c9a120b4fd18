package game

import (
	"sync"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
)

const (
	DefaultTurnIdle  = 30 * time.Second
	DefaultHighlight = 5 * time.Second
)

// NextTurn returns the player after current, wrapping to 1 after maxPlayers.
func NextTurn(current, maxPlayers int) int {
	if current >= maxPlayers {
		return 1
	}
	return current + 1
}

type TurnConfig struct {
	Clock     clock.Clock
	Idle      time.Duration
	Highlight time.Duration
	// OnIdle runs when the local player let the idle period pass.
	OnIdle func(turn int)
	// OnHighlight switches the visual highlight of a player's avatar.
	OnHighlight func(turn int, on bool)
}

// TurnScheduler tracks the observed turn and runs the inactivity watch for
// the local player. At most one watch is armed at a time.
type TurnScheduler struct {
	mu        sync.Mutex
	cfg       TurnConfig
	local     int
	current   int
	gen       uint64
	timer     clock.Timer
	highlight clock.Timer
	stopped   bool
}

func NewTurnScheduler(cfg TurnConfig) *TurnScheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultTurnIdle
	}
	if cfg.Highlight <= 0 {
		cfg.Highlight = DefaultHighlight
	}
	return &TurnScheduler{cfg: cfg}
}

// SetLocal records the player number this device joined as.
func (t *TurnScheduler) SetLocal(n int) {
	t.mu.Lock()
	t.local = n
	t.mu.Unlock()
}

func (t *TurnScheduler) Local() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *TurnScheduler) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *TurnScheduler) IsMyTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local > 0 && t.local == t.current
}

// Observe records the turn seen in the latest session state and restarts
// the watch when it changed.
func (t *TurnScheduler) Observe(turn int) {
	t.mu.Lock()
	changed := turn != t.current
	t.current = turn
	t.mu.Unlock()
	if changed {
		t.StartInactivityWatch(turn)
	}
}

// StartInactivityWatch replaces any armed watch. Only the device whose
// player number matches turn arms a timer.
func (t *TurnScheduler) StartInactivityWatch(turn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarmLocked()
	if t.stopped || t.local == 0 || t.local != turn {
		return
	}
	gen := t.gen
	t.timer = t.cfg.Clock.AfterFunc(t.cfg.Idle, func() { t.fire(gen, turn) })
}

// Armed reports whether an inactivity watch is pending.
func (t *TurnScheduler) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Disarm cancels a pending watch without stopping the scheduler.
func (t *TurnScheduler) Disarm() {
	t.mu.Lock()
	t.disarmLocked()
	t.mu.Unlock()
}

func (t *TurnScheduler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.disarmLocked()
	if t.highlight != nil {
		t.highlight.Stop()
		t.highlight = nil
	}
}

func (t *TurnScheduler) disarmLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *TurnScheduler) fire(gen uint64, turn int) {
	t.mu.Lock()
	if gen != t.gen || t.stopped || t.current != turn {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if t.highlight != nil {
		t.highlight.Stop()
	}
	t.highlight = t.cfg.Clock.AfterFunc(t.cfg.Highlight, func() { t.unhighlight(turn) })
	t.mu.Unlock()

	if t.cfg.OnIdle != nil {
		t.cfg.OnIdle(turn)
	}
	if t.cfg.OnHighlight != nil {
		t.cfg.OnHighlight(turn, true)
	}
}

func (t *TurnScheduler) unhighlight(turn int) {
	t.mu.Lock()
	t.highlight = nil
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped && t.cfg.OnHighlight != nil {
		t.cfg.OnHighlight(turn, false)
	}
}
