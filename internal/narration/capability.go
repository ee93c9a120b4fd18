package narration

import (
	"sync"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
)

type CapabilityState int

const (
	Unknown CapabilityState = iota
	Probing
	Ready
	Unavailable
)

func (s CapabilityState) String() string {
	switch s {
	case Probing:
		return "probing"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// DefaultProbeTimeout bounds how long a probe waits for voices before the
// capability is declared ready without them.
const DefaultProbeTimeout = time.Second

// Capability tracks whether the backend can speak yet.
type Capability struct {
	mu       sync.Mutex
	state    CapabilityState
	degraded bool
	backend  Backend
	clock    clock.Clock
	timeout  time.Duration
	timer    clock.Timer
	onChange func(CapabilityState)
}

func NewCapability(b Backend, c clock.Clock, timeout time.Duration, onChange func(CapabilityState)) *Capability {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Capability{backend: b, clock: c, timeout: timeout, onChange: onChange}
}

func (c *Capability) State() CapabilityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Degraded reports that the capability became ready by timeout, without a
// voice catalog.
func (c *Capability) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Probe starts negotiation. It is a no-op outside the Unknown state.
func (c *Capability) Probe() {
	c.mu.Lock()
	if c.state != Unknown {
		c.mu.Unlock()
		return
	}
	if c.backend == nil {
		c.state = Unavailable
		c.mu.Unlock()
		c.notify(Unavailable)
		return
	}
	if n, ok := c.backend.(VoiceNotifier); ok {
		n.OnVoicesChanged(c.VoicesChanged)
	}
	if len(c.backend.Voices()) > 0 {
		c.state = Ready
		c.mu.Unlock()
		c.notify(Ready)
		return
	}
	c.state = Probing
	c.timer = c.clock.AfterFunc(c.timeout, c.expire)
	c.mu.Unlock()
	c.notify(Probing)
}

// VoicesChanged moves a probing capability to Ready.
func (c *Capability) VoicesChanged() {
	c.mu.Lock()
	if c.state != Probing {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = Ready
	c.mu.Unlock()
	c.notify(Ready)
}

// MarkUnavailable records that the backend cannot speak at all.
func (c *Capability) MarkUnavailable() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	changed := c.state != Unavailable
	c.state = Unavailable
	c.mu.Unlock()
	if changed {
		c.notify(Unavailable)
	}
}

func (c *Capability) expire() {
	c.mu.Lock()
	if c.state != Probing {
		c.mu.Unlock()
		return
	}
	c.state = Ready
	c.degraded = true
	c.mu.Unlock()
	c.notify(Ready)
}

func (c *Capability) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Capability) notify(s CapabilityState) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
