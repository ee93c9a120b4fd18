package narration

import (
	"testing"
	"time"

	"github.com/kiliankoe/storyquest/internal/clock"
)

func TestCapability_ReadyWithVoices(t *testing.T) {
	b := &fakeBackend{voices: enUS()}
	var states []CapabilityState
	c := NewCapability(b, clock.NewFake(time.Unix(0, 0)), 0, func(s CapabilityState) { states = append(states, s) })
	c.Probe()
	if c.State() != Ready || c.Degraded() {
		t.Fatalf("expected ready, got %s degraded=%v", c.State(), c.Degraded())
	}
	if len(states) != 1 || states[0] != Ready {
		t.Fatalf("expected single ready transition, got %v", states)
	}
}

func TestCapability_VoicesLoadLater(t *testing.T) {
	b := &fakeBackend{}
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewCapability(b, clk, 0, nil)
	c.Probe()
	if c.State() != Probing {
		t.Fatalf("expected probing, got %s", c.State())
	}
	b.voices = enUS()
	b.notify()
	if c.State() != Ready || c.Degraded() {
		t.Fatalf("expected ready without degradation, got %s", c.State())
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected probe timer stopped")
	}
}

func TestCapability_TimeoutDegrades(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewCapability(&fakeBackend{}, clk, 0, nil)
	c.Probe()
	clk.Advance(999 * time.Millisecond)
	if c.State() != Probing {
		t.Fatalf("expected still probing, got %s", c.State())
	}
	clk.Advance(time.Millisecond)
	if c.State() != Ready || !c.Degraded() {
		t.Fatalf("expected degraded ready, got %s", c.State())
	}
}

func TestCapability_NilBackendUnavailable(t *testing.T) {
	c := NewCapability(nil, clock.NewFake(time.Unix(0, 0)), 0, nil)
	c.Probe()
	if c.State() != Unavailable {
		t.Fatalf("expected unavailable, got %s", c.State())
	}
}
