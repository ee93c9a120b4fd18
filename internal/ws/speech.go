package ws

import (
	"fmt"
	"sync"

	"github.com/kiliankoe/storyquest/internal/narration"
)

// emitter is the part of a socket.io connection the transport writes to.
type emitter interface {
	Emit(event string, v ...interface{})
}

// socketSpeech forwards speech requests to the tablet's browser, which
// answers with tts:end or tts:error.
type socketSpeech struct {
	mu       sync.Mutex
	out      emitter
	voices   []narration.Voice
	pending  map[string]narration.Callbacks
	onVoices func()
}

func newSocketSpeech(out emitter) *socketSpeech {
	return &socketSpeech{out: out, pending: map[string]narration.Callbacks{}}
}

func (s *socketSpeech) Voices() []narration.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]narration.Voice(nil), s.voices...)
}

func (s *socketSpeech) OnVoicesChanged(fn func()) {
	s.mu.Lock()
	s.onVoices = fn
	s.mu.Unlock()
}

// SetVoices records the catalog the browser reported.
func (s *socketSpeech) SetVoices(voices []narration.Voice) {
	s.mu.Lock()
	s.voices = append([]narration.Voice(nil), voices...)
	fn := s.onVoices
	s.mu.Unlock()
	if fn != nil && len(voices) > 0 {
		fn()
	}
}

func (s *socketSpeech) Speak(req narration.Request, cb narration.Callbacks) error {
	s.mu.Lock()
	s.pending[req.ID] = cb
	s.mu.Unlock()
	s.out.Emit("tts:speak", req)
	return nil
}

func (s *socketSpeech) CancelAll() {
	s.mu.Lock()
	s.pending = map[string]narration.Callbacks{}
	s.mu.Unlock()
	s.out.Emit("tts:cancel")
}

// finish resolves a request the browser reported on. Unknown ids are
// ignored.
func (s *socketSpeech) finish(id, failure string) bool {
	s.mu.Lock()
	cb, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if failure != "" {
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("%w: %s", narration.ErrPlayback, failure))
		}
		return true
	}
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
	return true
}
