package narration

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/retry"
)

type Kind string

const (
	PhraseNarration  Kind = "phraseNarration"
	WordEcho         Kind = "wordEcho"
	TurnAnnouncement Kind = "turnAnnouncement"
	FinalReadback    Kind = "finalReadback"
)

// Utterance is one queued unit of speech.
type Utterance struct {
	ID       string
	Text     string
	Kind     Kind
	Attempts int
}

// Listener observes queue progress.
type Listener interface {
	OnNarrationQueued(kind Kind)
	OnNarrationStarted(kind Kind)
	OnNarrationFinished(kind Kind)
}

type Config struct {
	Backend      Backend
	Clock        clock.Clock
	Policy       retry.Policy
	Listener     Listener
	Logger       *zerolog.Logger
	ProbeTimeout time.Duration
	Locale       string
	Preferred    []string
	// OnFinalReadback runs once the final readback leaves the queue, whether
	// it finished or exhausted its retries.
	OnFinalReadback func()
}

// Sequencer plays utterances strictly one at a time in FIFO order. A new
// request never preempts the active utterance.
type Sequencer struct {
	mu       sync.Mutex
	cfg      Config
	log      zerolog.Logger
	caps     *Capability
	queue    []*Utterance
	speaking bool
	token    uint64
	retryT   clock.Timer
	closed   bool
}

func NewSequencer(cfg Config) *Sequencer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.For(retry.KindNarration)
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	if cfg.Preferred == nil {
		cfg.Preferred = PreferredVoices
	}
	s := &Sequencer{cfg: cfg, log: log.Logger}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	}
	s.caps = NewCapability(cfg.Backend, cfg.Clock, cfg.ProbeTimeout, s.capabilityChanged)
	return s
}

// Start begins capability negotiation; queued utterances play once the
// backend is ready.
func (s *Sequencer) Start() {
	s.caps.Probe()
}

func (s *Sequencer) Capability() *Capability { return s.caps }

// Enqueue appends an utterance and returns its id.
func (s *Sequencer) Enqueue(kind Kind, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	u := &Utterance{ID: uuid.NewString(), Text: text, Kind: kind}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	if s.cfg.Listener != nil {
		s.cfg.Listener.OnNarrationQueued(kind)
	}
	s.pump()
	return u.ID
}

// CancelQueued drops queued utterances of kind that have not started.
func (s *Sequencer) CancelQueued(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	dropped := 0
	for i, u := range s.queue {
		if u.Kind == kind && !(i == 0 && s.speaking) {
			dropped++
			continue
		}
		kept = append(kept, u)
	}
	s.queue = kept
	return dropped
}

// Active returns the utterance being spoken, if any.
func (s *Sequencer) Active() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking || len(s.queue) == 0 {
		return Utterance{}, false
	}
	return *s.queue[0], true
}

// Pending returns the number of utterances in the queue, active included.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close cancels all speech and discards the queue.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.speaking = false
	s.token++
	if s.retryT != nil {
		s.retryT.Stop()
	}
	s.mu.Unlock()
	s.caps.Stop()
	if s.cfg.Backend != nil {
		s.cfg.Backend.CancelAll()
	}
}

func (s *Sequencer) capabilityChanged(state CapabilityState) {
	s.log.Debug().Str("state", state.String()).Msg("narration capability")
	switch state {
	case Ready:
		s.pump()
	case Unavailable:
		s.drain()
	}
}

// drain discards everything when the device cannot speak, so the game never
// waits on narration that will not happen.
func (s *Sequencer) drain() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.speaking = false
	s.token++
	s.mu.Unlock()
	for _, u := range queue {
		s.log.Warn().Err(ErrUnsupported).Str("kind", string(u.Kind)).Msg("dropping utterance")
		s.done(u)
	}
}

func (s *Sequencer) pump() {
	s.mu.Lock()
	if s.closed || s.speaking || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	switch s.caps.State() {
	case Ready:
	case Unavailable:
		s.mu.Unlock()
		s.drain()
		return
	default:
		s.mu.Unlock()
		return
	}
	u := s.queue[0]
	s.speaking = true
	u.Attempts++
	s.token++
	tok := s.token
	first := u.Attempts == 1
	req := Request{ID: u.ID, Text: speakable(u.Text), Rate: rateFor(u.Kind), Pitch: 1, Volume: 1}
	kind := u.Kind
	s.mu.Unlock()

	if v, ok := SelectVoice(s.cfg.Backend.Voices(), s.cfg.Preferred, s.cfg.Locale); ok {
		req.Voice = &v
	}
	if first && s.cfg.Listener != nil {
		s.cfg.Listener.OnNarrationStarted(kind)
	}
	err := s.cfg.Backend.Speak(req, Callbacks{
		OnEnd:   func() { s.finished(tok) },
		OnError: func(err error) { s.failed(tok, err) },
	})
	if err != nil {
		s.failed(tok, err)
	}
}

func (s *Sequencer) finished(tok uint64) {
	s.mu.Lock()
	if tok != s.token || !s.speaking || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	u := s.queue[0]
	s.queue = s.queue[1:]
	s.speaking = false
	s.mu.Unlock()
	s.done(u)
	s.pump()
}

func (s *Sequencer) failed(tok uint64, cause error) {
	s.mu.Lock()
	if tok != s.token || !s.speaking || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	u := s.queue[0]
	if delay, ok := s.cfg.Policy.Delay(uint(u.Attempts)); ok {
		s.retryT = s.cfg.Clock.AfterFunc(delay, func() { s.retry(tok) })
		s.mu.Unlock()
		s.log.Warn().Err(cause).Str("kind", string(u.Kind)).Str("policy", string(s.cfg.Policy.Kind)).Int("attempt", u.Attempts).Dur("backoff", delay).Msg("narration failed, retrying")
		return
	}
	s.queue = s.queue[1:]
	s.speaking = false
	s.mu.Unlock()
	s.log.Error().Err(fmt.Errorf("%w: %w", ErrPlayback, cause)).Str("kind", string(u.Kind)).Str("policy", string(s.cfg.Policy.Kind)).Int("attempts", u.Attempts).Msg("narration dropped")
	s.done(u)
	s.pump()
}

func (s *Sequencer) retry(tok uint64) {
	s.mu.Lock()
	if tok != s.token || !s.speaking || s.closed {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	s.mu.Unlock()
	s.pump()
}

func (s *Sequencer) done(u *Utterance) {
	if s.cfg.Listener != nil {
		s.cfg.Listener.OnNarrationFinished(u.Kind)
	}
	if u.Kind == FinalReadback && s.cfg.OnFinalReadback != nil {
		s.cfg.OnFinalReadback()
	}
}

func rateFor(k Kind) float64 {
	switch k {
	case PhraseNarration, FinalReadback:
		return 0.9
	default:
		return 1
	}
}

// speakable turns blanks into pauses rather than spelled-out underscores.
func speakable(text string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(text, "_", " ")), " ")
}
