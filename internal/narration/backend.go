// Package narration serialises every speech request a tablet makes into a
// single queue with at most one active utterance.
package narration

import "errors"

var (
	ErrUnsupported = errors.New("speech synthesis not supported")
	ErrPlayback    = errors.New("speech playback failed")
)

// Voice is one synthesis voice offered by the backend.
type Voice struct {
	Name   string `json:"name"`
	Locale string `json:"lang"`
}

// Request is one playback request handed to the backend.
type Request struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Voice  *Voice  `json:"voice,omitempty"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Callbacks report playback progress. A backend invokes exactly one of
// OnEnd or OnError per request, from any goroutine.
type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Backend is the speech synthesis capability of a device.
type Backend interface {
	// Voices may be empty until the backend finishes loading them.
	Voices() []Voice
	Speak(req Request, cb Callbacks) error
	CancelAll()
}

// VoiceNotifier is implemented by backends that load voices asynchronously.
type VoiceNotifier interface {
	OnVoicesChanged(fn func())
}
