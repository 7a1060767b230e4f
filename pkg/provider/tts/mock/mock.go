// Package mock provides a test double for the tts.Synthesizer interface.
//
// Synthesizer records every Speak call and keeps the handler of the in-flight
// utterance so tests can finish, fail or cancel it on demand.
//
// Example:
//
//	syn := &mock.Synthesizer{AutoStart: true, CancelReports: true}
//	// ... caller plays a response ...
//	syn.Finish() // fires OnEnd for the in-flight utterance
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
)

// SpeakCall records a single invocation of Synthesizer.Speak.
type SpeakCall struct {
	// Utterance is the utterance passed to Speak.
	Utterance tts.Utterance
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by Speak and no callbacks fire.
	SpeakErr error

	// AutoStart makes Speak fire OnStart synchronously.
	AutoStart bool

	// CancelReports makes Cancel fire OnError(provider.ErrCanceled) for the
	// in-flight utterance synchronously.
	CancelReports bool

	// VoiceList is returned by Voices.
	VoiceList []tts.Voice

	// VoicesErr, if non-nil, is returned by Voices.
	VoicesErr error

	// --- Call records ---

	// SpeakCalls records every call to Speak in order.
	SpeakCalls []SpeakCall

	CancelCallCount int
	PauseCallCount  int
	ResumeCallCount int

	current *tts.Handler
}

// Speak records the call and makes u the in-flight utterance.
func (s *Synthesizer) Speak(u tts.Utterance, h tts.Handler) error {
	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Utterance: u})
	if s.SpeakErr != nil {
		err := s.SpeakErr
		s.mu.Unlock()
		return err
	}
	s.current = &h
	auto := s.AutoStart
	s.mu.Unlock()
	if auto && h.OnStart != nil {
		h.OnStart()
	}
	return nil
}

// Cancel records the call.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	s.CancelCallCount++
	var h *tts.Handler
	if s.CancelReports {
		h = s.take()
	}
	s.mu.Unlock()
	if h != nil && h.OnError != nil {
		h.OnError(provider.ErrCanceled)
	}
}

// Pause records the call.
func (s *Synthesizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCallCount++
}

// Resume records the call.
func (s *Synthesizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCallCount++
}

// Voices returns VoiceList and VoicesErr.
func (s *Synthesizer) Voices(context.Context) ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VoicesErr != nil {
		return nil, s.VoicesErr
	}
	out := make([]tts.Voice, len(s.VoiceList))
	copy(out, s.VoiceList)
	return out, nil
}

// Start fires OnStart for the in-flight utterance without clearing it.
// It reports false when nothing is in flight.
func (s *Synthesizer) Start() bool {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return false
	}
	if h.OnStart != nil {
		h.OnStart()
	}
	return true
}

// Finish fires OnEnd for the in-flight utterance and clears it. It reports
// false when nothing is in flight.
func (s *Synthesizer) Finish() bool {
	s.mu.Lock()
	h := s.take()
	s.mu.Unlock()
	if h == nil {
		return false
	}
	if h.OnEnd != nil {
		h.OnEnd()
	}
	return true
}

// Fail fires OnError(err) for the in-flight utterance and clears it. It
// reports false when nothing is in flight.
func (s *Synthesizer) Fail(err error) bool {
	s.mu.Lock()
	h := s.take()
	s.mu.Unlock()
	if h == nil {
		return false
	}
	if h.OnError != nil {
		h.OnError(err)
	}
	return true
}

// InFlight reports whether an utterance is currently in flight.
func (s *Synthesizer) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Spoken returns the texts passed to Speak, in order.
func (s *Synthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SpeakCalls))
	for i, c := range s.SpeakCalls {
		out[i] = c.Utterance.Text
	}
	return out
}

// Reset clears all recorded calls and the in-flight utterance.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = nil
	s.CancelCallCount = 0
	s.PauseCallCount = 0
	s.ResumeCallCount = 0
	s.current = nil
}

// take clears and returns the in-flight handler. Caller holds s.mu.
func (s *Synthesizer) take() *tts.Handler {
	h := s.current
	s.current = nil
	return h
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
