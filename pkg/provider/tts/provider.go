// Package tts defines the Synthesizer interface for host text-to-speech engines.
//
// A Synthesizer wraps the runtime's native speech synthesis engine. Unlike a
// streaming TTS backend it owns audio output itself: the caller hands over an
// [Utterance] and learns about progress only through the [Handler] callbacks.
// The engine plays one utterance at a time; queuing is the caller's job.
//
// Callback contract:
//
//   - OnStart fires once when audio output begins.
//   - OnEnd fires once when the utterance finishes playing.
//   - OnError fires instead of OnEnd when the utterance fails or is cancelled
//     (cancellation is reported with an error for which provider.IsCanceled
//     returns true).
//   - If Speak returns an error, no callbacks fire for that utterance.
//
// Callbacks may be invoked from any goroutine, including synchronously from
// inside Speak or Cancel.
package tts

import "context"

// Handler receives engine callbacks for one utterance.
type Handler struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Synthesizer is the abstraction over a host speech synthesis engine.
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	// Speak starts playing u. It returns once the engine has accepted the
	// request; playback progress is reported through h.
	Speak(u Utterance, h Handler) error

	// Cancel stops the in-flight utterance. The engine reports the
	// cancellation through the utterance's Handler.
	Cancel()

	// Pause suspends the in-flight utterance.
	Pause()

	// Resume continues a paused utterance.
	Resume()

	// Voices returns the voices the engine can speak with.
	Voices(ctx context.Context) ([]Voice, error)
}
