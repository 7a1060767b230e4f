// Package stt defines the Recognizer interface for host speech-to-text engines.
//
// A Recognizer wraps the runtime's native recognition engine (for example the
// browser's Web Speech API driven over the voxctl bridge). Each recording
// creates a fresh [Recognition] instance configured from the user's settings.
// The engine reports progress exclusively through the [Handler] callbacks;
// the voice controller treats those callbacks as the only authoritative
// signal that recognition state has changed.
//
// Callback contract:
//
//   - OnStart fires once when the engine confirms capture has begun.
//   - OnResult fires for every interim and final result.
//   - OnError fires at most once per failure; OnEnd may or may not follow.
//   - OnEnd fires once when the engine stops for any reason.
//   - If Start returns an error, no callbacks fire for that instance.
//
// Callbacks may be invoked from any goroutine, including synchronously from
// inside Start, Stop or Abort.
package stt

// Config describes how a new recognition instance should behave.
type Config struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// Continuous keeps the engine listening across pauses instead of ending
	// after the first final result.
	Continuous bool

	// InterimResults asks the engine to report non-final hypotheses.
	InterimResults bool

	// MaxAlternatives is the number of alternative transcripts requested per
	// result. Engines may return fewer.
	MaxAlternatives int
}

// Handler receives engine callbacks for one recognition instance. Nil fields
// are ignored by well-behaved engines.
type Handler struct {
	OnStart  func()
	OnResult func(Result)
	OnError  func(error)
	OnEnd    func()
}

// Recognition is a single, stateful recognition instance.
type Recognition interface {
	// Start asks the engine to begin capturing audio. Completion is signalled
	// through Handler.OnStart.
	Start() error

	// Stop asks the engine to stop listening and deliver any pending final
	// result before firing Handler.OnEnd.
	Stop()

	// Abort stops the engine immediately, discarding pending results.
	Abort()

	// SetLanguage updates the recognition language of a live instance.
	// Engines that cannot switch mid-stream apply it on their next restart.
	SetLanguage(language string) error
}

// Recognizer creates recognition instances.
//
// Implementations must be safe for concurrent use.
type Recognizer interface {
	// NewRecognition constructs (but does not start) a recognition instance
	// wired to h.
	NewRecognition(cfg Config, h Handler) (Recognition, error)
}
