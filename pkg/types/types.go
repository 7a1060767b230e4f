// Package types defines the shared vocabulary used across all voxctl packages.
//
// These types are the lingua franca between the host engines, the admission
// layer (rate limiter and resource governor) and the voice controller. Each
// package defines its own domain types; cross-cutting values live here to
// avoid circular imports.
package types

import "time"

// OperationType identifies the kind of voice operation being admitted or
// tracked. Rate limits and session accounting are kept per operation type.
type OperationType string

const (
	// OperationSTT is a speech-to-text (recognition) operation.
	OperationSTT OperationType = "stt"

	// OperationTTS is a text-to-speech (synthesis) operation.
	OperationTTS OperationType = "tts"
)

// IsValid reports whether o is a recognised operation type.
func (o OperationType) IsValid() bool {
	return o == OperationSTT || o == OperationTTS
}

// Outcome records how a voice session terminated.
type Outcome string

const (
	// OutcomeSuccess means the operation completed normally.
	OutcomeSuccess Outcome = "success"

	// OutcomeError means the operation ended because of an engine or internal error.
	OutcomeError Outcome = "error"

	// OutcomeAborted means the operation was stopped explicitly, interrupted,
	// or evicted as stale.
	OutcomeAborted Outcome = "aborted"
)

// ErrorCategory is the stable classification attached to every voice error
// surfaced to callers. Listeners switch on it to decide whether to retry,
// prompt the user, or fall back to text input.
type ErrorCategory string

const (
	// ErrorPermission means microphone access was denied. Not retried; callers
	// must fall back to text input.
	ErrorPermission ErrorCategory = "permission"

	// ErrorNetwork is a transient failure of a network-backed engine.
	ErrorNetwork ErrorCategory = "network"

	// ErrorNoSpeech means recognition ended without detecting speech.
	ErrorNoSpeech ErrorCategory = "no_speech"

	// ErrorAborted means the engine aborted the operation.
	ErrorAborted ErrorCategory = "aborted"

	// ErrorSynthesisFailed means an utterance could not be spoken.
	ErrorSynthesisFailed ErrorCategory = "synthesis_failed"

	// ErrorCapabilityUnavailable means the runtime lacks the required engine.
	ErrorCapabilityUnavailable ErrorCategory = "capability_unavailable"

	// ErrorRateLimited means admission was refused by the rate limiter.
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorResourceExhausted means admission was refused by the resource governor.
	ErrorResourceExhausted ErrorCategory = "resource_exhausted"

	// ErrorTimeout means a recording exceeded the maximum allowed duration.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorUnknown is used for errors that match no other category.
	ErrorUnknown ErrorCategory = "unknown"
)

// Retryable reports whether errors of this category are worth retrying
// automatically.
func (c ErrorCategory) Retryable() bool {
	return c == ErrorNetwork
}

// Benign reports whether the category describes an expected, user-driven
// condition rather than a fault.
func (c ErrorCategory) Benign() bool {
	return c == ErrorNoSpeech || c == ErrorAborted
}

// Window is a point-in-time view of rate limiter counters for one operation
// type and user.
type Window struct {
	// WindowStart is the timestamp of the oldest request inside the burst
	// window. Zero when the burst window is empty.
	WindowStart time.Time

	// Count is the number of admitted requests in the last minute.
	Count int

	// BurstCount is the number of admitted requests inside the burst window.
	BurstCount int
}
