// Package provider holds the error vocabulary shared by the host engine
// interfaces in the stt and tts subpackages.
//
// Host engines report failures either by returning one of the sentinel errors
// below (optionally wrapped) or an [*Error] carrying the engine's native error
// code, such as the Web Speech API's "not-allowed" or "no-speech". [Classify]
// normalises both forms into a stable [types.ErrorCategory].
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxctl/pkg/types"
)

// Sentinel errors returned (possibly wrapped) by engine implementations.
var (
	// ErrNotAllowed means the user or the platform denied microphone access.
	ErrNotAllowed = errors.New("provider: permission denied")

	// ErrNetwork means a network-backed engine could not reach its service.
	ErrNetwork = errors.New("provider: network failure")

	// ErrNoSpeech means recognition finished without detecting speech.
	ErrNoSpeech = errors.New("provider: no speech detected")

	// ErrAborted means the engine aborted the operation on its own.
	ErrAborted = errors.New("provider: aborted")

	// ErrCanceled means the operation was cancelled at the caller's request.
	// Engines report it when Cancel or Abort interrupts in-flight work.
	ErrCanceled = errors.New("provider: canceled")

	// ErrSynthesis means the engine failed to synthesise an utterance.
	ErrSynthesis = errors.New("provider: synthesis failed")

	// ErrUnavailable means the engine is not present in the runtime.
	ErrUnavailable = errors.New("provider: engine unavailable")
)

// Error is an engine failure carrying the engine's native error code.
type Error struct {
	// Code is the engine-specific error code (e.g., "not-allowed", "network").
	Code string

	// Message is an optional human-readable description from the engine.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider: engine error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider: engine error [%s]", e.Code)
}

// codeCategories maps native engine error codes to categories. Codes from
// both recognition and synthesis engines share the table.
var codeCategories = map[string]types.ErrorCategory{
	"not-allowed":            types.ErrorPermission,
	"service-not-allowed":    types.ErrorPermission,
	"permission-denied":      types.ErrorPermission,
	"audio-capture":          types.ErrorPermission,
	"network":                types.ErrorNetwork,
	"no-speech":              types.ErrorNoSpeech,
	"aborted":                types.ErrorAborted,
	"canceled":               types.ErrorAborted,
	"interrupted":            types.ErrorAborted,
	"synthesis-failed":       types.ErrorSynthesisFailed,
	"synthesis-unavailable":  types.ErrorSynthesisFailed,
	"audio-busy":             types.ErrorSynthesisFailed,
	"audio-hardware":         types.ErrorSynthesisFailed,
	"voice-unavailable":      types.ErrorSynthesisFailed,
	"text-too-long":          types.ErrorSynthesisFailed,
	"invalid-argument":       types.ErrorSynthesisFailed,
	"language-not-supported": types.ErrorUnknown,
	"bad-grammar":            types.ErrorUnknown,
}

// Classify maps err to a stable [types.ErrorCategory]. A nil error classifies
// as [types.ErrorUnknown].
func Classify(err error) types.ErrorCategory {
	if err == nil {
		return types.ErrorUnknown
	}

	var engErr *Error
	if errors.As(err, &engErr) {
		if cat, ok := codeCategories[strings.ToLower(engErr.Code)]; ok {
			return cat
		}
		return types.ErrorUnknown
	}

	switch {
	case errors.Is(err, ErrNotAllowed):
		return types.ErrorPermission
	case errors.Is(err, ErrNetwork):
		return types.ErrorNetwork
	case errors.Is(err, ErrNoSpeech):
		return types.ErrorNoSpeech
	case errors.Is(err, ErrAborted), errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return types.ErrorAborted
	case errors.Is(err, ErrSynthesis):
		return types.ErrorSynthesisFailed
	case errors.Is(err, ErrUnavailable):
		return types.ErrorCapabilityUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrorTimeout
	}
	return types.ErrorUnknown
}

// IsCanceled reports whether err signals a caller-requested cancellation,
// either through [ErrCanceled] or an engine code of "canceled"/"interrupted".
func IsCanceled(err error) bool {
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return true
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		code := strings.ToLower(engErr.Code)
		return code == "canceled" || code == "interrupted"
	}
	return false
}
