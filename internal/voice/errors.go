package voice

import (
	"errors"

	"github.com/MrWong99/voxctl/pkg/types"
)

// Errors returned by [Controller] operations that refuse to start. A refused
// operation changes no state and emits no event.
var (
	ErrCapabilityUnavailable = errors.New("voice: capability unavailable")
	ErrRateLimited           = errors.New("voice: rate limited")
	ErrResourceExhausted     = errors.New("voice: resource exhausted")
	ErrEmptyText             = errors.New("voice: empty text")
	ErrRecordingActive       = errors.New("voice: recording in progress")
	ErrAlreadyRecording      = errors.New("voice: already recording")
	ErrEngineUnavailable     = errors.New("voice: recognition engine unavailable")
	ErrClosed                = errors.New("voice: controller closed")
)

// Category maps an error returned by a [Controller] operation to its stable
// category.
func Category(err error) types.ErrorCategory {
	switch {
	case errors.Is(err, ErrCapabilityUnavailable):
		return types.ErrorCapabilityUnavailable
	case errors.Is(err, ErrRateLimited):
		return types.ErrorRateLimited
	case errors.Is(err, ErrResourceExhausted):
		return types.ErrorResourceExhausted
	case errors.Is(err, ErrEngineUnavailable):
		return types.ErrorNetwork
	}
	return types.ErrorUnknown
}
