package voice

import (
	"log/slog"

	"github.com/MrWong99/voxctl/pkg/types"
)

// Priority is the urgency of an accessibility announcement.
type Priority string

const (
	// PriorityPolite waits for the screen reader to finish.
	PriorityPolite Priority = "polite"

	// PriorityAssertive interrupts the screen reader.
	PriorityAssertive Priority = "assertive"
)

// Announcer forwards status messages to a screen reader or other assistive
// technology.
type Announcer interface {
	Announce(message string, priority Priority)
}

// AnnouncerFunc adapts a function to [Announcer].
type AnnouncerFunc func(message string, priority Priority)

func (f AnnouncerFunc) Announce(message string, priority Priority) { f(message, priority) }

// logAnnouncer is used when no announcer is configured so announcements are
// still visible at debug level.
type logAnnouncer struct{}

func (logAnnouncer) Announce(message string, priority Priority) {
	slog.Debug("voice: announce", "message", message, "priority", priority)
}

var errorMessages = map[types.ErrorCategory]string{
	types.ErrorPermission:            "Microphone access was denied. Please allow microphone access or type your message.",
	types.ErrorNetwork:               "A network problem interrupted voice recognition. Please try again.",
	types.ErrorNoSpeech:              "No speech was detected. Please try speaking again.",
	types.ErrorAborted:               "Voice input was cancelled.",
	types.ErrorSynthesisFailed:       "A response could not be spoken and was skipped.",
	types.ErrorCapabilityUnavailable: "Voice features are not available here. Please use text instead.",
	types.ErrorRateLimited:           "Too many voice requests. Please wait a moment.",
	types.ErrorResourceExhausted:     "Voice is busy right now. Please try again shortly.",
	types.ErrorTimeout:               "Recording stopped because it reached the maximum length.",
	types.ErrorUnknown:               "Something went wrong with voice. Please try again.",
}

// UserMessage returns the human-readable message for an error category.
func UserMessage(cat types.ErrorCategory) string {
	if m, ok := errorMessages[cat]; ok {
		return m
	}
	return errorMessages[types.ErrorUnknown]
}

func priorityFor(cat types.ErrorCategory) Priority {
	if cat.Benign() {
		return PriorityPolite
	}
	return PriorityAssertive
}
