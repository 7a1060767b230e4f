package voice

import (
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/pkg/types"
)

// EventName enumerates the events a [Controller] emits.
type EventName string

const (
	EventRecordingStarted  EventName = "recording_started"
	EventRecordingStopped  EventName = "recording_stopped"
	EventInterimResult     EventName = "interim_result"
	EventFinalResult       EventName = "final_result"
	EventSpeechQueued      EventName = "speech_queued"
	EventSpeechStarted     EventName = "speech_started"
	EventSpeechEnded       EventName = "speech_ended"
	EventSpeechInterrupted EventName = "speech_interrupted"
	EventQueueCleared      EventName = "queue_cleared"
	EventError             EventName = "error"
	EventSettingsChanged   EventName = "settings_changed"
	EventConfigUpdated     EventName = "configUpdated"

	// AllEvents subscribes a listener to every event.
	AllEvents EventName = "*"
)

// Event is one emitted lifecycle event. Payload holds the typed payload for
// Name, or nil for events without one:
//
//	interim_result       TranscriptPayload
//	final_result         FinalPayload
//	speech_queued        SpeechPayload
//	speech_started       SpeechPayload
//	speech_ended         SpeechPayload
//	queue_cleared        QueuePayload
//	error                ErrorPayload
//	settings_changed     SettingsPayload
//	configUpdated        ConfigPayload
type Event struct {
	Name    EventName `json:"name"`
	Payload any       `json:"payload,omitempty"`
}

type TranscriptPayload struct {
	Transcript string `json:"transcript"`
}

type FinalPayload struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type SpeechPayload struct {
	Text string `json:"text"`
}

type QueuePayload struct {
	Count int `json:"count"`
}

// ErrorPayload carries a normalised voice error. Type is stable and safe to
// switch on; Message is suitable for showing to the user.
type ErrorPayload struct {
	Type    types.ErrorCategory `json:"type"`
	Error   string              `json:"error"`
	Message string              `json:"message"`
}

type SettingsPayload struct {
	Settings settings.Settings `json:"settings"`
}

type ConfigPayload struct {
	Config toggle.Config `json:"config"`
}

// Listener receives events. Listeners run on the goroutine that drains the
// controller's event queue and may call back into the controller.
type Listener func(Event)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listenerEntry struct {
	name EventName
	fn   Listener
}
