// Package capability detects which voice features the host runtime exposes.
//
// Detection happens once per host (one page load, one bridge connection) and
// produces a [Report] that is passed by value to every dependent. Nothing
// downstream sniffs the runtime again.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/types"
)

// Feature names a detectable voice feature.
type Feature string

const (
	FeatureSpeechRecognition Feature = "speech_recognition"
	FeatureSpeechSynthesis   Feature = "speech_synthesis"
	FeatureMediaDevices      Feature = "media_devices"
)

// Features is the raw detection result reported by a [Host].
type Features struct {
	SpeechRecognition bool `json:"speech_recognition"`
	SpeechSynthesis   bool `json:"speech_synthesis"`
	MediaDevices      bool `json:"media_devices"`
}

// Host is the runtime whose voice features are probed.
type Host interface {
	// Features reports which engines the runtime exposes.
	Features() Features

	// RequestMicrophone asks the runtime for a live microphone stream. The
	// returned release func must be called to give the device back.
	RequestMicrophone(ctx context.Context) (release func(), err error)
}

// Report is the static capability record of one host.
type Report struct {
	SpeechRecognition  bool `json:"speech_recognition"`
	SpeechSynthesis    bool `json:"speech_synthesis"`
	MediaDevices       bool `json:"media_devices"`
	FullVoiceSupported bool `json:"full_voice_supported"`

	// Fallbacks holds one human-readable message per missing feature.
	Fallbacks map[Feature]string `json:"fallbacks,omitempty"`

	// Recommendation summarises how the user should interact given the
	// detected features.
	Recommendation string `json:"recommendation"`
}

var fallbackMessages = map[Feature]string{
	FeatureSpeechRecognition: "Voice input is not supported here. Please type your message instead.",
	FeatureSpeechSynthesis:   "Spoken responses are not supported here. Responses will be shown as text.",
	FeatureMediaDevices:      "Microphone access is not available. Please type your message instead.",
}

// FallbackMessage returns the human-readable fallback for a missing feature.
func FallbackMessage(f Feature) string {
	return fallbackMessages[f]
}

// NewReport builds a Report from raw features.
func NewReport(f Features) Report {
	r := Report{
		SpeechRecognition: f.SpeechRecognition,
		SpeechSynthesis:   f.SpeechSynthesis,
		MediaDevices:      f.MediaDevices,
	}
	r.FullVoiceSupported = f.SpeechRecognition && f.SpeechSynthesis && f.MediaDevices

	missing := map[Feature]bool{
		FeatureSpeechRecognition: !f.SpeechRecognition,
		FeatureSpeechSynthesis:   !f.SpeechSynthesis,
		FeatureMediaDevices:      !f.MediaDevices,
	}
	for feat, gone := range missing {
		if !gone {
			continue
		}
		if r.Fallbacks == nil {
			r.Fallbacks = make(map[Feature]string)
		}
		r.Fallbacks[feat] = fallbackMessages[feat]
	}

	switch {
	case r.FullVoiceSupported:
		r.Recommendation = "Full voice interaction is available."
	case r.CanRecord() && !r.SpeechSynthesis:
		r.Recommendation = "Voice input is available; responses will be shown as text."
	case !r.CanRecord() && r.SpeechSynthesis:
		r.Recommendation = "Responses can be spoken; please type your messages."
	default:
		r.Recommendation = "Voice features are unavailable; use text input and output."
	}
	return r
}

// CanRecord reports whether recording is possible: a recognition engine and
// microphone access are both required.
func (r Report) CanRecord() bool {
	return r.SpeechRecognition && r.MediaDevices
}

// CanSpeak reports whether synthesis is possible.
func (r Report) CanSpeak() bool {
	return r.SpeechSynthesis
}

// Probe detects the host's features once and returns the resulting report.
func Probe(h Host) Report {
	if h == nil {
		return NewReport(Features{})
	}
	r := NewReport(h.Features())
	if !r.FullVoiceSupported {
		slog.Info("capability: limited voice support",
			"speech_recognition", r.SpeechRecognition,
			"speech_synthesis", r.SpeechSynthesis,
			"media_devices", r.MediaDevices,
		)
	}
	return r
}

// ErrNoMediaDevices is returned by [TestMicrophone] when the host has no
// media device access at all.
var ErrNoMediaDevices = errors.New("capability: media devices unavailable")

// MicrophoneError describes a failed microphone test.
type MicrophoneError struct {
	Category types.ErrorCategory
	Err      error
}

func (e *MicrophoneError) Error() string {
	return fmt.Sprintf("capability: microphone test failed (%s): %v", e.Category, e.Err)
}

func (e *MicrophoneError) Unwrap() error { return e.Err }

// TestMicrophone requests a microphone stream and releases it immediately.
// Failures are returned as a [*MicrophoneError] whose Category tells the
// caller whether to fall back to text input.
func TestMicrophone(ctx context.Context, h Host, r Report) error {
	if h == nil || !r.MediaDevices {
		return &MicrophoneError{Category: types.ErrorCapabilityUnavailable, Err: ErrNoMediaDevices}
	}
	release, err := h.RequestMicrophone(ctx)
	if err != nil {
		return &MicrophoneError{Category: provider.Classify(err), Err: err}
	}
	if release != nil {
		release()
	}
	return nil
}
