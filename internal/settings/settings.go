// Package settings holds the validated per-user voice preferences consumed by
// the voice controller.
//
// [Settings] is an immutable value snapshot. Changes are expressed as a
// [Patch] of optional fields and are applied atomically by [Store]: a patch
// that fails validation leaves the previous snapshot untouched. Persistence is
// delegated to a [Persister]; [Guard] wraps one so that storage outages never
// block a valid update.
package settings

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
)

// ErrInvalid is wrapped by every validation failure returned from this package.
var ErrInvalid = errors.New("settings: invalid settings")

// Documented ranges.
const (
	MinSpeechRate      = 0.1
	MaxSpeechRate      = 3.0
	MinSpeechPitch     = 0.0
	MaxSpeechPitch     = 2.0
	MinMaxAlternatives = 1
	MaxMaxAlternatives = 10
)

// Settings is an immutable snapshot of a user's voice preferences.
type Settings struct {
	SpeechRate            float64 `json:"speech_rate" yaml:"speech_rate"`
	SpeechPitch           float64 `json:"speech_pitch" yaml:"speech_pitch"`
	SpeechVolume          float64 `json:"speech_volume" yaml:"speech_volume"`
	Language              string  `json:"language" yaml:"language"`
	MicrophoneSensitivity float64 `json:"microphone_sensitivity" yaml:"microphone_sensitivity"`
	AutoPlayEnabled       bool    `json:"auto_play_enabled" yaml:"auto_play_enabled"`
	VoiceName             string  `json:"voice_name" yaml:"voice_name"`
	ContinuousRecognition bool    `json:"continuous_recognition" yaml:"continuous_recognition"`
	InterimResults        bool    `json:"interim_results" yaml:"interim_results"`
	MaxAlternatives       int     `json:"max_alternatives" yaml:"max_alternatives"`
}

// Defaults returns the factory settings.
func Defaults() Settings {
	return Settings{
		SpeechRate:            1.0,
		SpeechPitch:           1.0,
		SpeechVolume:          1.0,
		Language:              "en-US",
		MicrophoneSensitivity: 0.5,
		AutoPlayEnabled:       false,
		VoiceName:             "",
		ContinuousRecognition: false,
		InterimResults:        true,
		MaxAlternatives:       1,
	}
}

// Validate checks every field against its documented range or format. All
// violations are reported together, each wrapping [ErrInvalid].
func (s Settings) Validate() error {
	var errs []error
	check := func(name string, v, lo, hi float64) {
		if math.IsNaN(v) || v < lo || v > hi {
			errs = append(errs, fmt.Errorf("%w: %s %v out of range [%g, %g]", ErrInvalid, name, v, lo, hi))
		}
	}
	check("speech_rate", s.SpeechRate, MinSpeechRate, MaxSpeechRate)
	check("speech_pitch", s.SpeechPitch, MinSpeechPitch, MaxSpeechPitch)
	check("speech_volume", s.SpeechVolume, 0, 1)
	check("microphone_sensitivity", s.MicrophoneSensitivity, 0, 1)

	if strings.TrimSpace(s.Language) == "" {
		errs = append(errs, fmt.Errorf("%w: language is required", ErrInvalid))
	} else if _, err := language.Parse(s.Language); err != nil {
		errs = append(errs, fmt.Errorf("%w: language %q is not a valid BCP-47 tag: %v", ErrInvalid, s.Language, err))
	}

	if s.MaxAlternatives < MinMaxAlternatives || s.MaxAlternatives > MaxMaxAlternatives {
		errs = append(errs, fmt.Errorf("%w: max_alternatives %d out of range [%d, %d]",
			ErrInvalid, s.MaxAlternatives, MinMaxAlternatives, MaxMaxAlternatives))
	}
	return errors.Join(errs...)
}

// Patch is a partial update. Nil fields are left unchanged. Patch doubles as
// the wire and storage shape, so unknown keys in a stored blob are ignored.
type Patch struct {
	SpeechRate            *float64 `json:"speech_rate,omitempty" yaml:"speech_rate"`
	SpeechPitch           *float64 `json:"speech_pitch,omitempty" yaml:"speech_pitch"`
	SpeechVolume          *float64 `json:"speech_volume,omitempty" yaml:"speech_volume"`
	Language              *string  `json:"language,omitempty" yaml:"language"`
	MicrophoneSensitivity *float64 `json:"microphone_sensitivity,omitempty" yaml:"microphone_sensitivity"`
	AutoPlayEnabled       *bool    `json:"auto_play_enabled,omitempty" yaml:"auto_play_enabled"`
	VoiceName             *string  `json:"voice_name,omitempty" yaml:"voice_name"`
	ContinuousRecognition *bool    `json:"continuous_recognition,omitempty" yaml:"continuous_recognition"`
	InterimResults        *bool    `json:"interim_results,omitempty" yaml:"interim_results"`
	MaxAlternatives       *int     `json:"max_alternatives,omitempty" yaml:"max_alternatives"`
}

// IsEmpty reports whether p changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.fields()) == 0
}

// Apply returns base with every non-nil field of p applied. Language tags are
// canonicalised ("en-us" becomes "en-US") when they parse. The result is not
// validated.
func (p Patch) Apply(base Settings) Settings {
	s := base
	if p.SpeechRate != nil {
		s.SpeechRate = *p.SpeechRate
	}
	if p.SpeechPitch != nil {
		s.SpeechPitch = *p.SpeechPitch
	}
	if p.SpeechVolume != nil {
		s.SpeechVolume = *p.SpeechVolume
	}
	if p.Language != nil {
		s.Language = canonicalLanguage(*p.Language)
	}
	if p.MicrophoneSensitivity != nil {
		s.MicrophoneSensitivity = *p.MicrophoneSensitivity
	}
	if p.AutoPlayEnabled != nil {
		s.AutoPlayEnabled = *p.AutoPlayEnabled
	}
	if p.VoiceName != nil {
		s.VoiceName = strings.TrimSpace(*p.VoiceName)
	}
	if p.ContinuousRecognition != nil {
		s.ContinuousRecognition = *p.ContinuousRecognition
	}
	if p.InterimResults != nil {
		s.InterimResults = *p.InterimResults
	}
	if p.MaxAlternatives != nil {
		s.MaxAlternatives = *p.MaxAlternatives
	}
	return s
}

// Merge applies p onto base field by field, keeping base's value for every
// field that would make the result invalid. It returns the merged settings and
// the joined errors of the rejected fields. base must be valid.
func (p Patch) Merge(base Settings) (Settings, error) {
	s := base
	var errs []error
	for _, fp := range p.fields() {
		cand := fp.Apply(s)
		if err := cand.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		s = cand
	}
	return s, errors.Join(errs...)
}

// fields splits p into single-field patches.
func (p Patch) fields() []Patch {
	var out []Patch
	if p.SpeechRate != nil {
		out = append(out, Patch{SpeechRate: p.SpeechRate})
	}
	if p.SpeechPitch != nil {
		out = append(out, Patch{SpeechPitch: p.SpeechPitch})
	}
	if p.SpeechVolume != nil {
		out = append(out, Patch{SpeechVolume: p.SpeechVolume})
	}
	if p.Language != nil {
		out = append(out, Patch{Language: p.Language})
	}
	if p.MicrophoneSensitivity != nil {
		out = append(out, Patch{MicrophoneSensitivity: p.MicrophoneSensitivity})
	}
	if p.AutoPlayEnabled != nil {
		out = append(out, Patch{AutoPlayEnabled: p.AutoPlayEnabled})
	}
	if p.VoiceName != nil {
		out = append(out, Patch{VoiceName: p.VoiceName})
	}
	if p.ContinuousRecognition != nil {
		out = append(out, Patch{ContinuousRecognition: p.ContinuousRecognition})
	}
	if p.InterimResults != nil {
		out = append(out, Patch{InterimResults: p.InterimResults})
	}
	if p.MaxAlternatives != nil {
		out = append(out, Patch{MaxAlternatives: p.MaxAlternatives})
	}
	return out
}

func canonicalLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return t.String()
}
