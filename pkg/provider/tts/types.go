package tts

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Utterance is a single synthesis request: text plus voice parameters.
type Utterance struct {
	// ID identifies the utterance across engine callbacks and logs.
	ID string

	// Text is the content to speak.
	Text string

	// Rate is the speaking rate multiplier (1.0 = normal).
	Rate float64

	// Pitch is the pitch multiplier (1.0 = normal).
	Pitch float64

	// Volume is the output volume (0.0–1.0).
	Volume float64

	// Language is the BCP-47 language tag of Text.
	Language string

	// Voice is the engine voice name to use. Empty selects the engine default.
	Voice string
}

// Voice describes a voice offered by the host engine.
type Voice struct {
	// Name is the engine's voice name (e.g., "Google UK English Female").
	Name string `json:"name"`

	// Language is the voice's BCP-47 language tag.
	Language string `json:"lang"`

	// Default marks the engine's default voice.
	Default bool `json:"default,omitempty"`

	// Local is true when the voice is synthesised on-device.
	Local bool `json:"local,omitempty"`
}

// voiceMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// voice name match.
const voiceMatchThreshold = 0.85

// ResolveVoice picks the voice to use for a requested name and language.
//
// Resolution order: exact name (case-insensitive), best fuzzy name match at or
// above the similarity threshold, the default voice for language, the first
// voice whose language matches (full tag, then primary subtag). It returns
// false when voices is empty or nothing matches.
func ResolveVoice(voices []Voice, name, language string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}

	if name != "" {
		for _, v := range voices {
			if strings.EqualFold(v.Name, name) {
				return v, true
			}
		}
		best, bestScore := -1, 0.0
		want := strings.ToLower(name)
		for i, v := range voices {
			score := matchr.JaroWinkler(want, strings.ToLower(v.Name), false)
			if score >= voiceMatchThreshold && score > bestScore {
				best, bestScore = i, score
			}
		}
		if best >= 0 {
			return voices[best], true
		}
	}

	if language == "" {
		for _, v := range voices {
			if v.Default {
				return v, true
			}
		}
		return Voice{}, false
	}

	var sameTag, samePrimary []Voice
	primary := primarySubtag(language)
	for _, v := range voices {
		switch {
		case strings.EqualFold(v.Language, language):
			sameTag = append(sameTag, v)
		case strings.EqualFold(primarySubtag(v.Language), primary):
			samePrimary = append(samePrimary, v)
		}
	}
	for _, group := range [][]Voice{sameTag, samePrimary} {
		for _, v := range group {
			if v.Default {
				return v, true
			}
		}
		if len(group) > 0 {
			return group[0], true
		}
	}
	return Voice{}, false
}

// primarySubtag returns the language part of a BCP-47 tag ("en" for "en-US").
// Underscore separators, as reported by some engines, are accepted.
func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}
