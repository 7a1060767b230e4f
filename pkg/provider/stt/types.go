package stt

// Result is a single recognition result reported by the engine. Both interim
// and final results use this type.
type Result struct {
	// Transcript is the most likely transcription.
	Transcript string

	// Final indicates whether the engine has committed to this result.
	Final bool

	// Confidence is the engine's confidence score (0.0–1.0). May be zero if
	// the engine does not report confidence.
	Confidence float64

	// Alternatives holds lower-ranked hypotheses when MaxAlternatives > 1.
	Alternatives []Alternative
}

// Alternative is a lower-ranked transcription hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}
