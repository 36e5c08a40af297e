package stt

import "time"

// Transcript is one recognition result, partial or final. Partials for the
// same stretch of speech supersede each other until the final arrives.
type Transcript struct {
	// Text is the recognized speech.
	Text string

	// IsFinal marks a result the provider will not revise.
	IsFinal bool

	// Confidence ranges 0.0 to 1.0. Zero when the provider does not
	// report one.
	Confidence float64

	// Words carries per-word timing and confidence when the provider
	// supplies it, nil otherwise.
	Words []WordDetail

	// Timestamp is the utterance start, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail is word-level metadata attached to a [Transcript].
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
