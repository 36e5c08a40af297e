package tts

// VoiceProfile describes a TTS voice configuration for the call agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability controls how consistent the voice sounds across a reply
	// (0.0–1.0, provider default when zero).
	Stability float64

	// SimilarityBoost controls how closely synthesis tracks the reference
	// voice (0.0–1.0, provider default when zero).
	SimilarityBoost float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
