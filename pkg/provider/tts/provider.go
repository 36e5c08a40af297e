// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Google
// Cloud TTS, or a local Piper instance) and presents a uniform streaming
// interface. The primary entry point is Synthesize, which accepts the text of
// one agent reply and returns a channel of fixed-size μ-law audio chunks as
// they become available — enabling playback to start before synthesis is
// complete.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// FrameBytes is the chunk size emitted by Synthesize: 160 bytes of 8 kHz
// μ-law, i.e. 20 ms of telephony audio. Only the last chunk of a stream may
// be shorter.
const FrameBytes = 160

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per active call).
type Provider interface {
	// Synthesize converts text into speech and returns a channel that emits
	// μ-law audio in [FrameBytes]-sized chunks as they are synthesised.
	//
	// The returned channel is closed by the implementation when all audio has
	// been emitted or when ctx is cancelled. The caller must drain the channel
	// to avoid blocking the provider's internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should
	// return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the channel early;
	// callers should check ctx.Err() to distinguish cancellation from provider
	// errors.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
