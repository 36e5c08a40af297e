package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the call
// pipeline. Frames are the atomic unit of audio transport — decoded from the
// telephony leg, fed to speech recognition, mirrored to analytics, and
// written to call recordings.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (8000 on the telephony leg, 16000 for recordings).
	SampleRate int

	// Channels: always 1 on the telephony leg.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}
