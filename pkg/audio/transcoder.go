package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// TelephonyRate is the sample rate of the μ-law leg, in Hz.
const TelephonyRate = 8000

// Transcoder turns base64 μ-law media payloads into linear PCM
// [AudioFrame] values, stamping each frame with its position in the call.
// Create one per call leg; not designed for shared use across goroutines.
type Transcoder struct {
	elapsed time.Duration
}

// NewTranscoder returns a transcoder with its clock at zero.
func NewTranscoder() *Transcoder {
	return &Transcoder{}
}

// Decode expands one base64 μ-law payload into an 8 kHz mono PCM frame and
// advances the transcoder's clock by the frame's duration.
func (t *Transcoder) Decode(payload string) (AudioFrame, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: decode media payload: %w", err)
	}
	frame := AudioFrame{
		Data:       DecodeULaw(ulaw),
		SampleRate: TelephonyRate,
		Channels:   1,
		Timestamp:  t.elapsed,
	}
	t.elapsed += time.Duration(len(ulaw)) * time.Second / TelephonyRate
	return frame, nil
}

// Elapsed reports how much audio the transcoder has decoded so far.
func (t *Transcoder) Elapsed() time.Duration {
	return t.elapsed
}
