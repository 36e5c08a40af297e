// Package telephony defines the framed wire protocol spoken between Trunkline
// and a telephony media edge over a persistent bidirectional WebSocket.
//
// Every frame is a JSON object with a required "event" discriminator. Four
// inbound events exist: "start" (session establishment, carries the
// edge-assigned stream SID plus an opaque base64 configuration blob),
// "media" (~20 ms of base64 μ-law audio), "mark" (playback acknowledgment for
// a previously sent marker), and "stop" (end of call). Outbound frames mirror
// "media" and "mark" and add two control events: "clear" (discard
// buffered-but-unplayed audio on the edge) and "stop_tts" (informs any
// downstream consumer that speech generation ended).
//
// Frame parsing never panics on malformed input; callers decide whether a
// parse failure is fatal (it never is — protocol errors drop the frame and
// the call continues).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event discriminator values carried in the "event" field of every frame.
const (
	EventStart   = "start"
	EventMedia   = "media"
	EventMark    = "mark"
	EventStop    = "stop"
	EventClear   = "clear"
	EventStopTTS = "stop_tts"
)

// ErrUnknownEvent is returned by [ParseFrame] when the event discriminator is
// not one of the known values. Callers should log and drop the frame.
var ErrUnknownEvent = errors.New("telephony: unknown frame event")

// Frame is a single protocol message in either direction. Exactly one of the
// payload pointers is populated, matching the Event discriminator.
type Frame struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid,omitempty"`
	Start     *StartInfo `json:"start,omitempty"`
	Media     *MediaInfo `json:"media,omitempty"`
	Mark      *MarkInfo  `json:"mark,omitempty"`
}

// StartInfo is the payload of the inbound "start" frame.
type StartInfo struct {
	// StreamSid is the stream identifier the edge assigned to this media
	// session. All outbound frames must echo it.
	StreamSid string `json:"streamSid"`

	// CallSid is the edge's identifier for the underlying call leg.
	CallSid string `json:"callSid"`

	// AccountSid identifies the edge account that originated the stream.
	AccountSid string `json:"accountSid"`

	// CustomParameters carries free-form key/value pairs configured on the
	// edge. The "sttData" key holds a base64-encoded JSON blob with at least
	// a recognition locale; see [StartInfo.DecodeSessionConfig].
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaInfo is the audio payload of a "media" frame in either direction.
type MediaInfo struct {
	// Payload is base64-encoded 8-bit μ-law audio at 8 kHz mono,
	// roughly 20 ms (160 bytes decoded) per frame.
	Payload string `json:"payload"`
}

// MarkInfo names a playback marker, either being requested (outbound) or
// acknowledged (inbound).
type MarkInfo struct {
	Name string `json:"name"`
}

// SessionConfig is the decoded form of the opaque configuration blob embedded
// in the start frame's custom parameters.
type SessionConfig struct {
	// Locale is the BCP-47 recognition language for this call (e.g. "en-US").
	Locale string `json:"locale"`
}

// sttDataParam is the custom-parameter key carrying the session config blob.
const sttDataParam = "sttData"

// DecodeSessionConfig extracts and decodes the base64 JSON configuration blob
// from the start frame's custom parameters. A missing blob yields a zero
// SessionConfig and no error; a present but undecodable blob is an error.
func (s *StartInfo) DecodeSessionConfig() (SessionConfig, error) {
	var cfg SessionConfig
	raw, ok := s.CustomParameters[sttDataParam]
	if !ok || raw == "" {
		return cfg, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return cfg, fmt.Errorf("telephony: decode %s blob: %w", sttDataParam, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("telephony: parse %s blob: %w", sttDataParam, err)
	}
	return cfg, nil
}

// ParseFrame decodes a raw JSON message into a [Frame]. It validates that the
// event discriminator is known and that the payload matching the event is
// present where the protocol requires one.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("telephony: parse frame: %w", err)
	}
	switch f.Event {
	case EventStart:
		if f.Start == nil {
			return Frame{}, errors.New("telephony: start frame missing start payload")
		}
	case EventMedia:
		if f.Media == nil {
			return Frame{}, errors.New("telephony: media frame missing media payload")
		}
	case EventMark:
		if f.Mark == nil {
			return Frame{}, errors.New("telephony: mark frame missing mark payload")
		}
	case EventStop, EventClear, EventStopTTS:
		// No payload required.
	case "":
		return Frame{}, errors.New("telephony: frame missing event discriminator")
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	return f, nil
}

// ─── Outbound frame constructors ─────────────────────────────────────────────

// MediaFrame builds an outbound media frame carrying base64 μ-law audio.
func MediaFrame(streamSid, payload string) Frame {
	return Frame{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaInfo{Payload: payload},
	}
}

// MarkFrame builds an outbound mark frame requesting a playback
// acknowledgment for the named marker.
func MarkFrame(streamSid, name string) Frame {
	return Frame{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkInfo{Name: name},
	}
}

// ClearFrame builds the control frame instructing the edge to discard any
// buffered-but-unplayed outbound audio.
func ClearFrame(streamSid string) Frame {
	return Frame{Event: EventClear, StreamSid: streamSid}
}

// StopTTSFrame builds the custom control frame announcing that speech
// generation for the current response has ended.
func StopTTSFrame(streamSid string) Frame {
	return Frame{Event: EventStopTTS, StreamSid: streamSid}
}

// StopFrame builds the outbound frame that terminates the call.
func StopFrame(streamSid string) Frame {
	return Frame{Event: EventStop, StreamSid: streamSid}
}
