// Package config provides the configuration schema and loader for the
// Trunkline call orchestrator.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Trunkline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// or "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Trunkline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Responder ResponderConfig `yaml:"responder"`
	Call      CallConfig      `yaml:"call"`
	Filler    FillerConfig    `yaml:"filler"`
	Events    EventsConfig    `yaml:"events"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Recorder  RecorderConfig  `yaml:"recorder"`
}

// ServerConfig holds network and logging settings for the Trunkline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AuthToken is the shared secret used to validate the signature header on
	// incoming media-stream upgrade requests. When empty, signature validation
	// is disabled (development only).
	AuthToken string `yaml:"auth_token"`

	// PublicURL is the externally visible URL of the media-stream endpoint,
	// used to recompute request signatures behind proxies.
	PublicURL string `yaml:"public_url"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider (e.g., "nova-3",
	// "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallback names a secondary provider tried when this one fails. Each
	// provider in the chain gets its own circuit breaker.
	Fallback *ProviderEntry `yaml:"fallback"`
}

// ResponderConfig describes the downstream service that turns caller
// utterances into agent replies.
type ResponderConfig struct {
	// URL is the responder endpoint. Utterance text and call metadata are
	// passed as query parameters.
	URL string `yaml:"url"`

	// Timeout bounds a single responder request.
	Timeout Duration `yaml:"timeout"`

	// MaxRetries is the number of additional attempts after a failed request.
	// Client errors (4xx) are never retried.
	MaxRetries int `yaml:"max_retries"`

	// RetryBase is the initial retry backoff delay; it doubles per attempt.
	RetryBase Duration `yaml:"retry_base"`

	// RetryMax caps the retry backoff delay.
	RetryMax Duration `yaml:"retry_max"`

	// Breaker configures the circuit breaker guarding the responder.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker tuning for an outbound dependency.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown Duration `yaml:"cooldown"`
}

// CallConfig holds per-call conversation behaviour.
type CallConfig struct {
	// Language is the default BCP-47 recognition language, used when the
	// start frame does not carry one.
	Language string `yaml:"language"`

	// WelcomeMessage is spoken as the agent's opening turn. Empty disables
	// the welcome turn.
	WelcomeMessage string `yaml:"welcome_message"`

	// Voice configures the TTS voice for the agent.
	Voice VoiceConfig `yaml:"voice"`

	// UtteranceDebounce is how long after the last partial transcript the
	// caller is considered done speaking.
	UtteranceDebounce Duration `yaml:"utterance_debounce"`

	// BargeInMinChars is the minimum partial-transcript length that counts as
	// a real interruption while the agent is speaking.
	BargeInMinChars int `yaml:"barge_in_min_chars"`

	// FrameInterval is the pacing delay between outbound audio frames.
	FrameInterval Duration `yaml:"frame_interval"`

	// Silence configures the silence watchdog ladder.
	Silence SilenceConfig `yaml:"silence"`
}

// VoiceConfig specifies the TTS voice parameters for the agent.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Stability adjusts voice consistency in the range [0, 1]. 0 means
	// provider default.
	Stability float64 `yaml:"stability"`

	// SimilarityBoost adjusts reference-voice tracking in the range [0, 1].
	// 0 means provider default.
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// SilenceConfig describes the escalating silence prompts and the final
// disconnect step.
type SilenceConfig struct {
	// Warnings is the ordered ladder of silence prompts. Each step fires its
	// prompt after the configured delay of continuous caller silence.
	Warnings []SilenceStep `yaml:"warnings"`

	// DisconnectAfter is the continuous silence duration after the last
	// warning that ends the call. Zero disables silence disconnects.
	DisconnectAfter Duration `yaml:"disconnect_after"`

	// DisconnectPrompt is spoken right before a silence disconnect.
	DisconnectPrompt string `yaml:"disconnect_prompt"`
}

// SilenceStep is a single rung of the silence ladder.
type SilenceStep struct {
	// After is the continuous silence duration that triggers this step.
	After Duration `yaml:"after"`

	// Prompt is the text spoken to re-engage the caller.
	Prompt string `yaml:"prompt"`
}

// FillerConfig controls the hold audio looped while the responder is thinking.
type FillerConfig struct {
	// Enabled turns filler audio on.
	Enabled bool `yaml:"enabled"`

	// Path is a file of raw 8 kHz μ-law audio looped as hold sound.
	Path string `yaml:"path"`
}

// EventsConfig configures the call-event publisher.
type EventsConfig struct {
	// RedisAddr is the host:port of the Redis instance receiving call events.
	// Empty disables event publishing.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates against Redis when set.
	RedisPassword string `yaml:"redis_password"`

	// Stream is the Redis stream key call events are appended to.
	Stream string `yaml:"stream"`

	// MaxLen approximately caps the stream length (XADD MAXLEN ~).
	MaxLen int64 `yaml:"max_len"`
}

// AnalyticsConfig configures the live audio mirror.
type AnalyticsConfig struct {
	// URL is the WebSocket endpoint of the analytics collector. Empty
	// disables mirroring.
	URL string `yaml:"url"`

	// Buffer is the per-call frame buffer size; when full, frames are dropped
	// rather than stalling the call.
	Buffer int `yaml:"buffer"`

	// SampleRate is the PCM rate frames are resampled to before mirroring.
	SampleRate int `yaml:"sample_rate"`
}

// RecorderConfig configures on-disk call recordings.
type RecorderConfig struct {
	// Enabled turns call recording on.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory WAV recordings are written into.
	Dir string `yaml:"dir"`

	// SampleRate is the WAV sample rate; telephony audio is resampled when
	// this differs from 8000.
	SampleRate int `yaml:"sample_rate"`
}

// Default values applied by [LoadFromReader] for fields left unset.
const (
	DefaultListenAddr        = ":8080"
	DefaultLanguage          = "en-US"
	DefaultUtteranceDebounce = time.Second
	DefaultBargeInMinChars   = 5
	DefaultFrameInterval     = 15 * time.Millisecond
	DefaultResponderTimeout  = 15 * time.Second
	DefaultRetryBase         = time.Second
	DefaultRetryMax          = 30 * time.Second
	DefaultFailureThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultEventStream       = "call-events"
	DefaultEventMaxLen       = 10_000
	DefaultAnalyticsBuffer   = 256
	DefaultAnalyticsRate     = 16000
	DefaultRecorderDir       = "recordings"
	DefaultRecorderRate      = 8000
)

// applyDefaults fills zero-valued fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Call.Language == "" {
		cfg.Call.Language = DefaultLanguage
	}
	if cfg.Call.UtteranceDebounce == 0 {
		cfg.Call.UtteranceDebounce = Duration(DefaultUtteranceDebounce)
	}
	if cfg.Call.BargeInMinChars == 0 {
		cfg.Call.BargeInMinChars = DefaultBargeInMinChars
	}
	if cfg.Call.FrameInterval == 0 {
		cfg.Call.FrameInterval = Duration(DefaultFrameInterval)
	}
	if cfg.Responder.Timeout == 0 {
		cfg.Responder.Timeout = Duration(DefaultResponderTimeout)
	}
	if cfg.Responder.RetryBase == 0 {
		cfg.Responder.RetryBase = Duration(DefaultRetryBase)
	}
	if cfg.Responder.RetryMax == 0 {
		cfg.Responder.RetryMax = Duration(DefaultRetryMax)
	}
	if cfg.Responder.Breaker.FailureThreshold == 0 {
		cfg.Responder.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Responder.Breaker.Cooldown == 0 {
		cfg.Responder.Breaker.Cooldown = Duration(DefaultBreakerCooldown)
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = DefaultEventStream
	}
	if cfg.Events.MaxLen == 0 {
		cfg.Events.MaxLen = DefaultEventMaxLen
	}
	if cfg.Analytics.Buffer == 0 {
		cfg.Analytics.Buffer = DefaultAnalyticsBuffer
	}
	if cfg.Analytics.SampleRate == 0 {
		cfg.Analytics.SampleRate = DefaultAnalyticsRate
	}
	if cfg.Recorder.Dir == "" {
		cfg.Recorder.Dir = DefaultRecorderDir
	}
	if cfg.Recorder.SampleRate == 0 {
		cfg.Recorder.SampleRate = DefaultRecorderRate
	}
}
