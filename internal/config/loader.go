package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; media-stream signature validation is disabled")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name != "" && cfg.Providers.STT.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.stt.api_key is required when providers.stt.name is set"))
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.tts.api_key is required when providers.tts.name is set"))
	}

	// Responder
	if cfg.Responder.URL == "" {
		errs = append(errs, errors.New("responder.url is required"))
	}
	if cfg.Responder.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("responder.max_retries %d must not be negative", cfg.Responder.MaxRetries))
	}

	// Voice
	if cfg.Providers.TTS.Name != "" && cfg.Call.Voice.VoiceID == "" {
		errs = append(errs, errors.New("call.voice.voice_id is required when a TTS provider is configured"))
	}
	if s := cfg.Call.Voice.Stability; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("call.voice.stability %.2f is out of range [0, 1]", s))
	}
	if s := cfg.Call.Voice.SimilarityBoost; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("call.voice.similarity_boost %.2f is out of range [0, 1]", s))
	}

	// Silence ladder: steps must be strictly increasing, disconnect last.
	var prev Duration
	for i, step := range cfg.Call.Silence.Warnings {
		prefix := fmt.Sprintf("call.silence.warnings[%d]", i)
		if step.After <= 0 {
			errs = append(errs, fmt.Errorf("%s.after must be positive", prefix))
		}
		if step.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		if i > 0 && step.After <= prev {
			errs = append(errs, fmt.Errorf("%s.after %v must be greater than warnings[%d].after %v",
				prefix, step.After.Std(), i-1, prev.Std()))
		}
		prev = step.After
	}
	if d := cfg.Call.Silence.DisconnectAfter; d != 0 && d <= prev {
		errs = append(errs, fmt.Errorf("call.silence.disconnect_after %v must be greater than the last warning delay %v",
			d.Std(), prev.Std()))
	}

	// Filler
	if cfg.Filler.Enabled && cfg.Filler.Path == "" {
		errs = append(errs, errors.New("filler.path is required when filler.enabled is true"))
	}

	// Events
	if cfg.Events.RedisAddr == "" {
		slog.Warn("events.redis_addr is empty; call events will not be published")
	}

	// Analytics
	if cfg.Analytics.URL == "" {
		slog.Warn("analytics.url is empty; live audio mirroring is disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
