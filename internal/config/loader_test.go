package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/config"
)

const minimalYAML = `
responder:
  url: http://localhost:9000/respond
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Call.Language != config.DefaultLanguage {
		t.Errorf("language = %q, want %q", cfg.Call.Language, config.DefaultLanguage)
	}
	if cfg.Call.UtteranceDebounce.Std() != time.Second {
		t.Errorf("utterance_debounce = %v, want 1s", cfg.Call.UtteranceDebounce.Std())
	}
	if cfg.Call.BargeInMinChars != 5 {
		t.Errorf("barge_in_min_chars = %d, want 5", cfg.Call.BargeInMinChars)
	}
	if cfg.Call.FrameInterval.Std() != 15*time.Millisecond {
		t.Errorf("frame_interval = %v, want 15ms", cfg.Call.FrameInterval.Std())
	}
	if cfg.Responder.Breaker.FailureThreshold != config.DefaultFailureThreshold {
		t.Errorf("failure_threshold = %d, want %d",
			cfg.Responder.Breaker.FailureThreshold, config.DefaultFailureThreshold)
	}
	if cfg.Events.Stream != config.DefaultEventStream {
		t.Errorf("events.stream = %q, want %q", cfg.Events.Stream, config.DefaultEventStream)
	}
}

func TestLoadFromReader_DurationStrings(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
  timeout: 5s
call:
  utterance_debounce: 750ms
  silence:
    warnings:
      - after: 5s
        prompt: "Are you still there?"
      - after: 10s
        prompt: "Hello?"
    disconnect_after: 20s
    disconnect_prompt: "Goodbye."
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Responder.Timeout.Std() != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Responder.Timeout.Std())
	}
	if cfg.Call.UtteranceDebounce.Std() != 750*time.Millisecond {
		t.Errorf("utterance_debounce = %v, want 750ms", cfg.Call.UtteranceDebounce.Std())
	}
	if got := cfg.Call.Silence.Warnings[1].After.Std(); got != 10*time.Second {
		t.Errorf("warnings[1].after = %v, want 10s", got)
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
  timeout: soon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
  retry_forever: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_MissingResponderURL(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`server: {listen_addr: ":8080"}`))
	if err == nil {
		t.Fatal("expected error for missing responder.url, got nil")
	}
	if !strings.Contains(err.Error(), "responder.url") {
		t.Errorf("error should mention responder.url, got: %v", err)
	}
}

func TestValidate_ProviderRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
providers:
  stt:
    name: deepgram
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing STT api_key, got nil")
	}
	if !strings.Contains(err.Error(), "providers.stt.api_key") {
		t.Errorf("error should mention providers.stt.api_key, got: %v", err)
	}
}

func TestValidate_TTSRequiresVoiceID(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
providers:
  tts:
    name: elevenlabs
    api_key: xyz
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing voice_id, got nil")
	}
	if !strings.Contains(err.Error(), "voice_id") {
		t.Errorf("error should mention voice_id, got: %v", err)
	}
}

func TestValidate_SilenceLadderMustIncrease(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
call:
  silence:
    warnings:
      - after: 10s
        prompt: "Still there?"
      - after: 5s
        prompt: "Hello?"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-increasing silence ladder, got nil")
	}
	if !strings.Contains(err.Error(), "greater than") {
		t.Errorf("error should mention ordering, got: %v", err)
	}
}

func TestValidate_DisconnectAfterLastWarning(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
call:
  silence:
    warnings:
      - after: 15s
        prompt: "Still there?"
    disconnect_after: 10s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for disconnect_after before last warning, got nil")
	}
	if !strings.Contains(err.Error(), "disconnect_after") {
		t.Errorf("error should mention disconnect_after, got: %v", err)
	}
}

func TestValidate_FillerRequiresPath(t *testing.T) {
	t.Parallel()
	yaml := `
responder:
  url: http://localhost:9000/respond
filler:
  enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for filler without path, got nil")
	}
	if !strings.Contains(err.Error(), "filler.path") {
		t.Errorf("error should mention filler.path, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: deepgram
filler:
  enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "responder.url") {
		t.Errorf("error should mention responder.url, got: %v", err)
	}
	if !strings.Contains(errStr, "filler.path") {
		t.Errorf("error should mention filler.path, got: %v", err)
	}
	if !strings.Contains(errStr, "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	sttNames := config.ValidProviderNames["stt"]
	found := false
	for _, n := range sttNames {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"stt\"] should contain \"deepgram\"")
	}
}
