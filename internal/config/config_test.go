package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  auth_token: tw-secret

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-3
  tts:
    name: elevenlabs
    api_key: el-test
    model: eleven_flash_v2_5

responder:
  url: http://responder.internal/respond
  timeout: 10s
  max_retries: 3

call:
  language: en-US
  welcome_message: "Hi, how can I help you today?"
  voice:
    voice_id: agent-v1
    stability: 0.6
  utterance_debounce: 1s
  silence:
    warnings:
      - after: 5s
        prompt: "Are you still there?"
      - after: 10s
        prompt: "Can you hear me?"
      - after: 15s
        prompt: "I will end the call shortly."
    disconnect_after: 20s
    disconnect_prompt: "Ending the call now. Goodbye."

events:
  redis_addr: localhost:6379
  stream: call-events

recorder:
  enabled: true
  dir: /var/spool/trunkline
  sample_rate: 16000
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("providers.stt.name: got %q, want %q", cfg.Providers.STT.Name, "deepgram")
	}
	if cfg.Call.WelcomeMessage != "Hi, how can I help you today?" {
		t.Errorf("call.welcome_message: got %q", cfg.Call.WelcomeMessage)
	}
	if cfg.Call.Voice.Stability != 0.6 {
		t.Errorf("call.voice.stability: got %.2f, want 0.6", cfg.Call.Voice.Stability)
	}
	if len(cfg.Call.Silence.Warnings) != 3 {
		t.Fatalf("call.silence.warnings: got %d, want 3", len(cfg.Call.Silence.Warnings))
	}
	if cfg.Call.Silence.DisconnectAfter.Std() != 20*time.Second {
		t.Errorf("call.silence.disconnect_after: got %v, want 20s", cfg.Call.Silence.DisconnectAfter.Std())
	}
	if cfg.Recorder.SampleRate != 16000 {
		t.Errorf("recorder.sample_rate: got %d, want 16000", cfg.Recorder.SampleRate)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
responder:
  url: http://localhost:9000/respond
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidStability(t *testing.T) {
	yaml := `
responder:
  url: http://localhost:9000/respond
call:
  voice:
    stability: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range stability, got nil")
	}
	if !strings.Contains(err.Error(), "stability") {
		t.Errorf("error should mention stability, got: %v", err)
	}
}

// ── Diff ─────────────────────────────────────────────────────────────────────

func TestDiff(t *testing.T) {
	old, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load old: %v", err)
	}
	updated, err := config.LoadFromReader(strings.NewReader(
		strings.Replace(sampleYAML, "log_level: info", "log_level: debug", 1)))
	if err != nil {
		t.Fatalf("load new: %v", err)
	}

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.CallChanged {
		t.Error("call behaviour did not change")
	}

	updated2, err := config.LoadFromReader(strings.NewReader(
		strings.Replace(sampleYAML, "Are you still there?", "Still with me?", 1)))
	if err != nil {
		t.Fatalf("load new: %v", err)
	}
	if d := config.Diff(old, updated2); !d.CallChanged {
		t.Error("expected CallChanged for silence prompt edit")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownSTT(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownTTS(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubSTT{}
	reg.RegisterSTT("stub", func(e config.ProviderEntry) (stt.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateSTT(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubTTS{}
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterSTT("broken", func(e config.ProviderEntry) (stt.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations (satisfy interfaces for the compiler) ────────────────

// stubSTT implements stt.Provider.
type stubSTT struct{}

func (s *stubSTT) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, nil
}

// stubTTS implements tts.Provider.
type stubTTS struct{}

func (s *stubTTS) Synthesize(_ context.Context, _ string, _ tts.VoiceProfile) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (s *stubTTS) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) { return nil, nil }
