package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	sttmock "github.com/trunkline-ai/trunkline/pkg/provider/stt/mock"
)

func workingSTT() *sttmock.Provider {
	return &sttmock.Provider{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}}
}

func sttChain(primary, secondary *sttmock.Provider) *STTFallback {
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestSTTFallback_PrimaryOpensTheStream(t *testing.T) {
	primary := workingSTT()
	secondary := &sttmock.Provider{}
	fb := sttChain(primary, secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 8000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if got := len(primary.StartStreamCalls); got != 1 {
		t.Errorf("primary opened %d streams, want 1", got)
	}
	if got := len(secondary.StartStreamCalls); got != 0 {
		t.Errorf("secondary opened %d streams, want 0", got)
	}
}

func TestSTTFallback_DeadPrimaryFailsOver(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := workingSTT()
	fb := sttChain(primary, secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 8000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if got := len(secondary.StartStreamCalls); got != 1 {
		t.Errorf("secondary opened %d streams, want 1", got)
	}
}

func TestSTTFallback_WholeChainDown(t *testing.T) {
	fb := sttChain(
		&sttmock.Provider{StartStreamErr: errors.New("primary down")},
		&sttmock.Provider{StartStreamErr: errors.New("secondary down")},
	)

	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
