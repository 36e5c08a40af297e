// Package mock provides in-memory doubles for the stt interfaces.
//
// Tests construct a Session whose channels they own, hand it to a Provider,
// and then feed transcripts or errors while asserting on the recorded
// StartStream and SendAudio calls.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
)

// StartStreamCall is one recorded Provider.StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider implements stt.Provider. The zero value is usable; StartStream
// then hands out a fresh Session with buffered channels.
type Provider struct {
	mu sync.Mutex

	// Session, when set, is returned from every StartStream call.
	Session stt.SessionHandle

	// StartStreamErr, when set, makes StartStream fail.
	StartStreamErr error

	// StartStreamCalls records every StartStream invocation in order.
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		ErrorsCh:   make(chan error, 1),
	}, nil
}

// Reset drops the recorded StartStream calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// SendAudioCall is one recorded Session.SendAudio invocation. Chunk is a
// copy, so later mutation by the caller does not corrupt the record.
type SendAudioCall struct {
	Chunk []byte
}

// Session implements stt.SessionHandle. The test owns the three channels:
// populate and close them to drive the consumer.
type Session struct {
	mu sync.Mutex

	// PartialsCh backs Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh backs Finals().
	FinalsCh chan stt.Transcript

	// ErrorsCh backs Errors().
	ErrorsCh chan error

	// SendAudioErr, when set, makes every SendAudio call fail.
	SendAudioErr error

	// CloseErr, when set, is returned from Close.
	CloseErr error

	// SendAudioCalls records every SendAudio invocation in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount counts Close invocations.
	CloseCallCount int
}

var _ stt.SessionHandle = (*Session)(nil)

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: slices.Clone(chunk)})
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

func (s *Session) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrorsCh
}

// SendAudioCallCount reports how many chunks were delivered so far.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls drops the recorded calls and the close counter.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}
