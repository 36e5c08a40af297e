// Package callsession runs the per-call state machine that ties the media
// connection, the speech recognizer, the response generator, and the playback
// path together.
//
// Each Session is a single-threaded actor: inbound frames, recognition
// events, debounced utterances, and silence-ladder firings all funnel into
// one event loop, so session state never needs fine-grained locking. The
// only blocking work — the responder round trip and the playback stream —
// runs on short-lived turn goroutines that report back through the loop.
package callsession

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trunkline-ai/trunkline/internal/analytics"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/events"
	"github.com/trunkline-ai/trunkline/internal/filler"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/playback"
	"github.com/trunkline-ai/trunkline/internal/responder"
	"github.com/trunkline-ai/trunkline/internal/silence"
	"github.com/trunkline-ai/trunkline/internal/transcript"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/telephony"
)

// State is the call lifecycle. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultBargeInMinChars is the minimum partial-transcript length that counts
// as the caller talking over the agent rather than a recognition blip.
const DefaultBargeInMinChars = 5

// frameQueueDepth buffers inbound frames between the socket read loop and
// the event loop.
const frameQueueDepth = 64

// Recorder is the call-audio capture boundary. Both writers take raw μ-law.
type Recorder interface {
	WriteCaller(ulaw []byte)
	WriteAgent(ulaw []byte)
	Close() ([]string, error)
}

// SessionConfig wires one call's collaborators. Sender, STT, TTS, and
// Responder are required; everything else degrades to a no-op when absent.
type SessionConfig struct {
	CallID    string
	Sender    telephony.Sender
	STT       stt.Provider
	TTS       tts.Provider
	Responder *responder.Client

	// Call is the conversation policy: welcome message, silence ladder,
	// debounce window, barge-in threshold, frame pacing, voice.
	Call config.CallConfig

	// Events publishes call-lifecycle and transcript events. Optional.
	Events *events.Publisher

	// Metrics records per-call telemetry. Optional.
	Metrics *observe.Metrics

	// Mirror receives a copy of the inbound audio. Optional.
	Mirror *analytics.Mirror

	// Recorder captures both call legs. Optional.
	Recorder Recorder

	// FillerClip is looped μ-law hold audio played while a response is
	// pending. Optional.
	FillerClip []byte
}

func (c SessionConfig) validate() error {
	var errs []error
	if c.CallID == "" {
		errs = append(errs, errors.New("callsession: CallID is required"))
	}
	if c.Sender == nil {
		errs = append(errs, errors.New("callsession: Sender is required"))
	}
	if c.STT == nil {
		errs = append(errs, errors.New("callsession: STT provider is required"))
	}
	if c.TTS == nil {
		errs = append(errs, errors.New("callsession: TTS provider is required"))
	}
	if c.Responder == nil {
		errs = append(errs, errors.New("callsession: Responder is required"))
	}
	return errors.Join(errs...)
}

// stopRequest asks the event loop to end the call from inside a turn.
type stopRequest struct {
	reason   string
	sendStop bool
}

// Session is the orchestrator for exactly one media connection.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	state  atomic.Int32
	frames chan telephony.Frame
	stops  chan stopRequest

	// set on the start frame, owned by the event loop afterwards
	streamSid  string
	locale     string
	transcoder *audio.Transcoder
	manager    *transcript.Manager
	watchdog   *silence.Watchdog
	control    *playback.Controller
	hold       *filler.Looper
	recognizer stt.SessionHandle
	call       *events.CallPublisher

	// interrupted records a barge-in until the next responder dispatch.
	interrupted   bool
	lastUtterance string

	turns sync.WaitGroup
}

// New validates the wiring and returns a Session in [StateCreated].
func New(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Call.BargeInMinChars <= 0 {
		cfg.Call.BargeInMinChars = DefaultBargeInMinChars
	}
	return &Session{
		cfg:    cfg,
		logger: slog.With("call_id", cfg.CallID),
		frames: make(chan telephony.Frame, frameQueueDepth),
		stops:  make(chan stopRequest, 2),
	}, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Deliver hands one parsed inbound frame to the event loop. It blocks only
// when the loop is more than a queue's worth behind, and returns immediately
// once the session is past Active.
func (s *Session) Deliver(ctx context.Context, f telephony.Frame) error {
	if s.State() >= StateEnding {
		return nil
	}
	select {
	case s.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the event loop until the call ends or ctx is cancelled. It owns
// all session state; no other goroutine mutates it.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown(cancel)

	// Recognition channels stay nil until the start frame arrives; nil
	// channels park their select cases.
	var (
		partials    <-chan stt.Transcript
		finals      <-chan stt.Transcript
		sttErrs     <-chan error
		utterances  <-chan string
		warnings    <-chan silence.Warning
		disconnects <-chan string
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-s.stops:
			s.logger.Info("ending call", "reason", req.reason)
			if req.sendStop {
				s.sendFrame(ctx, telephony.StopFrame(s.streamSid))
			}
			return nil

		case f := <-s.frames:
			started, ended := s.onFrame(ctx, f)
			if started {
				partials = s.recognizer.Partials()
				finals = s.recognizer.Finals()
				sttErrs = s.recognizer.Errors()
				utterances = s.manager.Utterances()
				warnings = s.watchdog.Warnings()
				disconnects = s.watchdog.Disconnects()
			}
			if ended {
				return nil
			}

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.onPartial(ctx, tr)

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.onFinal(ctx, tr)

		case err, ok := <-sttErrs:
			if !ok {
				sttErrs = nil
				continue
			}
			// Recognizer session errors are fatal for the call.
			s.logger.Error("recognizer session failed", "error", err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordProviderError(ctx, "stt", "session")
			}
			return err

		case text := <-utterances:
			s.onUtteranceReady(ctx, text)

		case w := <-warnings:
			s.onSilenceWarning(ctx, w)

		case prompt := <-disconnects:
			s.onSilenceDisconnect(ctx, prompt)
		}
	}
}

// onFrame dispatches one inbound frame. It reports whether this frame
// activated the session and whether it ended it.
func (s *Session) onFrame(ctx context.Context, f telephony.Frame) (started, ended bool) {
	switch f.Event {
	case telephony.EventStart:
		if f.Start == nil || s.State() != StateCreated {
			s.logger.Warn("ignoring unexpected start frame", "state", s.State().String())
			return false, false
		}
		if err := s.onStart(ctx, f.Start); err != nil {
			s.logger.Error("session start failed", "error", err)
			return false, true
		}
		return true, false

	case telephony.EventMedia:
		if s.State() != StateActive {
			s.logger.Warn("dropping media frame before start")
			return false, false
		}
		if f.Media != nil {
			s.onMedia(ctx, f.Media.Payload)
		}
		return false, false

	case telephony.EventMark:
		if s.control != nil && f.Mark != nil && f.Mark.Name != filler.MarkFiller {
			s.control.OnMarkerAck(f.Mark.Name)
		}
		return false, false

	case telephony.EventStop:
		s.logger.Info("stop frame received")
		return false, true

	default:
		// Unknown frames are logged and dropped, never fatal.
		s.logger.Warn("dropping unknown frame", "event", f.Event)
		return false, false
	}
}

// onStart activates the session: decodes the config blob, builds the
// sub-components, and opens the recognition stream.
func (s *Session) onStart(ctx context.Context, start *telephony.StartInfo) error {
	s.streamSid = start.StreamSid
	s.locale = s.cfg.Call.Language
	sessCfg, err := start.DecodeSessionConfig()
	if err != nil {
		s.logger.Warn("undecodable session config blob, using defaults", "error", err)
	} else if sessCfg.Locale != "" {
		s.locale = sessCfg.Locale
	}

	s.transcoder = audio.NewTranscoder()
	s.manager = transcript.NewManager(time.Duration(s.cfg.Call.UtteranceDebounce))

	var popts []playback.Option
	if d := time.Duration(s.cfg.Call.FrameInterval); d > 0 {
		popts = append(popts, playback.WithFrameInterval(d))
	}
	popts = append(popts, playback.WithEndAckFunc(func() {
		if s.hold != nil {
			s.hold.Stop()
		}
	}))
	s.control = playback.NewController(s.cfg.Sender, s.streamSid, popts...)

	if len(s.cfg.FillerClip) > 0 {
		s.hold, err = filler.New(s.cfg.Sender, s.streamSid, s.cfg.FillerClip)
		if err != nil {
			s.logger.Warn("filler disabled", "error", err)
		}
	}

	s.watchdog = silence.NewWatchdog(watchdogConfig(s.cfg.Call.Silence), s.speaking)

	s.recognizer, err = s.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.TelephonyRate,
		Channels:   1,
		Language:   s.locale,
	})
	if err != nil {
		return fmt.Errorf("callsession: start recognizer: %w", err)
	}

	if s.cfg.Events != nil {
		s.call = s.cfg.Events.ForCall(s.cfg.CallID)
		s.call.CallEvent(ctx, events.CallConnected)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	}

	s.watchdog.Initialize()
	s.state.Store(int32(StateActive))
	s.logger.Info("call active", "stream_sid", s.streamSid, "locale", s.locale)

	if welcome := strings.TrimSpace(s.cfg.Call.WelcomeMessage); welcome != "" {
		s.dispatchTurn(ctx, welcome, false)
	}
	return nil
}

// onMedia forwards one audio frame to the recognizer and mirrors it to the
// optional taps. Codec errors drop the frame and never end the call.
func (s *Session) onMedia(ctx context.Context, payload string) {
	if payload == "" {
		return
	}
	frame, err := s.transcoder.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable media frame", "error", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MediaFrames.Add(ctx, 1)
	}
	if err := s.recognizer.SendAudio(frame.Data); err != nil {
		s.logger.Warn("recognizer rejected audio", "error", err)
	}
	if s.cfg.Mirror != nil {
		s.cfg.Mirror.Enqueue(frame)
	}
	if s.cfg.Recorder != nil {
		if ulaw, err := base64.StdEncoding.DecodeString(payload); err == nil {
			s.cfg.Recorder.WriteCaller(ulaw)
		}
	}
}

// onPartial resets the silence clock and drives barge-in: a long enough
// partial while the agent is speaking interrupts the playback, at most once
// per playback instance.
func (s *Session) onPartial(ctx context.Context, tr stt.Transcript) {
	s.watchdog.Activity()
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	if s.control.Speaking() && len(text) > s.cfg.Call.BargeInMinChars {
		if s.control.Interrupt(ctx) {
			s.interrupted = true
			s.logger.Info("caller barged in", "partial", text)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordInterruption(ctx, s.cfg.CallID)
			}
		}
	}
	s.manager.Submit(text, false)
}

// onFinal publishes the caller's turn and hands it to the debounce manager.
func (s *Session) onFinal(ctx context.Context, tr stt.Transcript) {
	s.watchdog.Activity()
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	s.lastUtterance = text
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordUtterance(ctx, s.cfg.CallID)
	}
	if s.call != nil {
		s.call.Transcript(ctx, events.UserSpoke, text, map[string]string{
			"speaker":    "user",
			"confidence": strconv.FormatFloat(tr.Confidence, 'f', 2, 64),
			"locale":     s.locale,
		})
	}
	s.manager.Submit(text, true)
}

// onUtteranceReady starts a response turn, unless the agent is mid-reply and
// the text is too short to be a real interjection.
func (s *Session) onUtteranceReady(ctx context.Context, text string) {
	if s.control.Speaking() && len(strings.TrimSpace(text)) <= s.cfg.Call.BargeInMinChars {
		s.logger.Debug("skipping response generation while speaking", "text", text)
		return
	}
	s.dispatchTurn(ctx, text, false)
}

// onSilenceWarning speaks the ladder prompt through the normal playback
// path, unless the agent is already talking.
func (s *Session) onSilenceWarning(ctx context.Context, w silence.Warning) {
	if s.control.Speaking() {
		return
	}
	s.logger.Info("silence warning", "level", w.Level)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SilenceWarnings.Add(ctx, 1)
	}
	s.speakAsync(ctx, w.Prompt, s.lastUtterance, true)
}

// onSilenceDisconnect speaks the goodbye prompt and then ends the call.
func (s *Session) onSilenceDisconnect(ctx context.Context, prompt string) {
	basedOn := s.lastUtterance
	s.logger.Info("silence ladder exhausted, disconnecting")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SilenceDisconnects.Add(ctx, 1)
	}
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		if prompt != "" {
			s.speakReply(ctx, prompt, basedOn, true)
		}
		s.requestStop("silence disconnect", true)
	}()
}

// dispatchTurn snapshots the barge-in flag and runs the responder round trip
// on its own goroutine. The playback controller serializes any overlap.
func (s *Session) dispatchTurn(ctx context.Context, text string, isSilence bool) {
	wasInterrupted := s.interrupted
	s.interrupted = false
	basedOn := s.lastUtterance

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		s.runTurn(ctx, text, basedOn, wasInterrupted, isSilence)
	}()
}

// runTurn is one full conversation turn: responder round trip, then
// synthesis and playback. Responder failure means a missed turn, never a
// dropped call.
func (s *Session) runTurn(ctx context.Context, text, basedOn string, wasInterrupted, isSilence bool) {
	start := time.Now()
	// No filler while a previous reply still holds the wire: its media frames
	// would interleave with the in-flight playback. Stop below is a no-op for
	// a hold that never started.
	if s.hold != nil && !s.control.Speaking() {
		s.hold.Start()
	}

	reply, err := s.cfg.Responder.Generate(ctx, responder.Request{
		Utterance:   text,
		CallID:      s.cfg.CallID,
		Interrupted: wasInterrupted,
		Silence:     isSilence,
	})

	if s.hold != nil {
		s.hold.Stop()
	}
	if err != nil {
		s.logger.Warn("no reply for this turn", "error", err)
		return
	}

	if reply.Assistant != "" {
		s.speakReply(ctx, reply.Assistant, basedOn, isSilence)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}
	if reply.CutCall {
		s.requestStop("responder requested cut", true)
	}
}

// speakAsync runs speakReply on a turn goroutine.
func (s *Session) speakAsync(ctx context.Context, text, basedOn string, isSilence bool) {
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		s.speakReply(ctx, text, basedOn, isSilence)
	}()
}

// speakReply synthesizes text and streams it to the caller. The agent-spoke
// event goes out before any audio. Synthesis and playback failures reset the
// speech state and are swallowed.
func (s *Session) speakReply(ctx context.Context, text, basedOn string, isSilence bool) {
	if s.call != nil {
		s.call.Transcript(ctx, events.AgentSpoke, text, map[string]string{
			"speaker":  "ai_agent",
			"based_on": basedOn,
			"silence":  strconv.FormatBool(isSilence),
		})
	}

	synthStart := time.Now()
	chunks, err := s.cfg.TTS.Synthesize(ctx, text, s.voice())
	if err != nil {
		s.logger.Warn("synthesis failed, skipping reply", "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		}
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SynthesisDuration.Record(ctx, time.Since(synthStart).Seconds())
	}

	if s.cfg.Recorder != nil {
		chunks = teeChunks(chunks, s.cfg.Recorder.WriteAgent)
	}

	switch err := s.control.Speak(ctx, chunks); {
	case err == nil, errors.Is(err, playback.ErrInterrupted):
	case errors.Is(err, playback.ErrClosed):
	default:
		s.logger.Warn("playback failed", "error", err)
	}

	// A real reply restarts the silence clock; a silence prompt must let the
	// ladder keep escalating instead.
	if isSilence {
		s.watchdog.Resume()
	} else {
		s.watchdog.Activity()
	}
}

func (s *Session) voice() tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:              s.cfg.Call.Voice.VoiceID,
		Stability:       s.cfg.Call.Voice.Stability,
		SimilarityBoost: s.cfg.Call.Voice.SimilarityBoost,
	}
}

// speaking is the watchdog's view of the playback state.
func (s *Session) speaking() bool {
	return s.control != nil && s.control.Speaking()
}

func (s *Session) requestStop(reason string, sendStop bool) {
	select {
	case s.stops <- stopRequest{reason: reason, sendStop: sendStop}:
	default:
	}
}

func (s *Session) sendFrame(ctx context.Context, f telephony.Frame) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.cfg.Sender.Send(sendCtx, f); err != nil {
		s.logger.Warn("outbound frame not delivered", "event", f.Event, "error", err)
	}
}

// teardown unwinds every sub-component in bounded time. Safe when the start
// frame never arrived (all components nil).
func (s *Session) teardown(cancel context.CancelFunc) {
	if s.State() >= StateEnding {
		return
	}
	s.state.Store(int32(StateEnding))
	s.logger.Info("tearing down call")

	cancel()
	if s.control != nil {
		s.control.Close() // unblocks any lock-waiting Speak
	}
	s.turns.Wait()

	if s.watchdog != nil {
		s.watchdog.Cleanup()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.hold != nil {
		s.hold.Close()
	}
	if s.recognizer != nil {
		if err := s.recognizer.Close(); err != nil {
			s.logger.Warn("recognizer close failed", "error", err)
		}
	}
	if s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.Close(); err != nil {
			s.logger.Warn("analytics mirror close failed", "error", err)
		}
	}
	if s.cfg.Recorder != nil {
		if _, err := s.cfg.Recorder.Close(); err != nil {
			s.logger.Warn("recording not saved", "error", err)
		}
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if s.call != nil {
		s.call.CallEvent(ctx, events.CallEnded)
		s.call.Summary(ctx, map[string]string{
			"turns":          strconv.FormatInt(s.call.Turns(), 10),
			"last_utterance": s.lastUtterance,
			"audio_duration": s.audioDuration().String(),
		})
	}
	if s.cfg.Metrics != nil && s.streamSid != "" {
		s.cfg.Metrics.ActiveCalls.Add(ctx, -1)
	}
	s.state.Store(int32(StateClosed))
}

func (s *Session) audioDuration() time.Duration {
	if s.transcoder == nil {
		return 0
	}
	return s.transcoder.Elapsed()
}

// teeChunks copies every chunk to fn on its way through.
func teeChunks(in <-chan []byte, fn func([]byte)) <-chan []byte {
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		for chunk := range in {
			fn(chunk)
			out <- chunk
		}
	}()
	return out
}

// watchdogConfig maps the YAML silence policy onto the watchdog's ladder.
func watchdogConfig(cfg config.SilenceConfig) silence.Config {
	out := silence.Config{
		DisconnectAfter:  time.Duration(cfg.DisconnectAfter),
		DisconnectPrompt: cfg.DisconnectPrompt,
	}
	for _, w := range cfg.Warnings {
		out.Steps = append(out.Steps, silence.Step{
			After:  time.Duration(w.After),
			Prompt: w.Prompt,
		})
	}
	return out
}
