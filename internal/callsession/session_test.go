package callsession

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/responder"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	sttmock "github.com/trunkline-ai/trunkline/pkg/provider/stt/mock"
	ttsmock "github.com/trunkline-ai/trunkline/pkg/provider/tts/mock"
	"github.com/trunkline-ai/trunkline/pkg/telephony"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []telephony.Frame
}

func (s *recordingSender) Send(_ context.Context, f telephony.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) countEvent(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (s *recordingSender) countMark(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Event == "mark" && f.Mark != nil && f.Mark.Name == name {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu     sync.Mutex
	caller [][]byte
	agent  [][]byte
	closed bool
}

func (r *fakeRecorder) WriteCaller(ulaw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caller = append(r.caller, append([]byte(nil), ulaw...))
}

func (r *fakeRecorder) WriteAgent(ulaw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = append(r.agent, append([]byte(nil), ulaw...))
}

func (r *fakeRecorder) Close() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil, nil
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.caller), len(r.agent)
}

type fixture struct {
	t       *testing.T
	sender  *recordingSender
	sttSess *sttmock.Session
	sttProv *sttmock.Provider
	ttsProv *ttsmock.Provider
	sess    *Session
	runErr  chan error
	cancel  context.CancelFunc
}

type fixtureOpts struct {
	replyBody  string
	replyCode  int
	replyDelay time.Duration
	call       config.CallConfig
	recorder   Recorder
	fillerClip []byte
}

func defaultCall() config.CallConfig {
	return config.CallConfig{
		Language:      "en-US",
		FrameInterval: config.Duration(time.Millisecond),
		Silence: config.SilenceConfig{
			Warnings: []config.SilenceStep{{After: config.Duration(time.Hour), Prompt: "Are you still there?"}},
		},
	}
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.replyCode == 0 {
		opts.replyCode = http.StatusOK
	}
	if opts.call.Language == "" {
		opts.call = defaultCall()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.replyDelay > 0 {
			time.Sleep(opts.replyDelay)
		}
		w.WriteHeader(opts.replyCode)
		w.Write([]byte(opts.replyBody))
	}))
	t.Cleanup(srv.Close)

	sttSess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		ErrorsCh:   make(chan error, 1),
	}
	ttsProv := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("audio-1"), []byte("audio-2")},
	}

	sender := &recordingSender{}
	sttProv := &sttmock.Provider{Session: sttSess}
	sess, err := New(SessionConfig{
		CallID:     "CA100",
		Sender:     sender,
		STT:        sttProv,
		TTS:        ttsProv,
		Responder:  responder.New(srv.URL, responder.WithMaxRetries(0)),
		Call:       opts.call,
		Recorder:   opts.recorder,
		FillerClip: opts.fillerClip,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		t:       t,
		sender:  sender,
		sttSess: sttSess,
		sttProv: sttProv,
		ttsProv: ttsProv,
		sess:    sess,
		runErr:  make(chan error, 1),
		cancel:  cancel,
	}
	go func() { f.runErr <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return f
}

func (f *fixture) deliver(frame telephony.Frame) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.sess.Deliver(ctx, frame); err != nil {
		f.t.Fatalf("Deliver(%s) error = %v", frame.Event, err)
	}
}

func (f *fixture) start(locale string) {
	f.t.Helper()
	params := map[string]string{}
	if locale != "" {
		blob := base64.StdEncoding.EncodeToString([]byte(`{"locale":"` + locale + `"}`))
		params["sttData"] = blob
	}
	f.deliver(telephony.Frame{
		Event: telephony.EventStart,
		Start: &telephony.StartInfo{
			StreamSid:        "MZ100",
			CallSid:          "CA100",
			CustomParameters: params,
		},
	})
	f.waitFor(func() bool { return f.sess.State() == StateActive })
}

func (f *fixture) waitFor(cond func() bool) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	f.t.Fatal("condition not met before deadline")
}

func (f *fixture) waitDone() error {
	f.t.Helper()
	select {
	case err := <-f.runErr:
		f.runErr <- err
		return err
	case <-time.After(2 * time.Second):
		f.t.Fatal("Run did not finish")
		return nil
	}
}

func mediaPayload(n int) string {
	ulaw := make([]byte, n)
	for i := range ulaw {
		ulaw[i] = byte(0x90 + i%32)
	}
	return base64.StdEncoding.EncodeToString(ulaw)
}

func mediaFrame(payload string) telephony.Frame {
	return telephony.Frame{Event: telephony.EventMedia, Media: &telephony.MediaInfo{Payload: payload}}
}

func TestStart_ActivatesAndConfiguresRecognizer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	f.start("de-DE")

	calls := f.sttProv.StartStreamCalls
	if len(calls) != 1 {
		t.Fatalf("StartStream called %d times, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.SampleRate != 8000 || cfg.Channels != 1 {
		t.Errorf("StreamConfig = %d Hz / %d ch, want 8000/1", cfg.SampleRate, cfg.Channels)
	}
	if cfg.Language != "de-DE" {
		t.Errorf("Language = %q, want locale from the start blob", cfg.Language)
	}
}

func TestStart_MissingBlobFallsBackToConfiguredLanguage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	f.start("")

	if got := f.sttProv.StartStreamCalls[0].Cfg.Language; got != "en-US" {
		t.Errorf("Language = %q, want configured default en-US", got)
	}
}

func TestStop_FrameEndsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.start("")

	f.deliver(telephony.Frame{Event: telephony.EventStop})
	if err := f.waitDone(); err != nil {
		t.Fatalf("Run() error = %v, want nil on stop frame", err)
	}
	if got := f.sess.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
	if f.sttSess.CloseCallCount == 0 {
		t.Error("recognizer was not closed on teardown")
	}
}

func TestMedia_ForwardedToRecognizerAsPCM(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	f := newFixture(t, fixtureOpts{recorder: rec})
	f.start("")

	f.deliver(mediaFrame(mediaPayload(160)))
	f.waitFor(func() bool { return f.sttSess.SendAudioCallCount() == 1 })

	if got := len(f.sttSess.SendAudioCalls[0].Chunk); got != 320 {
		t.Errorf("recognizer got %d PCM bytes for a 160-byte μ-law frame, want 320", got)
	}
	callerFrames, _ := rec.counts()
	if callerFrames != 1 {
		t.Errorf("recorder captured %d caller frames, want 1", callerFrames)
	}
}

func TestMedia_UndecodablePayloadIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.start("")

	f.deliver(mediaFrame("%%% not base64 %%%"))
	f.deliver(mediaFrame(mediaPayload(160)))
	f.waitFor(func() bool { return f.sttSess.SendAudioCallCount() == 1 })

	if got := f.sess.State(); got != StateActive {
		t.Errorf("State = %v after codec error, want active", got)
	}
}

func TestUnknownFrame_LoggedAndDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.start("")

	f.deliver(telephony.Frame{Event: "dtmf"})
	f.deliver(mediaFrame(mediaPayload(160)))
	f.waitFor(func() bool { return f.sttSess.SendAudioCallCount() == 1 })
}

func TestFinalTranscript_DrivesFullTurn(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	f := newFixture(t, fixtureOpts{replyBody: "We close at five.", recorder: rec})
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "when do you close", IsFinal: true}

	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
	if got := f.sender.countEvent("media"); got != 2 {
		t.Errorf("streamed %d media frames, want 2", got)
	}
	if got := f.ttsProv.SynthesizeCalls[0].Text; got != "We close at five." {
		t.Errorf("synthesized %q, want responder reply", got)
	}
	f.waitFor(func() bool { _, agent := rec.counts(); return agent == 2 })

	// Echo the marker acks back the way the telephony side would.
	f.deliver(telephony.Frame{Event: telephony.EventMark, Mark: &telephony.MarkInfo{Name: "responsePart"}})
	f.deliver(telephony.Frame{Event: telephony.EventMark, Mark: &telephony.MarkInfo{Name: "responsePart"}})
	f.deliver(telephony.Frame{Event: telephony.EventMark, Mark: &telephony.MarkInfo{Name: "endMark"}})
	if got := f.sess.State(); got != StateActive {
		t.Errorf("State = %v after mark acks, want active", got)
	}
}

func TestBargeIn_InterruptsOncePerPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{replyBody: "A long winded answer."})
	gate := make(chan struct{})
	f.ttsProv.BlockUntil = gate
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "tell me everything", IsFinal: true}
	// Speak has started once its leading clear frame is on the wire.
	f.waitFor(func() bool { return f.sender.countEvent("clear") >= 1 })

	f.sttSess.PartialsCh <- stt.Transcript{Text: "actually stop talking"}
	f.waitFor(func() bool { return f.sender.countEvent("stop_tts") == 1 })

	f.sttSess.PartialsCh <- stt.Transcript{Text: "yes stop it right now"}
	time.Sleep(20 * time.Millisecond)
	if got := f.sender.countEvent("stop_tts"); got != 1 {
		t.Errorf("stop_tts sent %d times, want exactly 1 per playback", got)
	}
	close(gate)
}

func TestShortPartial_DoesNotInterrupt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{replyBody: "Let me explain."})
	gate := make(chan struct{})
	f.ttsProv.BlockUntil = gate
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "go ahead please", IsFinal: true}
	f.waitFor(func() bool { return f.sender.countEvent("clear") >= 1 })

	f.sttSess.PartialsCh <- stt.Transcript{Text: "uh"}
	time.Sleep(20 * time.Millisecond)
	if got := f.sender.countEvent("stop_tts"); got != 0 {
		t.Errorf("stop_tts sent %d times on a %d-char partial, want 0", got, len("uh"))
	}
	close(gate)
	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
}

func TestRecognizerError_IsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.start("")

	sessionErr := errors.New("stt: connection lost")
	f.sttSess.ErrorsCh <- sessionErr

	if err := f.waitDone(); !errors.Is(err, sessionErr) {
		t.Fatalf("Run() error = %v, want recognizer error", err)
	}
	if got := f.sess.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

func TestResponderFailure_MissesTurnNotCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{replyCode: http.StatusBadGateway})
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "hello there", IsFinal: true}
	time.Sleep(50 * time.Millisecond)

	if got := f.sender.countEvent("media"); got != 0 {
		t.Errorf("streamed %d media frames after responder failure, want 0", got)
	}
	if got := f.sess.State(); got != StateActive {
		t.Errorf("State = %v, want call to survive the missed turn", got)
	}
}

func TestCutCall_EndsCallAfterReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{replyBody: `{"assistant":"Goodbye now.","cut_call":true}`})
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "cancel my account", IsFinal: true}

	if err := f.waitDone(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.sender.countMark("endMark"); got != 1 {
		t.Errorf("endMark sent %d times, want the goodbye spoken first", got)
	}
	if got := f.sender.countEvent("stop"); got != 1 {
		t.Errorf("outbound stop sent %d times, want 1", got)
	}
}

func TestWelcomeMessage_TriggersFirstTurn(t *testing.T) {
	t.Parallel()
	call := defaultCall()
	call.WelcomeMessage = "Hi, thanks for calling."
	f := newFixture(t, fixtureOpts{replyBody: "Welcome! How can I help?", call: call})
	f.start("")

	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
	if got := f.ttsProv.SynthesizeCalls[0].Text; got != "Welcome! How can I help?" {
		t.Errorf("first reply = %q, want the responder's welcome turn", got)
	}
}

func TestSilenceWarning_SpokenThroughPlayback(t *testing.T) {
	t.Parallel()
	call := defaultCall()
	call.Silence.Warnings = []config.SilenceStep{
		{After: config.Duration(20 * time.Millisecond), Prompt: "Are you still there?"},
	}
	f := newFixture(t, fixtureOpts{call: call})
	f.start("")

	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
	if got := f.ttsProv.SynthesizeCalls[0].Text; got != "Are you still there?" {
		t.Errorf("synthesized %q, want the ladder prompt", got)
	}
}

func TestSilenceDisconnect_SpeaksGoodbyeAndStops(t *testing.T) {
	t.Parallel()
	call := defaultCall()
	call.Silence.Warnings = []config.SilenceStep{
		{After: config.Duration(10 * time.Millisecond), Prompt: "Hello?"},
	}
	call.Silence.DisconnectAfter = config.Duration(10 * time.Millisecond)
	call.Silence.DisconnectPrompt = "Goodbye."
	f := newFixture(t, fixtureOpts{call: call})
	f.start("")

	if err := f.waitDone(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.sender.countEvent("stop"); got != 1 {
		t.Errorf("outbound stop sent %d times, want 1", got)
	}
	found := false
	for _, c := range f.ttsProv.SynthesizeCalls {
		if c.Text == "Goodbye." {
			found = true
		}
	}
	if !found {
		t.Error("disconnect prompt was never synthesized")
	}
}

func TestFiller_PlaysWhileResponderThinks(t *testing.T) {
	t.Parallel()
	clip := make([]byte, 320)
	for i := range clip {
		clip[i] = byte(i)
	}
	f := newFixture(t, fixtureOpts{replyBody: "Here it is.", fillerClip: clip})
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "one moment question", IsFinal: true}
	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
	if got := f.sess.State(); got != StateActive {
		t.Errorf("State = %v, want active", got)
	}
	// Hold-audio marks echoed back must be filtered out before they reach
	// the response FIFO, so a second turn still completes cleanly.
	f.deliver(telephony.Frame{Event: telephony.EventMark, Mark: &telephony.MarkInfo{Name: "filler"}})
	f.sttSess.FinalsCh <- stt.Transcript{Text: "one more question", IsFinal: true}
	f.waitFor(func() bool { return f.sender.countMark("endMark") == 2 })
}

func TestFiller_SkippedWhileReplyStillPlaying(t *testing.T) {
	t.Parallel()
	clip := make([]byte, 960)
	for i := range clip {
		clip[i] = byte(i)
	}
	f := newFixture(t, fixtureOpts{
		replyBody:  "Right away.",
		replyDelay: 50 * time.Millisecond,
		fillerClip: clip,
	})
	f.start("")

	f.sttSess.FinalsCh <- stt.Transcript{Text: "first question please", IsFinal: true}
	f.waitFor(func() bool { return f.sender.countMark("filler") >= 1 })
	f.waitFor(func() bool { return f.sender.countMark("endMark") == 1 })
	time.Sleep(20 * time.Millisecond)

	// The marker acks never came back, so the first reply still owns the
	// wire. The next turn's round trip must run without hold audio: filler
	// frames would interleave with the reply that is still playing out.
	fillerBefore := f.sender.countMark("filler")
	f.sttSess.FinalsCh <- stt.Transcript{Text: "and one follow up question please", IsFinal: true}
	f.waitFor(func() bool { return f.sender.countMark("endMark") == 2 })

	if got := f.sender.countMark("filler"); got != fillerBefore {
		t.Errorf("filler marks went %d -> %d while a reply was playing, want none added", fillerBefore, got)
	}
}

func TestNew_ValidatesRequiredDeps(t *testing.T) {
	t.Parallel()
	_, err := New(SessionConfig{})
	if err == nil {
		t.Fatal("New(zero config) expected error")
	}
}
