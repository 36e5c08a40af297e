// Package playback streams synthesized audio to the telephony edge, enforcing
// the per-call serialization and barge-in contract.
//
// At most one response is ever on the wire per call: a second Speak while a
// prior one is still draining interrupts the in-flight stream and waits for
// the playback slot. Interruption is cooperative — the streaming loop checks
// the flag at frame boundaries, never mid-frame.
//
// Progress tracking uses the edge's marker protocol: after every audio frame
// a named marker is sent, which the edge acknowledges once the preceding
// audio has actually played. Acks are assumed to arrive in send order, so a
// FIFO queue suffices.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/telephony"
)

// Marker names understood by the edge and the mark-ack handler.
const (
	// MarkResponsePart follows every audio frame of a response.
	MarkResponsePart = "responsePart"

	// MarkEnd closes a response; its ack means the caller has heard the
	// whole reply.
	MarkEnd = "endMark"
)

// DefaultFrameInterval is the pacing delay between outbound audio frames:
// slightly under the 20 ms of audio each frame carries, so the edge's buffer
// stays ahead of real time without flooding.
const DefaultFrameInterval = 15 * time.Millisecond

// ErrClosed is returned by Speak after Close.
var ErrClosed = errors.New("playback controller closed")

// ErrInterrupted is returned by Speak when the stream was cut short by a
// barge-in or a newer response.
var ErrInterrupted = errors.New("playback interrupted")

// stream is one in-flight playback instance with its own interruption flag.
// The cancelled channel wakes a streaming loop blocked waiting for synthesis
// output.
type stream struct {
	interrupted atomic.Bool
	cancelled   chan struct{}
}

func newStream() *stream {
	return &stream{cancelled: make(chan struct{})}
}

// interrupt flips the flag exactly once per stream; later calls return false.
func (st *stream) interrupt() bool {
	if st.interrupted.CompareAndSwap(false, true) {
		close(st.cancelled)
		return true
	}
	return false
}

// Controller owns the outbound audio path for one call.
// All methods are safe for concurrent use.
type Controller struct {
	sender        telephony.Sender
	streamSid     string
	frameInterval time.Duration

	// slot is the playback serialization lock: holding the single token
	// means owning the wire.
	slot chan struct{}
	done chan struct{}
	once sync.Once

	speaking atomic.Bool

	mu        sync.Mutex
	current   *stream
	markQueue []string
	onEndAck  func()
}

// Option configures a [Controller].
type Option func(*Controller)

// WithFrameInterval overrides the pacing delay between audio frames.
func WithFrameInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.frameInterval = d
		}
	}
}

// WithEndAckFunc installs a hook invoked when the end-of-response marker is
// acknowledged, e.g. to stop background filler audio.
func WithEndAckFunc(fn func()) Option {
	return func(c *Controller) {
		c.onEndAck = fn
	}
}

// NewController creates a Controller bound to one call's media stream.
func NewController(sender telephony.Sender, streamSid string, opts ...Option) *Controller {
	c := &Controller{
		sender:        sender,
		streamSid:     streamSid,
		frameInterval: DefaultFrameInterval,
		slot:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speaking reports whether a response is currently audible to the caller:
// true from Speak until the end marker is acknowledged or an interruption.
func (c *Controller) Speaking() bool {
	return c.speaking.Load()
}

// Speak streams one synthesized response, reading audio chunks until the
// channel closes. It interrupts any in-flight playback, waits for the
// playback slot, and returns [ErrInterrupted] if this stream was itself cut
// short. Send failures are logged and end the stream without being treated
// as fatal to the call.
func (c *Controller) Speak(ctx context.Context, chunks <-chan []byte) error {
	c.mu.Lock()
	if c.current != nil {
		c.current.interrupt()
	}
	st := newStream()
	c.current = st
	c.markQueue = c.markQueue[:0]
	c.mu.Unlock()

	c.speaking.Store(true)

	// Discard any audio still queued client-side from the previous response
	// before the new one starts.
	if err := c.sender.Send(ctx, telephony.ClearFrame(c.streamSid)); err != nil {
		slog.Warn("failed to send clear frame", "stream_sid", c.streamSid, "err", err)
	}

	select {
	case c.slot <- struct{}{}:
	case <-st.cancelled:
		c.finish(st)
		go audio.Drain(chunks)
		return ErrInterrupted
	case <-ctx.Done():
		c.finish(st)
		go audio.Drain(chunks)
		return ctx.Err()
	case <-c.done:
		c.finish(st)
		go audio.Drain(chunks)
		return ErrClosed
	}

	err := c.streamAudio(ctx, st, chunks)
	<-c.slot

	c.mu.Lock()
	current := c.current == st
	c.mu.Unlock()

	// The end marker tells the edge (and us, via its ack) where the response
	// really ends, interrupted or not. A superseded stream skips it: the
	// replacement already cleared the wire, owns the marker queue, and will
	// send its own end marker.
	if current {
		c.sendMark(ctx, MarkEnd)
	}

	if err != nil {
		c.finish(st)
	}
	return err
}

// streamAudio runs the paced frame loop for one stream.
func (c *Controller) streamAudio(ctx context.Context, st *stream, chunks <-chan []byte) error {
	for {
		if st.interrupted.Load() {
			go audio.Drain(chunks)
			return ErrInterrupted
		}

		select {
		case <-st.cancelled:
			go audio.Drain(chunks)
			return ErrInterrupted
		case <-ctx.Done():
			go audio.Drain(chunks)
			return ctx.Err()
		case <-c.done:
			go audio.Drain(chunks)
			return ErrClosed
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			// The select may pick a ready chunk over a simultaneous
			// cancellation; re-check so no frame goes out after the edge
			// was told to flush.
			if st.interrupted.Load() {
				go audio.Drain(chunks)
				return ErrInterrupted
			}
			if len(chunk) == 0 {
				continue
			}

			payload := base64.StdEncoding.EncodeToString(chunk)
			if err := c.sender.Send(ctx, telephony.MediaFrame(c.streamSid, payload)); err != nil {
				slog.Warn("failed to send media frame",
					"stream_sid", c.streamSid, "err", err)
				go audio.Drain(chunks)
				return err
			}
			c.sendMark(ctx, MarkResponsePart)

			select {
			case <-time.After(c.frameInterval):
			case <-ctx.Done():
				go audio.Drain(chunks)
				return ctx.Err()
			}
		}
	}
}

// sendMark sends a named marker and records it in the pending queue.
func (c *Controller) sendMark(ctx context.Context, name string) {
	if err := c.sender.Send(ctx, telephony.MarkFrame(c.streamSid, name)); err != nil {
		slog.Warn("failed to send mark frame",
			"stream_sid", c.streamSid, "mark", name, "err", err)
		return
	}
	c.mu.Lock()
	c.markQueue = append(c.markQueue, name)
	c.mu.Unlock()
}

// Interrupt cuts short the in-flight playback at the next frame boundary and
// notifies the edge to flush its buffered audio. It returns true only the
// first time it takes effect for a given playback instance, so callers get
// barge-in idempotence for free.
func (c *Controller) Interrupt(ctx context.Context) bool {
	c.mu.Lock()
	st := c.current
	c.mu.Unlock()

	if st == nil || !st.interrupt() {
		return false
	}

	// A newer Speak may have taken the wire since st was read; its state
	// must survive this interrupt.
	c.mu.Lock()
	if c.current == st {
		c.speaking.Store(false)
		c.markQueue = c.markQueue[:0]
	}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, telephony.ClearFrame(c.streamSid)); err != nil {
		slog.Warn("failed to send clear frame on interrupt",
			"stream_sid", c.streamSid, "err", err)
	}
	if err := c.sender.Send(ctx, telephony.StopTTSFrame(c.streamSid)); err != nil {
		slog.Warn("failed to send stop_tts frame",
			"stream_sid", c.streamSid, "err", err)
	}
	return true
}

// OnMarkerAck processes a marker acknowledgment from the edge, dequeueing the
// oldest pending marker. An end-of-response ack flips the speaking state and
// fires the end hook.
func (c *Controller) OnMarkerAck(name string) {
	c.mu.Lock()
	if len(c.markQueue) > 0 {
		c.markQueue = c.markQueue[1:]
	}
	remaining := len(c.markQueue)
	hook := c.onEndAck
	c.mu.Unlock()

	if name == MarkEnd {
		c.speaking.Store(false)
		slog.Debug("end-of-response marker acknowledged",
			"stream_sid", c.streamSid, "pending_marks", remaining)
		if hook != nil {
			hook()
		}
	}
}

// PendingMarkers returns the number of sent-but-unacknowledged markers.
func (c *Controller) PendingMarkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.markQueue)
}

// finish clears the speaking state for a stream that ended abnormally. A
// newer Speak may already own the wire and have stored its own speaking
// state, so the clear applies only while st is still the current stream.
func (c *Controller) finish(st *stream) {
	st.interrupt()
	c.mu.Lock()
	if c.current == st {
		c.speaking.Store(false)
	}
	c.mu.Unlock()
}

// Close releases any blocked or in-flight Speak promptly. Subsequent Speak
// calls return [ErrClosed]. Close is idempotent.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		if c.current != nil {
			c.current.interrupt()
		}
		c.mu.Unlock()
		c.speaking.Store(false)
		close(c.done)
	})
}
