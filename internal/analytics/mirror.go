// Package analytics mirrors a call's inbound audio to an auxiliary stream
// sink. The mirror is strictly fire-and-forget: the call path only enqueues
// frames into a bounded queue and the worker drops the oldest entry when the
// sink cannot keep up. A dead sink never slows a call down.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// DefaultBuffer is the mirror queue depth: a few seconds of 20 ms frames.
const DefaultBuffer = 128

// Sink receives the mirrored PCM frames.
type Sink interface {
	WriteFrame(ctx context.Context, frame audio.AudioFrame) error
	Close() error
}

// WSSink streams raw PCM over its own WebSocket connection.
type WSSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Sink = (*WSSink)(nil)

// DialWS connects to the analytics endpoint.
func DialWS(ctx context.Context, url string) (*WSSink, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("analytics: dial %s: %w", url, err)
	}
	return &WSSink{conn: conn}, nil
}

// WriteFrame implements [Sink] by writing the frame's PCM bytes as one
// binary message.
func (s *WSSink) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageBinary, frame.Data); err != nil {
		return fmt.Errorf("analytics: write frame: %w", err)
	}
	return nil
}

// Close implements [Sink].
func (s *WSSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "call ended")
}

// Mirror fans one call's audio out to a Sink without ever blocking the
// caller. Frames are resampled to the sink's rate on the worker goroutine.
type Mirror struct {
	sink Sink

	in       chan audio.AudioFrame
	finished chan struct{}
	closed   atomic.Bool
	once     sync.Once

	dropped  atomic.Int64
	warnOnce sync.Once

	target audio.Format
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithBuffer overrides the queue depth.
func WithBuffer(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.in = make(chan audio.AudioFrame, n)
		}
	}
}

// WithSampleRate sets the rate frames are converted to before hitting the
// sink. Defaults to the telephony rate, i.e. no conversion.
func WithSampleRate(rate int) Option {
	return func(m *Mirror) {
		if rate > 0 {
			m.target.SampleRate = rate
		}
	}
}

// NewMirror starts the worker goroutine for one call.
func NewMirror(sink Sink, opts ...Option) *Mirror {
	m := &Mirror{
		sink:     sink,
		in:       make(chan audio.AudioFrame, DefaultBuffer),
		finished: make(chan struct{}),
		target:   audio.Format{SampleRate: audio.TelephonyRate, Channels: 1},
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Enqueue hands one decoded frame to the mirror. Never blocks: when the
// queue is full the oldest frame is discarded to make room. Must not be
// called concurrently with Close; the session loop owns both.
func (m *Mirror) Enqueue(frame audio.AudioFrame) {
	if len(frame.Data) == 0 || m.closed.Load() {
		return
	}
	for {
		select {
		case m.in <- frame:
			return
		default:
		}
		select {
		case <-m.in:
			m.dropped.Add(1)
		default:
		}
	}
}

// Dropped reports how many frames were discarded under backpressure.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

func (m *Mirror) run() {
	defer close(m.finished)
	for frame := range audio.ConvertStream(m.in, m.target) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.sink.WriteFrame(ctx, frame)
		cancel()
		if err != nil {
			m.warnOnce.Do(func() {
				slog.Warn("analytics sink write failed, mirroring is best-effort", "error", err)
			})
			slog.Debug("analytics frame not delivered", "error", err)
		}
	}
}

// Close stops the worker and closes the sink. Idempotent.
func (m *Mirror) Close() error {
	var err error
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.in)
		<-m.finished
		err = m.sink.Close()
	})
	return err
}
