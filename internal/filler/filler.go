// Package filler loops a short μ-law clip toward the caller while a response
// is being generated, masking responder and synthesis latency.
//
// The looper is an independent worker: the session only sends start/stop
// commands over a channel and never touches its internals. Audio is paced as
// raw 160-byte frames (20 ms at 8 kHz) so the edge's jitter buffer treats it
// like any other playback.
package filler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/telephony"
)

// MarkFiller follows every filler frame so its acks can be told apart from
// response markers.
const MarkFiller = "filler"

// DefaultChunkSize is one 20 ms μ-law frame at 8 kHz.
const DefaultChunkSize = 160

// DefaultInterval paces frames slightly faster than real time, matching the
// cadence the edge expects for hold audio.
const DefaultInterval = 10 * time.Millisecond

// ErrNoAudio is returned by New when the clip is empty.
var ErrNoAudio = errors.New("filler: empty audio clip")

type command int

const (
	cmdStart command = iota
	cmdStop
)

// Looper streams a preloaded μ-law clip in an endless loop until stopped.
// Start and Stop are safe for concurrent use and never block on the audio
// path itself.
type Looper struct {
	sender    telephony.Sender
	streamSid string
	clip      []byte
	chunkSize int
	interval  time.Duration

	cmds chan command
	done chan struct{}
	once sync.Once
}

// Option configures a Looper.
type Option func(*Looper)

// WithChunkSize overrides the frame size in bytes.
func WithChunkSize(n int) Option {
	return func(l *Looper) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

// WithInterval overrides the pacing delay between frames.
func WithInterval(d time.Duration) Option {
	return func(l *Looper) {
		if d > 0 {
			l.interval = d
		}
	}
}

// LoadClip reads a raw μ-law file into memory for use with New.
func LoadClip(path string) ([]byte, error) {
	clip, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filler: read clip: %w", err)
	}
	return clip, nil
}

// New creates a Looper for one call's outbound stream and starts its worker
// goroutine in the stopped state.
func New(sender telephony.Sender, streamSid string, clip []byte, opts ...Option) (*Looper, error) {
	if len(clip) == 0 {
		return nil, ErrNoAudio
	}
	l := &Looper{
		sender:    sender,
		streamSid: streamSid,
		clip:      clip,
		chunkSize: DefaultChunkSize,
		interval:  DefaultInterval,
		cmds:      make(chan command, 4),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l, nil
}

// Start begins looping the clip. A no-op while already playing.
func (l *Looper) Start() { l.send(cmdStart) }

// Stop halts the loop and clears any buffered filler audio at the edge.
// A no-op while already stopped.
func (l *Looper) Stop() { l.send(cmdStop) }

func (l *Looper) send(c command) {
	select {
	case l.cmds <- c:
	case <-l.done:
	}
}

// Close stops the worker goroutine. Idempotent.
func (l *Looper) Close() {
	l.once.Do(func() { close(l.done) })
}

// run owns all looper state. Playback position survives a stop so a later
// start resumes mid-clip instead of replaying the intro.
func (l *Looper) run() {
	var (
		playing bool
		pos     int
		ticker  *time.Ticker
		ticks   <-chan time.Time
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			ticks = nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-l.done:
			return
		case cmd := <-l.cmds:
			switch cmd {
			case cmdStart:
				if playing {
					continue
				}
				playing = true
				ticker = time.NewTicker(l.interval)
				ticks = ticker.C
			case cmdStop:
				if !playing {
					continue
				}
				playing = false
				stopTicker()
				l.clear()
			}
		case <-ticks:
			end := pos + l.chunkSize
			if end > len(l.clip) {
				end = len(l.clip)
			}
			chunk := l.clip[pos:end]
			pos = end
			if pos >= len(l.clip) {
				pos = 0
			}
			if err := l.sendChunk(chunk); err != nil {
				slog.Warn("filler send failed, stopping loop",
					"stream_sid", l.streamSid, "error", err)
				playing = false
				stopTicker()
			}
		}
	}
}

func (l *Looper) sendChunk(chunk []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.interval*4)
	defer cancel()
	payload := base64.StdEncoding.EncodeToString(chunk)
	if err := l.sender.Send(ctx, telephony.MediaFrame(l.streamSid, payload)); err != nil {
		return err
	}
	return l.sender.Send(ctx, telephony.MarkFrame(l.streamSid, MarkFiller))
}

func (l *Looper) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.sender.Send(ctx, telephony.ClearFrame(l.streamSid)); err != nil {
		slog.Warn("filler clear failed", "stream_sid", l.streamSid, "error", err)
	}
}
