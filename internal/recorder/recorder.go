// Package recorder captures both legs of a call as WAV files.
//
// Audio arrives as raw μ-law frames straight off the wire; a background
// writer decodes them to PCM and accumulates per-track buffers, so the call's
// hot path only does a non-blocking channel send. Files are written at
// teardown; uploading them anywhere is somebody else's job.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// Track identifies which call leg a chunk belongs to.
type Track int

const (
	TrackCaller Track = iota
	TrackAgent
)

func (t Track) String() string {
	switch t {
	case TrackCaller:
		return "caller"
	case TrackAgent:
		return "agent"
	default:
		return fmt.Sprintf("track(%d)", int(t))
	}
}

// DefaultBuffer is the writer queue depth. At 20 ms per frame this holds
// several seconds of backlog before chunks get dropped.
const DefaultBuffer = 256

type chunk struct {
	track Track
	data  []byte
}

// Recorder accumulates one call's audio and flushes it to disk on Close.
// Write methods never block; chunks are dropped (and counted) when the
// writer falls behind.
type Recorder struct {
	dir        string
	callID     string
	sampleRate int

	in       chan chunk
	done     chan struct{}
	finished chan struct{}
	closeone sync.Once

	mu      sync.Mutex
	dropped int

	// owned by the writer goroutine until finished is closed
	tracks map[Track][]byte
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSampleRate sets the output rate of the WAV files. Audio is upsampled
// from the 8 kHz telephony rate when a higher rate is requested.
func WithSampleRate(rate int) Option {
	return func(r *Recorder) {
		if rate > 0 {
			r.sampleRate = rate
		}
	}
}

// WithBuffer overrides the writer queue depth.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.in = make(chan chunk, n)
		}
	}
}

// New starts a recorder for one call. Files land in dir, which is created on
// Close if missing.
func New(dir, callID string, opts ...Option) *Recorder {
	r := &Recorder{
		dir:        dir,
		callID:     callID,
		sampleRate: audio.TelephonyRate,
		in:         make(chan chunk, DefaultBuffer),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
		tracks:     make(map[Track][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// WriteCaller enqueues a μ-law frame from the caller leg.
func (r *Recorder) WriteCaller(ulaw []byte) { r.write(TrackCaller, ulaw) }

// WriteAgent enqueues a μ-law frame of synthesized agent audio.
func (r *Recorder) WriteAgent(ulaw []byte) { r.write(TrackAgent, ulaw) }

func (r *Recorder) write(track Track, ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	data := make([]byte, len(ulaw))
	copy(data, ulaw)
	select {
	case r.in <- chunk{track: track, data: data}:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped reports how many chunks were discarded because the writer queue
// was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.finished)
	for {
		select {
		case c := <-r.in:
			r.append(c)
		case <-r.done:
			// drain whatever was queued before shutdown
			for {
				select {
				case c := <-r.in:
					r.append(c)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) append(c chunk) {
	pcm := audio.DecodeULaw(c.data)
	if r.sampleRate != audio.TelephonyRate {
		pcm = audio.ResampleMono16(pcm, audio.TelephonyRate, r.sampleRate)
	}
	r.tracks[c.track] = append(r.tracks[c.track], pcm...)
}

// Close drains the queue and writes one WAV file per non-empty track,
// returning the paths written. Safe to call once; later Write calls become
// no-ops.
func (r *Recorder) Close() ([]string, error) {
	r.closeone.Do(func() { close(r.done) })
	<-r.finished

	var paths []string
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	ts := time.Now().UnixMilli()
	for _, track := range []Track{TrackCaller, TrackAgent} {
		pcm := r.tracks[track]
		if len(pcm) == 0 {
			continue
		}
		wav, err := encodeWAV(pcm, r.sampleRate)
		if err != nil {
			return paths, err
		}
		name := fmt.Sprintf("%s_%s_%d.wav", r.callID, track, ts)
		path := filepath.Join(r.dir, name)
		if err := os.WriteFile(path, wav, 0o644); err != nil {
			return paths, fmt.Errorf("recorder: write %s: %w", name, err)
		}
		slog.Info("recording saved",
			"call_id", r.callID, "track", track.String(), "path", path, "bytes", len(wav))
		paths = append(paths, path)
	}
	if dropped := r.Dropped(); dropped > 0 {
		slog.Warn("recording dropped chunks under backpressure",
			"call_id", r.callID, "dropped", dropped)
	}
	return paths, nil
}
