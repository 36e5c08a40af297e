// Package transcript turns the raw partial/final transcript stream from the
// recognizer into discrete caller utterances.
//
// Final transcripts carry a trustworthy utterance boundary and are emitted
// immediately. Partial transcripts are unreliable as content but their timing
// is the best available signal that the caller has paused: each partial
// (re)arms a single debounce timer, and if no newer submission arrives before
// it expires, any stored final text is flushed. A call with no final text yet
// produces nothing on timer expiry.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is the wait window after the last partial submission before
// the speaker is considered done with the turn.
const DefaultDebounce = 1000 * time.Millisecond

// Manager accumulates recognizer output for one call and emits complete
// utterances on the channel returned by [Manager.Utterances].
//
// Manager is safe for concurrent use.
type Manager struct {
	debounce time.Duration
	out      chan string
	done     chan struct{}

	mu       sync.Mutex
	partial  string
	final    string
	timer    *time.Timer
	timerSeq int
	closed   bool
}

// NewManager creates a Manager with the given debounce window. A zero or
// negative debounce falls back to [DefaultDebounce].
func NewManager(debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		debounce: debounce,
		out:      make(chan string, 8),
		done:     make(chan struct{}),
	}
}

// Utterances returns the channel on which complete utterances are delivered.
// The channel is never closed; callers should stop reading after [Manager.Close].
func (m *Manager) Utterances() <-chan string {
	return m.out
}

// Submit feeds one recognizer result into the manager. Final submissions emit
// an utterance immediately. Partial submissions restart the debounce timer.
// Empty or whitespace-only text is ignored.
func (m *Manager) Submit(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if isFinal {
		m.final = text
		utterance := m.takeLocked()
		m.mu.Unlock()
		m.emit(utterance)
		return
	}

	m.partial = text
	m.resetTimerLocked()
	m.mu.Unlock()
}

// resetTimerLocked cancels any pending debounce timer and arms a fresh one.
// Must be called with m.mu held.
func (m *Manager) resetTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.debounce, func() {
		m.flush(seq)
	})
}

// flush is the debounce timer callback. Only a stored final is ever emitted
// from here; the timer firing with no final text means the partials never
// resolved into a trustworthy utterance.
func (m *Manager) flush(seq int) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	if m.final == "" {
		slog.Debug("transcript debounce expired without final text",
			"partial", m.partial)
		m.partial = ""
		m.timer = nil
		m.mu.Unlock()
		return
	}
	utterance := m.takeLocked()
	m.mu.Unlock()
	m.emit(utterance)
}

// takeLocked returns the stored final text and clears all transcript state.
// Must be called with m.mu held.
func (m *Manager) takeLocked() string {
	utterance := m.final
	m.partial = ""
	m.final = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
	return utterance
}

// emit delivers an utterance unless the manager has been closed.
func (m *Manager) emit(utterance string) {
	if utterance == "" {
		return
	}
	select {
	case m.out <- utterance:
	case <-m.done:
	}
}

// Close cancels any pending timer and discards buffered state. Submissions
// after Close are ignored. Close is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.partial = ""
	m.final = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.done)
}
