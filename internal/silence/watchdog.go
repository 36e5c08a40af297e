// Package silence escalates through a configurable ladder of warning prompts
// when a caller stops talking, and finally requests a disconnect.
//
// The watchdog is armed per call. Caller activity at any point resets the
// ladder to the first step. A step that comes due while synthesized speech is
// playing is deferred rather than dropped: the firing is skipped and the
// session re-arms the same step once playback ends.
package silence

import (
	"log/slog"
	"sync"
	"time"
)

// Step is one rung of the escalation ladder: after After of uninterrupted
// silence, Prompt is spoken to the caller.
type Step struct {
	After  time.Duration
	Prompt string
}

// Config holds the ladder and the terminal disconnect policy.
type Config struct {
	// Steps is the ordered warning ladder. Later steps are armed only after
	// earlier ones have fired.
	Steps []Step

	// DisconnectAfter arms a terminal timer once the last warning has fired.
	// Zero disables the disconnect.
	DisconnectAfter time.Duration

	// DisconnectPrompt is spoken right before the disconnect is requested.
	DisconnectPrompt string
}

// Warning is an emitted ladder step.
type Warning struct {
	// Level is the zero-based index of the step that fired.
	Level int

	Prompt string
}

// Watchdog runs the silence escalation state machine for a single call.
// All methods are safe for concurrent use.
type Watchdog struct {
	cfg      Config
	speaking func() bool

	warnings    chan Warning
	disconnects chan string

	mu          sync.Mutex
	initialized bool
	level       int
	deferred    bool
	timer       *time.Timer
	timerSeq    int
}

// NewWatchdog creates a Watchdog. speaking is consulted at timer-fire time,
// not at arm time: a step that comes due mid-playback is deferred. A nil
// speaking func is treated as never speaking.
func NewWatchdog(cfg Config, speaking func() bool) *Watchdog {
	if speaking == nil {
		speaking = func() bool { return false }
	}
	return &Watchdog{
		cfg:         cfg,
		speaking:    speaking,
		warnings:    make(chan Warning, 4),
		disconnects: make(chan string, 1),
	}
}

// Warnings returns the channel on which ladder warnings are delivered.
func (w *Watchdog) Warnings() <-chan Warning {
	return w.warnings
}

// Disconnects returns the channel on which the terminal disconnect request is
// delivered, carrying the configured disconnect prompt.
func (w *Watchdog) Disconnects() <-chan string {
	return w.disconnects
}

// Initialize arms the first ladder step. It resets the warning level, so
// calling it again restarts the ladder.
func (w *Watchdog) Initialize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initialized = true
	w.level = 0
	w.deferred = false
	w.armLocked()
}

// Activity reports caller activity: all pending timers are cancelled and the
// ladder restarts from the first step. A no-op before Initialize.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized {
		return
	}
	w.level = 0
	w.deferred = false
	w.armLocked()
}

// Resume re-arms the step that was deferred because synthesized speech was
// playing when it came due. A no-op when nothing was deferred.
func (w *Watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized || !w.deferred {
		return
	}
	w.deferred = false
	w.armLocked()
}

// WarningLevel returns the current escalation level: the number of warnings
// that have fired since the last activity.
func (w *Watchdog) WarningLevel() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

// Cleanup cancels all pending timers and resets the watchdog to its initial
// state. Safe to call multiple times.
func (w *Watchdog) Cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimerLocked()
	w.initialized = false
	w.level = 0
	w.deferred = false
}

// armLocked cancels any pending timer and arms the timer for the current
// level, or the terminal disconnect timer once the ladder is exhausted.
// Must be called with w.mu held.
func (w *Watchdog) armLocked() {
	w.stopTimerLocked()

	var delay time.Duration
	if w.level < len(w.cfg.Steps) {
		delay = w.cfg.Steps[w.level].After
	} else if w.cfg.DisconnectAfter > 0 {
		delay = w.cfg.DisconnectAfter
	} else {
		return
	}

	w.timerSeq++
	seq := w.timerSeq
	w.timer = time.AfterFunc(delay, func() {
		w.fire(seq)
	})
}

// stopTimerLocked cancels the pending timer, if any. Must be called with
// w.mu held.
func (w *Watchdog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerSeq++
}

// fire handles a timer expiry. The speaking check happens here, at fire time,
// because the delay window may span a playback state change.
func (w *Watchdog) fire(seq int) {
	speaking := w.speaking()

	w.mu.Lock()
	if !w.initialized || seq != w.timerSeq {
		w.mu.Unlock()
		return
	}
	w.timer = nil

	if speaking {
		// Deferred, not lost: Resume re-arms this same step.
		w.deferred = true
		w.mu.Unlock()
		slog.Debug("silence timer deferred, synthesized speech playing",
			"level", w.level)
		return
	}

	if w.level >= len(w.cfg.Steps) {
		prompt := w.cfg.DisconnectPrompt
		w.mu.Unlock()
		select {
		case w.disconnects <- prompt:
		default:
		}
		return
	}

	step := w.cfg.Steps[w.level]
	level := w.level
	w.level++
	w.armLocked()
	w.mu.Unlock()

	select {
	case w.warnings <- Warning{Level: level, Prompt: step.Prompt}:
	default:
		slog.Warn("silence warning dropped, channel full", "level", level)
	}
}
