package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed reports that no entry in a [FallbackGroup] could serve the
// call, whether by failing outright or by having a tripped breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is applied to the circuit breaker of every entry joining a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// guarded pairs one provider with the breaker that isolates it.
type guarded[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// attempt runs fn through the entry's breaker and logs a skip or failure.
func (g *guarded[T]) attempt(fn func(T) error) error {
	err := g.breaker.Execute(func() error { return fn(g.value) })
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		slog.Debug("skipping provider (circuit open)", "provider", g.name)
	default:
		slog.Warn("provider failed, trying next", "provider", g.name, "error", err)
	}
	return err
}

// FallbackGroup chains a primary and any number of fallbacks of one
// provider type. Entries are tried in registration order; a tripped breaker
// skips its entry without spending a call on it.
//
// Safe for concurrent use once assembled. AddFallback is not synchronized
// with Execute, so register all fallbacks before serving traffic.
type FallbackGroup[T any] struct {
	entries []guarded[T]
	cfg     FallbackConfig
}

// NewFallbackGroup starts a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends one more provider, tried after everything already
// registered.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, guarded[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute runs fn against each entry until one succeeds. When every entry
// fails it returns [ErrAllFailed] wrapping the last error seen.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		if err := fg.entries[i].attempt(fn); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a free function because methods cannot add type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		var result R
		err := fg.entries[i].attempt(func(v T) error {
			var innerErr error
			result, innerErr = fn(v)
			return innerErr
		})
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
