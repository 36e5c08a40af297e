// Package events publishes call lifecycle and transcript events to a Redis
// Stream for downstream consumers (CRM sync, QA tooling, post-call
// analytics).
//
// Publishing is fire-and-forget from the call session's point of view: a
// broker outage must never stall or kill a live call, so failures are logged
// and dropped.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type identifies a call event.
type Type string

const (
	// CallConnected fires once when the media stream's start frame arrives.
	CallConnected Type = "CALL_CONNECTED"

	// UserSpoke carries a finalized caller utterance.
	UserSpoke Type = "USER_SPOKE"

	// AgentSpoke carries the synthesized agent reply.
	AgentSpoke Type = "AIAGENT_SPOKE"

	// CallEnded fires once when the call tears down.
	CallEnded Type = "CALL_ENDED"

	// PostCallSummary carries aggregate call statistics after teardown.
	PostCallSummary Type = "POST_CALL_SUMMARY_READY"
)

// Publisher appends call events to a single Redis Stream. It is safe for
// concurrent use across calls.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewPublisher creates a Publisher writing to stream. maxLen bounds the
// stream length (approximate trimming); zero disables trimming.
func NewPublisher(client redis.UniversalClient, stream string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// publish appends one entry. Errors are logged, never returned.
func (p *Publisher) publish(ctx context.Context, values map[string]any) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		slog.Warn("event publish failed",
			"stream", p.stream,
			"event", values["event"],
			"err", err)
	}
}

// ForCall returns a per-call publisher that stamps every event with the call
// ID and maintains the call's turn counter.
func (p *Publisher) ForCall(callID string) *CallPublisher {
	return &CallPublisher{pub: p, callID: callID}
}

// CallPublisher publishes events for one call. Safe for concurrent use.
type CallPublisher struct {
	pub    *Publisher
	callID string

	turn        atomic.Int64
	summaryOnce sync.Once
}

// CallEvent publishes a lifecycle event such as [CallConnected] or
// [CallEnded].
func (cp *CallPublisher) CallEvent(ctx context.Context, typ Type) {
	cp.pub.publish(ctx, map[string]any{
		"event":     string(typ),
		"call_id":   cp.callID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	slog.Debug("call event published", "call_id", cp.callID, "event", typ)
}

// Transcript publishes one conversation turn ([UserSpoke] or [AgentSpoke]).
// Turns are numbered sequentially per call across both speakers.
func (cp *CallPublisher) Transcript(ctx context.Context, typ Type, text string, extra map[string]string) {
	turn := cp.turn.Add(1)
	values := map[string]any{
		"event":     string(typ),
		"call_id":   cp.callID,
		"turn":      fmt.Sprintf("%d", turn),
		"text":      text,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		values[k] = v
	}
	cp.pub.publish(ctx, values)
}

// Summary publishes the post-call summary exactly once; repeated calls are
// no-ops.
func (cp *CallPublisher) Summary(ctx context.Context, data map[string]string) {
	cp.summaryOnce.Do(func() {
		values := map[string]any{
			"event":     string(PostCallSummary),
			"call_id":   cp.callID,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		for k, v := range data {
			values[k] = v
		}
		cp.pub.publish(ctx, values)
	})
}

// Turns returns the number of transcript turns published so far.
func (cp *CallPublisher) Turns() int64 {
	return cp.turn.Load()
}
