package events

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestPublisher(t *testing.T, maxLen int64) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPublisher(client, "call-events", maxLen), mr
}

func readAll(t *testing.T, mr *miniredis.Miniredis) []miniredis.StreamEntry {
	t.Helper()
	entries, err := mr.Stream("call-events")
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	return entries
}

// field extracts a key's value from a flat field-value list.
func field(entry miniredis.StreamEntry, key string) string {
	for i := 0; i+1 < len(entry.Values); i += 2 {
		if entry.Values[i] == key {
			return entry.Values[i+1]
		}
	}
	return ""
}

func TestCallEvent(t *testing.T) {
	pub, mr := newTestPublisher(t, 0)
	cp := pub.ForCall("CA100")

	cp.CallEvent(context.Background(), CallConnected)

	entries := readAll(t, mr)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := field(entries[0], "event"); got != "CALL_CONNECTED" {
		t.Errorf("event = %q, want CALL_CONNECTED", got)
	}
	if got := field(entries[0], "call_id"); got != "CA100" {
		t.Errorf("call_id = %q, want CA100", got)
	}
	if field(entries[0], "timestamp") == "" {
		t.Error("missing timestamp field")
	}
}

func TestTranscript_TurnNumbering(t *testing.T) {
	pub, mr := newTestPublisher(t, 0)
	cp := pub.ForCall("CA100")
	ctx := context.Background()

	cp.Transcript(ctx, UserSpoke, "hello", map[string]string{"speaker": "user"})
	cp.Transcript(ctx, AgentSpoke, "hi there", map[string]string{
		"speaker":     "ai_agent",
		"interrupted": "false",
	})
	cp.Transcript(ctx, UserSpoke, "I have a question", nil)

	entries := readAll(t, mr)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"1", "2", "3"} {
		if got := field(entries[i], "turn"); got != want {
			t.Errorf("entry %d turn = %q, want %q", i, got, want)
		}
	}
	if got := field(entries[1], "speaker"); got != "ai_agent" {
		t.Errorf("speaker = %q, want ai_agent", got)
	}
	if got := field(entries[1], "text"); got != "hi there" {
		t.Errorf("text = %q, want %q", got, "hi there")
	}
	if cp.Turns() != 3 {
		t.Errorf("Turns() = %d, want 3", cp.Turns())
	}
}

func TestTranscript_TurnsIndependentAcrossCalls(t *testing.T) {
	pub, mr := newTestPublisher(t, 0)
	ctx := context.Background()

	a := pub.ForCall("CA-A")
	b := pub.ForCall("CA-B")
	a.Transcript(ctx, UserSpoke, "first on A", nil)
	b.Transcript(ctx, UserSpoke, "first on B", nil)

	entries := readAll(t, mr)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if got := field(e, "turn"); got != "1" {
			t.Errorf("call %s turn = %q, want 1", field(e, "call_id"), got)
		}
	}
}

func TestSummary_PublishedOnce(t *testing.T) {
	pub, mr := newTestPublisher(t, 0)
	cp := pub.ForCall("CA100")
	ctx := context.Background()

	cp.Summary(ctx, map[string]string{"turns": "4", "duration_ms": "61234"})
	cp.Summary(ctx, map[string]string{"turns": "9"})

	entries := readAll(t, mr)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (summary must publish once)", len(entries))
	}
	if got := field(entries[0], "event"); got != "POST_CALL_SUMMARY_READY" {
		t.Errorf("event = %q", got)
	}
	if got := field(entries[0], "turns"); got != "4" {
		t.Errorf("turns = %q, want 4 (from first publish)", got)
	}
}

func TestPublish_BrokerDownDoesNotPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pub := NewPublisher(client, "call-events", 0)
	cp := pub.ForCall("CA100")

	mr.Close()

	// Fire-and-forget: must not panic or return an error path to the caller.
	cp.CallEvent(context.Background(), CallEnded)
	cp.Transcript(context.Background(), UserSpoke, "hello", nil)
}
