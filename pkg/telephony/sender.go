package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Sender delivers outbound frames to the media edge. Implementations must be
// safe for concurrent use: the playback path, the silence watchdog, and the
// teardown path all send without external coordination.
type Sender interface {
	// Send marshals and writes a single frame. It returns once the frame has
	// been handed to the transport or the context is done.
	Send(ctx context.Context, f Frame) error
}

// WSSender is a [Sender] backed by a WebSocket connection. A mutex serializes
// writes; the underlying connection permits only one writer at a time.
type WSSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Sender = (*WSSender)(nil)

// NewWSSender wraps an established connection.
func NewWSSender(conn *websocket.Conn) *WSSender {
	return &WSSender{conn: conn}
}

// Send implements [Sender].
func (s *WSSender) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s frame: %w", f.Event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write %s frame: %w", f.Event, err)
	}
	return nil
}
