package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/events"
)

// WSTransport fans events out over WebSocket connections.
type WSTransport struct {
	*hub
}

// NewWS creates the WebSocket transport backed by the shared event buffer.
func NewWS(logger *logrus.Entry, buffer *events.Buffer) *WSTransport {
	return &WSTransport{hub: newHub("ws-transport", logger, buffer)}
}

// WSSink adapts a gorilla connection to the Sink interface. gorilla
// connections allow a single concurrent writer, so writes are serialized.
type WSSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSSink wraps an upgraded WebSocket connection.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

// Send implements Sink.
func (s *WSSink) Send(event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(event)
}

// Heartbeat implements Sink with a WebSocket ping frame.
func (s *WSSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	return s.conn.WriteControl(websocket.PingMessage, nil,
		time.Now().Add(10*time.Second))
}

// Close implements Sink.
func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

var (
	_ Sink      = (*WSSink)(nil)
	_ Transport = (*WSTransport)(nil)
	_ Transport = (*SSETransport)(nil)
)
