package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/events"
)

// SSETransport fans events out over Server-Sent Events connections.
type SSETransport struct {
	*hub
}

// NewSSE creates the SSE transport backed by the shared event buffer.
func NewSSE(logger *logrus.Entry, buffer *events.Buffer) *SSETransport {
	return &SSETransport{hub: newHub("sse-transport", logger, buffer)}
}

// SSESink writes SSE frames to an http.ResponseWriter. One sink serves one
// client connection; writes are serialized by a mutex because broadcasts
// and heartbeats arrive from different goroutines.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSESink prepares a response writer for event streaming and writes the
// required headers.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Send implements Sink. Frames follow the wire format
// "event: <type>\nid: <seq>\ndata: <json>\n\n".
func (s *SSESink) Send(event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n",
		event.Type, event.Seq, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat implements Sink with an SSE comment line.
func (s *SSESink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close implements Sink.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Done is closed when the sink is torn down; HTTP handlers block on it to
// keep the response open.
func (s *SSESink) Done() <-chan struct{} {
	return s.done
}
