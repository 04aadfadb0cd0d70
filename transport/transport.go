// Package transport implements the fan-out channels that deliver run events
// to connected clients. Two flavors exist, SSE and WebSocket, both honoring
// the same contract: register a sink, replay the buffered events of the
// requested run, then stream new ones; a sink that fails a write is removed
// without propagating the failure.
package transport

import (
	"github.com/sudocode-ai/sudocode/events"
)

// Sink is one client connection endpoint. Implementations must be safe for
// use by the transport's broadcast goroutine.
type Sink interface {
	// Send delivers one event. An error removes the sink from the transport.
	Send(event events.Event) error
	// Heartbeat delivers a keep-alive.
	Heartbeat() error
	// Close terminates the connection. Must be idempotent.
	Close() error
}

// Transport fans events out to any number of connected clients.
type Transport interface {
	// Name identifies the transport flavor.
	Name() string
	// HandleConnection registers a sink. When runID is non-empty the buffered
	// events of that run from fromSeq onward are replayed in order before new
	// events stream; otherwise the sink receives global broadcasts.
	HandleConnection(clientID string, sink Sink, runID string, fromSeq int64) error
	// Broadcast best-effort delivers an event to every connected sink.
	Broadcast(event events.Event)
	// BroadcastToRun best-effort delivers an event to the sinks of one run.
	BroadcastToRun(runID string, event events.Event)
	// Disconnect removes one client.
	Disconnect(clientID string)
	// Shutdown terminates all sinks. Idempotent.
	Shutdown()
}
