package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/events"
)

// hub is the shared connection registry behind both transport flavors.
type hub struct {
	name   string
	logger *logrus.Entry
	buffer *events.Buffer

	mu      sync.RWMutex
	clients map[string]*hubClient
	closed  bool
}

type hubClient struct {
	id       string
	sink     Sink
	runID    string // empty = global broadcasts
	joinedAt time.Time
	lastBeat time.Time
}

func newHub(name string, logger *logrus.Entry, buffer *events.Buffer) *hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &hub{
		name:    name,
		logger:  logger.WithField("component", name),
		buffer:  buffer,
		clients: make(map[string]*hubClient),
	}
}

// Name implements Transport.
func (h *hub) Name() string { return h.name }

// HandleConnection implements Transport.
func (h *hub) HandleConnection(clientID string, sink Sink, runID string, fromSeq int64) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%s transport is shut down", h.name)
	}
	if existing, ok := h.clients[clientID]; ok {
		existing.sink.Close()
	}
	now := time.Now()
	h.clients[clientID] = &hubClient{
		id:       clientID,
		sink:     sink,
		runID:    runID,
		joinedAt: now,
		lastBeat: now,
	}
	h.mu.Unlock()

	// The connected event tells the client its id before any replay.
	connected := events.New(events.TypeConnected, runID, map[string]interface{}{
		"clientId": clientID,
	})
	if err := sink.Send(connected); err != nil {
		h.Disconnect(clientID)
		return fmt.Errorf("greeting client %s: %w", clientID, err)
	}

	if runID != "" && h.buffer != nil {
		for _, e := range h.buffer.Get(runID, fromSeq) {
			if err := sink.Send(e); err != nil {
				h.Disconnect(clientID)
				return fmt.Errorf("replaying to client %s: %w", clientID, err)
			}
		}
	}

	h.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"run_id":    runID,
	}).Debug("Client connected")
	return nil
}

// Broadcast implements Transport.
func (h *hub) Broadcast(event events.Event) {
	h.send(event, func(c *hubClient) bool { return true })
}

// BroadcastToRun implements Transport.
func (h *hub) BroadcastToRun(runID string, event events.Event) {
	h.send(event, func(c *hubClient) bool {
		return c.runID == runID || c.runID == ""
	})
}

// send delivers the event to matching sinks; failing sinks are removed and
// never fail the caller.
func (h *hub) send(event events.Event, match func(*hubClient) bool) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.sink.Send(event); err != nil {
			h.logger.WithError(err).WithField("client_id", c.id).
				Debug("Removing client after failed write")
			h.Disconnect(c.id)
		}
	}
}

// Disconnect implements Transport.
func (h *hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		c.sink.Close()
	}
}

// Shutdown implements Transport.
func (h *hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.sink.Close()
	}
	h.logger.WithField("clients", len(clients)).Info("Transport shut down")
}

// ClientCount returns the number of connected clients.
func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartHeartbeat sends periodic keep-alives on every connection until ctx
// is done. Clients whose sink rejects the heartbeat are removed; clients
// that have not accepted one beyond three intervals are considered stale
// and dropped.
func (h *hub) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(interval)
			}
		}
	}()
}

func (h *hub) beat(interval time.Duration) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	staleCutoff := time.Now().Add(-3 * interval)
	for _, c := range targets {
		if err := c.sink.Heartbeat(); err != nil {
			h.Disconnect(c.id)
			continue
		}
		h.mu.Lock()
		if tracked, ok := h.clients[c.id]; ok {
			if tracked.lastBeat.Before(staleCutoff) {
				h.mu.Unlock()
				h.Disconnect(c.id)
				continue
			}
			tracked.lastBeat = time.Now()
		}
		h.mu.Unlock()
	}
}
