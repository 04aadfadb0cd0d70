package transport

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/events"
)

// Manager decouples run adapters from the transports. Adapters are
// connected at run start and disconnected at run end; every emit is
// mirrored into the per-run event buffer (which assigns the sequence
// number) and forwarded to each registered transport.
type Manager struct {
	logger *logrus.Entry
	buffer *events.Buffer

	mu         sync.RWMutex
	transports map[string]Transport
	adapters   map[string]*AgUIAdapter // runID -> connected adapter
}

// NewManager creates a transport manager around the shared event buffer.
func NewManager(logger *logrus.Entry, buffer *events.Buffer) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		logger:     logger.WithField("component", "transport-manager"),
		buffer:     buffer,
		transports: make(map[string]Transport),
		adapters:   make(map[string]*AgUIAdapter),
	}
}

// Register adds a transport to the fan-out set.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Name()] = t
}

// Buffer exposes the shared event buffer.
func (m *Manager) Buffer() *events.Buffer {
	return m.buffer
}

// Connect creates and registers the adapter for one run.
func (m *Manager) Connect(runID string) *AgUIAdapter {
	adapter := &AgUIAdapter{runID: runID, manager: m}
	m.mu.Lock()
	m.adapters[runID] = adapter
	m.mu.Unlock()
	m.logger.WithField("run_id", runID).Debug("Adapter connected")
	return adapter
}

// Disconnect detaches the run's adapter. The run's buffer lives on for the
// retention window so late joiners can still replay.
func (m *Manager) Disconnect(runID string) {
	m.mu.Lock()
	delete(m.adapters, runID)
	m.mu.Unlock()
	m.logger.WithField("run_id", runID).Debug("Adapter disconnected")
}

// Emit stamps the event into the run's buffer and forwards it to every
// transport. Transport failures stay inside the transports.
func (m *Manager) Emit(runID string, event events.Event) events.Event {
	stamped := event
	if m.buffer != nil {
		stamped = m.buffer.Add(runID, event)
	}
	m.mu.RLock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.RUnlock()
	for _, t := range transports {
		t.BroadcastToRun(runID, stamped)
	}
	return stamped
}

// Broadcast sends an event to every client of every transport without
// buffering it (used for global status changes).
func (m *Manager) Broadcast(event events.Event) {
	m.mu.RLock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.RUnlock()
	for _, t := range transports {
		t.Broadcast(event)
	}
}

// Shutdown terminates every transport. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.RUnlock()
	for _, t := range transports {
		t.Shutdown()
	}
}
