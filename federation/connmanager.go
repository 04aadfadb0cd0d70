package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnSender is the write surface of one WebSocket connection.
type ConnSender interface {
	SendJSON(v interface{}) error
	Ping() error
	Close() error
}

// ConnManager tracks federation WebSocket connections: id, sender, owning
// remote repo, bound subscriptions, and last ping time. Connections silent
// beyond maxIdle are torn down by the periodic sweep; closing a connection
// deletes every subscription it owns.
type ConnManager struct {
	logger  *logrus.Entry
	maxIdle time.Duration
	onClose func(connectionID string)

	mu    sync.Mutex
	conns map[string]*trackedConn
}

type trackedConn struct {
	id            string
	sender        ConnSender
	remoteRepo    string
	subscriptions map[string]bool
	lastPing      time.Time
}

// NewConnManager creates the connection registry. onClose runs after a
// connection is removed (the bus uses it to delete owned subscriptions).
func NewConnManager(logger *logrus.Entry, maxIdle time.Duration, onClose func(string)) *ConnManager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxIdle <= 0 {
		maxIdle = 5 * time.Minute
	}
	return &ConnManager{
		logger:  logger.WithField("component", "federation-ws"),
		maxIdle: maxIdle,
		onClose: onClose,
		conns:   make(map[string]*trackedConn),
	}
}

// Register adds a connection and returns its id.
func (m *ConnManager) Register(sender ConnSender, remoteRepo string) string {
	id := fmt.Sprintf("conn-%d", time.Now().UnixNano())
	m.mu.Lock()
	m.conns[id] = &trackedConn{
		id:            id,
		sender:        sender,
		remoteRepo:    remoteRepo,
		subscriptions: make(map[string]bool),
		lastPing:      time.Now(),
	}
	m.mu.Unlock()
	m.logger.WithField("connection_id", id).Debug("Connection registered")
	return id
}

// BindSubscription records subscription ownership on a connection.
func (m *ConnManager) BindSubscription(connectionID, subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connectionID]; ok {
		c.subscriptions[subscriptionID] = true
	}
}

// Touch refreshes the connection's liveness clock (called on pong or any
// client message).
func (m *ConnManager) Touch(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connectionID]; ok {
		c.lastPing = time.Now()
	}
}

// SendJSON writes a JSON message to one connection.
func (m *ConnManager) SendJSON(connectionID string, v interface{}) error {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connectionID)
	}
	return c.sender.SendJSON(v)
}

// Close removes a connection, closes its sender, and fires onClose.
func (m *ConnManager) Close(connectionID string) {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.sender.Close()
	if m.onClose != nil {
		m.onClose(connectionID)
	}
	m.logger.WithField("connection_id", connectionID).Debug("Connection closed")
}

// Count returns the number of live connections.
func (m *ConnManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SweepStale pings every connection and closes those silent beyond the
// idle threshold. Returns how many were closed.
func (m *ConnManager) SweepStale() int {
	cutoff := time.Now().Add(-m.maxIdle)

	m.mu.Lock()
	var stale []string
	var live []*trackedConn
	for id, c := range m.conns {
		if c.lastPing.Before(cutoff) {
			stale = append(stale, id)
		} else {
			live = append(live, c)
		}
	}
	m.mu.Unlock()

	for _, c := range live {
		if err := c.sender.Ping(); err != nil {
			stale = append(stale, c.id)
		}
	}
	for _, id := range stale {
		m.Close(id)
	}
	if len(stale) > 0 {
		m.logger.WithField("closed", len(stale)).Info("Swept stale connections")
	}
	return len(stale)
}

// StartSweeper runs SweepStale periodically until ctx is done.
func (m *ConnManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepStale()
			}
		}
	}()
}
