package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Buffer retains recent events per execution for late-join replay.
// Sequence numbers are monotonic and gap-free per run; on overflow the
// oldest tenth of the buffer is dropped.
type Buffer struct {
	logger    *logrus.Entry
	maxEvents int
	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*runBuffer
}

type runBuffer struct {
	events        []Event
	nextSeq       int64
	lastUpdatedAt time.Time
	dropped       int64
}

// BufferStats summarizes buffer occupancy.
type BufferStats struct {
	Runs          int              `json:"runs"`
	TotalEvents   int              `json:"total_events"`
	TotalDropped  int64            `json:"total_dropped"`
	EventsPerRun  map[string]int   `json:"events_per_run"`
	DroppedPerRun map[string]int64 `json:"dropped_per_run,omitempty"`
}

// NewBuffer creates a buffer. maxEvents bounds each run's retained window.
func NewBuffer(logger *logrus.Entry, maxEvents int, retention time.Duration) *Buffer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Buffer{
		logger:    logger.WithField("component", "event-buffer"),
		maxEvents: maxEvents,
		retention: retention,
		runs:      make(map[string]*runBuffer),
	}
}

// Add assigns the run's next sequence number to the event, stores it, and
// returns the stamped copy.
func (b *Buffer) Add(runID string, event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	rb, ok := b.runs[runID]
	if !ok {
		rb = &runBuffer{}
		b.runs[runID] = rb
	}
	event.Seq = rb.nextSeq
	rb.nextSeq++
	rb.events = append(rb.events, event)
	rb.lastUpdatedAt = time.Now()

	if len(rb.events) > b.maxEvents {
		drop := b.maxEvents / 10
		if drop < 1 {
			drop = 1
		}
		rb.events = append([]Event(nil), rb.events[drop:]...)
		rb.dropped += int64(drop)
		b.logger.WithFields(logrus.Fields{
			"run_id":  runID,
			"dropped": drop,
		}).Warn("Event buffer overflow, dropped oldest events")
	}
	return event
}

// Get returns a snapshot of the run's events with sequence numbers >= fromSeq,
// in order. Pass 0 to replay from the beginning of the retained window.
func (b *Buffer) Get(runID string, fromSeq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rb, ok := b.runs[runID]
	if !ok {
		return nil
	}
	out := make([]Event, 0, len(rb.events))
	for _, e := range rb.events {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out
}

// NextSeq returns the sequence number the next event for runID will carry.
func (b *Buffer) NextSeq(runID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rb, ok := b.runs[runID]; ok {
		return rb.nextSeq
	}
	return 0
}

// Remove drops a run's buffer entirely.
func (b *Buffer) Remove(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// PruneStale drops buffers idle longer than the retention window and
// returns how many were removed.
func (b *Buffer) PruneStale() int {
	cutoff := time.Now().Add(-b.retention)
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for runID, rb := range b.runs {
		if rb.lastUpdatedAt.Before(cutoff) {
			delete(b.runs, runID)
			removed++
		}
	}
	if removed > 0 {
		b.logger.WithField("removed", removed).Debug("Pruned stale event buffers")
	}
	return removed
}

// Stats returns buffer occupancy counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BufferStats{
		EventsPerRun:  make(map[string]int),
		DroppedPerRun: make(map[string]int64),
	}
	for runID, rb := range b.runs {
		stats.Runs++
		stats.TotalEvents += len(rb.events)
		stats.TotalDropped += rb.dropped
		stats.EventsPerRun[runID] = len(rb.events)
		if rb.dropped > 0 {
			stats.DroppedPerRun[runID] = rb.dropped
		}
	}
	return stats
}

// StartSweeper runs PruneStale on the given interval until ctx is done.
func (b *Buffer) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.PruneStale()
			}
		}
	}()
}
