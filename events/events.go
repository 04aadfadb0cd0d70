// Package events defines the wire-level event model delivered to UI clients
// and the per-execution replay buffer behind the SSE and WebSocket
// transports.
package events

import (
	"encoding/json"
	"time"
)

// EventType enumerates the event envelope types.
type EventType string

const (
	// Lifecycle markers.
	TypeRunStarted    EventType = "RUN_STARTED"
	TypeStateSnapshot EventType = "STATE_SNAPSHOT"
	TypeStepStarted   EventType = "STEP_STARTED"
	TypeStepFinished  EventType = "STEP_FINISHED"
	TypeStepFailed    EventType = "STEP_FAILED"
	TypeStepSkipped   EventType = "STEP_SKIPPED"
	TypeRunFinished   EventType = "RUN_FINISHED"
	TypeRunError      EventType = "RUN_ERROR"

	// Streaming variants.
	TypeTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TypeThinkingContent    EventType = "THINKING_CONTENT"
	TypeToolCallStart      EventType = "TOOL_CALL_START"
	TypeToolCallResult     EventType = "TOOL_CALL_RESULT"
	TypeToolCallEnd        EventType = "TOOL_CALL_END"

	// Transport bookkeeping.
	TypeConnected    EventType = "connected"
	TypeStatusChange EventType = "STATUS_CHANGE"
)

// Event is the envelope delivered over SSE and WebSocket:
//
//	{ "type": "<EVENT_TYPE>", "runId": "<id>", "timestamp": <ms>, ... }
//
// Type-specific fields are flattened into the envelope via Fields.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"runId,omitempty"`
	Seq       int64                  `json:"seq"`
	Timestamp int64                  `json:"timestamp"` // unix millis
	Fields    map[string]interface{} `json:"-"`
}

// New creates an event stamped with the current time.
func New(eventType EventType, runID string, fields map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UnixMilli(),
		Fields:    fields,
	}
}

// MarshalJSON flattens Fields into the envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	if e.RunID != "" {
		out["runId"] = e.RunID
	}
	out["seq"] = e.Seq
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON restores the envelope and returns extra fields to Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = EventType(t)
	}
	if r, ok := raw["runId"].(string); ok {
		e.RunID = r
	}
	if s, ok := raw["seq"].(float64); ok {
		e.Seq = int64(s)
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		e.Timestamp = int64(ts)
	}
	delete(raw, "type")
	delete(raw, "runId")
	delete(raw, "seq")
	delete(raw, "timestamp")
	if len(raw) > 0 {
		e.Fields = raw
	}
	return nil
}
