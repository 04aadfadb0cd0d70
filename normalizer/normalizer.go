// Package normalizer converts agent-specific output streams into a uniform
// sequence of normalized entries. The canonical source format is
// newline-delimited JSON; each agent adapter picks the strategy matching its
// wire format. Entry sequences are lazy, finite and non-restartable: the
// channel closes when the stream ends and consumers must tolerate the
// producer ending at any time.
package normalizer

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// EntryKind tags one record of agent output.
type EntryKind string

const (
	KindAssistantMessage EntryKind = "assistant_message"
	KindUserMessage      EntryKind = "user_message"
	KindToolUse          EntryKind = "tool_use"
	KindToolResult       EntryKind = "tool_result"
	KindThinking         EntryKind = "thinking"
	KindSystem           EntryKind = "system"
	KindError            EntryKind = "error"
)

// Entry is one normalized record of agent output. Index is assigned by the
// consumer (the execution runner) when the entry is appended to the log;
// entries are immutable once emitted.
type Entry struct {
	Index     int                    `json:"index"`
	Kind      EntryKind              `json:"kind"`
	Content   string                 `json:"content,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
	Line      int                    `json:"line,omitempty"` // source line for parse errors
	Timestamp time.Time              `json:"timestamp"`
}

// PayloadJSON serializes the entry body for persistence.
func (e Entry) PayloadJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Usage accumulates token counts reported by the agent.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// Normalizer is the per-agent parsing strategy.
type Normalizer interface {
	// Name identifies the strategy.
	Name() string
	// Normalize turns the byte stream into entries. The returned channel is
	// closed when r is exhausted or ctx is cancelled. Parse failures become
	// error entries; they never abort the stream.
	Normalize(ctx context.Context, r io.Reader) <-chan Entry
}

// clock is replaced in tests for deterministic timestamps.
var clock = time.Now
