package normalizer

import (
	"sync"
	"time"
)

// ToolCallStatus tracks the lifecycle of an aggregated tool call.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall aggregates a tool_use entry with its matching tool_result.
type ToolCall struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Status      ToolCallStatus         `json:"status"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// FileOperation classifies file-touching tool calls.
type FileOperation string

const (
	FileRead  FileOperation = "read"
	FileWrite FileOperation = "write"
	FileEdit  FileOperation = "edit"
)

// fileOperationTools maps tool names to file operations.
var fileOperationTools = map[string]FileOperation{
	"Read":      FileRead,
	"Write":     FileWrite,
	"Edit":      FileEdit,
	"MultiEdit": FileEdit,
}

// FileChange is one file operation derived from a tool call.
type FileChange struct {
	Path       string        `json:"path"`
	Operation  FileOperation `json:"operation"`
	ToolCallID string        `json:"tool_call_id"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Metrics is the running aggregate over one execution's entries.
type Metrics struct {
	TotalEntries      int            `json:"total_entries"`
	MessageCount      int            `json:"message_count"`
	ToolCallsByStatus map[string]int `json:"tool_calls_by_status"`
	ToolCallsByName   map[string]int `json:"tool_calls_by_name"`
	ErrorCount        int            `json:"error_count"`
	Usage             Usage          `json:"usage"`
}

// Summary is the final execution roll-up.
type Summary struct {
	TotalMessages int            `json:"total_messages"`
	ToolCounts    map[string]int `json:"tool_counts"`
	SuccessRate   float64        `json:"success_rate"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	Duration      time.Duration  `json:"duration"`
}

// Processor consumes normalized entries and maintains the aggregate view:
// tool calls keyed by id, derived file changes, token usage and cost.
// All accessors return snapshot copies.
type Processor struct {
	mu          sync.RWMutex
	toolCalls   map[string]*ToolCall
	toolOrder   []string
	fileChanges []FileChange
	metrics     Metrics
	startedAt   time.Time
	endedAt     time.Time
}

// NewProcessor creates an empty aggregate.
func NewProcessor() *Processor {
	return &Processor{
		toolCalls: make(map[string]*ToolCall),
		metrics: Metrics{
			ToolCallsByStatus: make(map[string]int),
			ToolCallsByName:   make(map[string]int),
		},
		startedAt: clock(),
	}
}

// Handle folds one entry into the aggregate.
func (p *Processor) Handle(entry Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.TotalEntries++
	p.endedAt = entry.Timestamp

	switch entry.Kind {
	case KindAssistantMessage, KindUserMessage:
		p.metrics.MessageCount++
	case KindError:
		p.metrics.ErrorCount++
	case KindToolUse:
		p.handleToolUse(entry)
	case KindToolResult:
		p.handleToolResult(entry)
	case KindSystem:
		p.handleUsage(entry)
	}
}

func (p *Processor) handleToolUse(entry Entry) {
	call := &ToolCall{
		ID:        entry.ToolUseID,
		Name:      entry.ToolName,
		Input:     entry.ToolInput,
		Status:    ToolCallPending,
		StartedAt: entry.Timestamp,
	}
	if _, exists := p.toolCalls[call.ID]; !exists {
		p.toolOrder = append(p.toolOrder, call.ID)
	}
	p.toolCalls[call.ID] = call
	p.metrics.ToolCallsByName[call.Name]++
	p.metrics.ToolCallsByStatus[string(ToolCallPending)]++

	if op, ok := fileOperationTools[call.Name]; ok {
		if path := filePathFromInput(call.Input); path != "" {
			p.fileChanges = append(p.fileChanges, FileChange{
				Path:       path,
				Operation:  op,
				ToolCallID: call.ID,
				Timestamp:  entry.Timestamp,
			})
		}
	}
}

func (p *Processor) handleToolResult(entry Entry) {
	call, ok := p.toolCalls[entry.ToolUseID]
	if !ok {
		// A result without its use: record it so nothing is lost.
		call = &ToolCall{
			ID:        entry.ToolUseID,
			Status:    ToolCallPending,
			StartedAt: entry.Timestamp,
		}
		p.toolCalls[call.ID] = call
		p.toolOrder = append(p.toolOrder, call.ID)
	}
	if call.Status != ToolCallPending {
		return
	}
	p.metrics.ToolCallsByStatus[string(ToolCallPending)]--
	completed := entry.Timestamp
	call.CompletedAt = &completed
	if entry.IsError {
		call.Status = ToolCallError
		call.Error = entry.Content
	} else {
		call.Status = ToolCallSuccess
		call.Result = entry.Content
	}
	p.metrics.ToolCallsByStatus[string(call.Status)]++
}

func (p *Processor) handleUsage(entry Entry) {
	if entry.ToolInput == nil {
		return
	}
	u := usagePayload{
		InputTokens:              intFrom(entry.ToolInput["input_tokens"]),
		OutputTokens:             intFrom(entry.ToolInput["output_tokens"]),
		CacheCreationInputTokens: intFrom(entry.ToolInput["cache_creation_input_tokens"]),
		CacheReadInputTokens:     intFrom(entry.ToolInput["cache_read_input_tokens"]),
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0 {
		return
	}
	model, _ := entry.ToolInput["model"].(string)
	p.metrics.Usage.InputTokens += u.InputTokens
	p.metrics.Usage.OutputTokens += u.OutputTokens
	p.metrics.Usage.CacheCreationTokens += u.CacheCreationInputTokens
	p.metrics.Usage.CacheReadTokens += u.CacheReadInputTokens
	p.metrics.Usage.CostUSD += costUSD(model, &u)
}

// ToolCalls returns tool calls in first-seen order, optionally filtered by
// name and/or status (empty filters match everything).
func (p *Processor) ToolCalls(name string, status ToolCallStatus) []ToolCall {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ToolCall, 0, len(p.toolOrder))
	for _, id := range p.toolOrder {
		call := p.toolCalls[id]
		if name != "" && call.Name != name {
			continue
		}
		if status != "" && call.Status != status {
			continue
		}
		out = append(out, *call)
	}
	return out
}

// FileChanges returns derived file changes, optionally filtered by path
// and/or operation.
func (p *Processor) FileChanges(path string, op FileOperation) []FileChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]FileChange, 0, len(p.fileChanges))
	for _, fc := range p.fileChanges {
		if path != "" && fc.Path != path {
			continue
		}
		if op != "" && fc.Operation != op {
			continue
		}
		out = append(out, fc)
	}
	return out
}

// Metrics returns a snapshot of the running aggregate.
func (p *Processor) Metrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := p.metrics
	snapshot.ToolCallsByStatus = copyCounts(p.metrics.ToolCallsByStatus)
	snapshot.ToolCallsByName = copyCounts(p.metrics.ToolCallsByName)
	return snapshot
}

// Summary computes the final execution roll-up.
func (p *Processor) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := 0
	succeeded := 0
	toolCounts := make(map[string]int)
	for _, id := range p.toolOrder {
		call := p.toolCalls[id]
		total++
		toolCounts[call.Name]++
		if call.Status == ToolCallSuccess {
			succeeded++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = float64(succeeded) / float64(total)
	}
	duration := time.Duration(0)
	if !p.endedAt.IsZero() && p.endedAt.After(p.startedAt) {
		duration = p.endedAt.Sub(p.startedAt)
	}
	return Summary{
		TotalMessages: p.metrics.MessageCount,
		ToolCounts:    toolCounts,
		SuccessRate:   rate,
		InputTokens:   p.metrics.Usage.InputTokens,
		OutputTokens:  p.metrics.Usage.OutputTokens,
		TotalCostUSD:  p.metrics.Usage.CostUSD,
		Duration:      duration,
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// filePathFromInput extracts the path argument of a file-operation tool.
func filePathFromInput(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
