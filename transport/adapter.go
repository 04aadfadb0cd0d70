package transport

import (
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/normalizer"
)

// AgUIAdapter lifts one run's normalized entries into wire-level events.
// One adapter exists per execution for the duration of the run; it is
// connected to the Manager at run start and disconnected at run end.
type AgUIAdapter struct {
	runID   string
	manager *Manager
}

// RunID returns the execution this adapter serves.
func (a *AgUIAdapter) RunID() string { return a.runID }

// EmitRunStarted announces the run.
func (a *AgUIAdapter) EmitRunStarted() {
	a.manager.Emit(a.runID, events.New(events.TypeRunStarted, a.runID, nil))
}

// EmitStateSnapshot publishes the current execution state for late joiners.
func (a *AgUIAdapter) EmitStateSnapshot(state map[string]interface{}) {
	a.manager.Emit(a.runID, events.New(events.TypeStateSnapshot, a.runID,
		map[string]interface{}{"snapshot": state}))
}

// EmitStepStarted announces a workflow step launch within the run.
func (a *AgUIAdapter) EmitStepStarted(stepID string, fields map[string]interface{}) {
	merged := map[string]interface{}{"stepId": stepID}
	for k, v := range fields {
		merged[k] = v
	}
	a.manager.Emit(a.runID, events.New(events.TypeStepStarted, a.runID, merged))
}

// EmitStepFinished announces a workflow step completion within the run.
func (a *AgUIAdapter) EmitStepFinished(stepID string, fields map[string]interface{}) {
	merged := map[string]interface{}{"stepId": stepID}
	for k, v := range fields {
		merged[k] = v
	}
	a.manager.Emit(a.runID, events.New(events.TypeStepFinished, a.runID, merged))
}

// EmitRunFinished announces successful completion.
func (a *AgUIAdapter) EmitRunFinished(result map[string]interface{}) {
	a.manager.Emit(a.runID, events.New(events.TypeRunFinished, a.runID, result))
}

// EmitRunError announces a failed run.
func (a *AgUIAdapter) EmitRunError(message string) {
	a.manager.Emit(a.runID, events.New(events.TypeRunError, a.runID,
		map[string]interface{}{"message": message}))
}

// EmitEntry converts one normalized entry to its streaming event.
func (a *AgUIAdapter) EmitEntry(entry normalizer.Entry) {
	var event events.Event
	switch entry.Kind {
	case normalizer.KindAssistantMessage, normalizer.KindUserMessage:
		event = events.New(events.TypeTextMessageContent, a.runID, map[string]interface{}{
			"role":  roleFor(entry.Kind),
			"delta": entry.Content,
			"index": entry.Index,
		})
	case normalizer.KindThinking:
		event = events.New(events.TypeThinkingContent, a.runID, map[string]interface{}{
			"delta": entry.Content,
			"index": entry.Index,
		})
	case normalizer.KindToolUse:
		event = events.New(events.TypeToolCallStart, a.runID, map[string]interface{}{
			"toolCallId": entry.ToolUseID,
			"toolName":   entry.ToolName,
			"input":      entry.ToolInput,
			"index":      entry.Index,
		})
	case normalizer.KindToolResult:
		event = events.New(events.TypeToolCallResult, a.runID, map[string]interface{}{
			"toolCallId": entry.ToolUseID,
			"result":     entry.Content,
			"isError":    entry.IsError,
			"index":      entry.Index,
		})
	case normalizer.KindError:
		event = events.New(events.TypeRunError, a.runID, map[string]interface{}{
			"message":   entry.Content,
			"line":      entry.Line,
			"recovered": true,
			"index":     entry.Index,
		})
	default:
		event = events.New(events.TypeStatusChange, a.runID, map[string]interface{}{
			"kind":    string(entry.Kind),
			"content": entry.Content,
			"index":   entry.Index,
		})
	}
	a.manager.Emit(a.runID, event)
}

func roleFor(kind normalizer.EntryKind) string {
	if kind == normalizer.KindUserMessage {
		return "user"
	}
	return "assistant"
}
