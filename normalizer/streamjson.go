package normalizer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamJSON parses newline-delimited JSON agent output (the stream-json
// format emitted by Claude Code and compatible agents). Blank lines are
// skipped; a malformed line yields an error entry carrying the line number
// and parsing continues.
type StreamJSON struct{}

// NewStreamJSON returns the NDJSON normalizer strategy.
func NewStreamJSON() *StreamJSON {
	return &StreamJSON{}
}

// Name implements Normalizer.
func (n *StreamJSON) Name() string { return "stream-json" }

// streamLine is the top-level shape of one NDJSON line. Agents either emit
// typed content directly (tool_use / tool_result at top level) or wrap
// content parts inside an assistant/user message envelope.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Usage   *usagePayload   `json:"usage"`
		Model   string          `json:"model"`
	} `json:"message"`
	// Top-level tool_use fields
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
	// Top-level tool_result fields
	ToolUseID string      `json:"tool_use_id"`
	Content   interface{} `json:"content"`
	IsError   bool        `json:"is_error"`
	// Result record fields
	Result string        `json:"result"`
	Usage  *usagePayload `json:"usage"`
	Model  string        `json:"model"`
	Text   string        `json:"text"`
}

type usagePayload struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// contentPart is one element of a message content array.
type contentPart struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text"`
	Thinking  string                 `json:"thinking"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	ToolUseID string                 `json:"tool_use_id"`
	Content   interface{}            `json:"content"`
	IsError   bool                   `json:"is_error"`
}

// Normalize implements Normalizer.
func (n *StreamJSON) Normalize(ctx context.Context, r io.Reader) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			for _, entry := range n.parseLine(line, lineNo) {
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emitCtx(ctx, out, Entry{
				Kind:      KindError,
				Content:   fmt.Sprintf("reading agent output: %v", err),
				Line:      lineNo,
				Timestamp: clock(),
			})
		}
	}()
	return out
}

func emitCtx(ctx context.Context, out chan<- Entry, e Entry) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}

// parseLine maps one NDJSON object to zero or more entries.
func (n *StreamJSON) parseLine(line string, lineNo int) []Entry {
	var record streamLine
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return []Entry{{
			Kind:      KindError,
			Content:   fmt.Sprintf("parse failure: %v", err),
			Line:      lineNo,
			Timestamp: clock(),
		}}
	}

	switch record.Type {
	case "assistant", "user":
		return n.parseMessage(&record, lineNo)
	case "tool_use":
		return []Entry{{
			Kind:      KindToolUse,
			ToolUseID: record.ID,
			ToolName:  record.Name,
			ToolInput: record.Input,
			Timestamp: clock(),
		}}
	case "tool_result":
		return []Entry{{
			Kind:      KindToolResult,
			ToolUseID: record.ToolUseID,
			Content:   contentToString(record.Content),
			IsError:   record.IsError,
			Timestamp: clock(),
		}}
	case "system":
		content := record.Subtype
		if record.Text != "" {
			content = record.Text
		}
		return []Entry{{
			Kind:      KindSystem,
			Content:   content,
			Timestamp: clock(),
		}}
	case "result":
		// Final result record: carries usage totals and the run summary.
		e := Entry{
			Kind:      KindSystem,
			Content:   record.Result,
			Timestamp: clock(),
		}
		if record.Usage != nil {
			e.ToolInput = usageDetail(record.Usage, record.Model)
		}
		return []Entry{e}
	case "":
		return []Entry{{
			Kind:      KindError,
			Content:   "record has no type",
			Line:      lineNo,
			Timestamp: clock(),
		}}
	default:
		// Unknown record types pass through as system entries so nothing
		// the agent says is silently dropped.
		return []Entry{{
			Kind:      KindSystem,
			Content:   fmt.Sprintf("unhandled record type %q", record.Type),
			Timestamp: clock(),
		}}
	}
}

// parseMessage expands the content parts of an assistant/user envelope,
// one entry per part.
func (n *StreamJSON) parseMessage(record *streamLine, lineNo int) []Entry {
	msgKind := KindAssistantMessage
	if record.Type == "user" {
		msgKind = KindUserMessage
	}

	var entries []Entry
	if record.Message != nil && record.Message.Usage != nil {
		entries = append(entries, Entry{
			Kind:      KindSystem,
			Content:   "usage",
			ToolInput: usageDetail(record.Message.Usage, record.Message.Model),
			Timestamp: clock(),
		})
	}

	if record.Message == nil || len(record.Message.Content) == 0 {
		return entries
	}

	// Content may be a plain string or an array of parts.
	var text string
	if err := json.Unmarshal(record.Message.Content, &text); err == nil {
		return append(entries, Entry{
			Kind:      msgKind,
			Content:   text,
			Timestamp: clock(),
		})
	}

	var parts []contentPart
	if err := json.Unmarshal(record.Message.Content, &parts); err != nil {
		return append(entries, Entry{
			Kind:      KindError,
			Content:   fmt.Sprintf("parse failure in message content: %v", err),
			Line:      lineNo,
			Timestamp: clock(),
		})
	}

	for _, part := range parts {
		switch part.Type {
		case "text":
			entries = append(entries, Entry{
				Kind:      msgKind,
				Content:   part.Text,
				Timestamp: clock(),
			})
		case "thinking":
			entries = append(entries, Entry{
				Kind:      KindThinking,
				Content:   part.Thinking,
				Timestamp: clock(),
			})
		case "tool_use":
			entries = append(entries, Entry{
				Kind:      KindToolUse,
				ToolUseID: part.ID,
				ToolName:  part.Name,
				ToolInput: part.Input,
				Timestamp: clock(),
			})
		case "tool_result":
			entries = append(entries, Entry{
				Kind:      KindToolResult,
				ToolUseID: part.ToolUseID,
				Content:   contentToString(part.Content),
				IsError:   part.IsError,
				Timestamp: clock(),
			})
		default:
			entries = append(entries, Entry{
				Kind:      KindSystem,
				Content:   fmt.Sprintf("unhandled content part %q", part.Type),
				Timestamp: clock(),
			})
		}
	}
	return entries
}

// contentToString flattens tool_result content, which may be a string or a
// list of text blocks.
func contentToString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []interface{}:
		var sb strings.Builder
		for _, item := range val {
			if m, ok := item.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
					continue
				}
			}
			fmt.Fprintf(&sb, "%v", item)
		}
		return sb.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func usageDetail(u *usagePayload, model string) map[string]interface{} {
	return map[string]interface{}{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
		"model":                       model,
	}
}
