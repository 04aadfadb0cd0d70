// Package agent defines the per-agent adapter plugins and their registry.
// An adapter knows how to turn a task into a process configuration for its
// CLI, which normalizer strategy decodes its output, and whether the agent
// can resume sessions.
package agent

import (
	"encoding/json"

	"github.com/sudocode-ai/sudocode/normalizer"
	"github.com/sudocode-ai/sudocode/process"
)

// Metadata describes an adapter.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TaskConfig is the agent-facing slice of an execution configuration.
// Vendor-specific switches live in Extra and are preserved opaquely.
type TaskConfig struct {
	Model     string                 `json:"model,omitempty"`
	MaxTurns  int                    `json:"max_turns,omitempty"`
	SessionID string                 `json:"session_id,omitempty"` // set on resume
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Task is one unit of work handed to an adapter.
type Task struct {
	Prompt  string     `json:"prompt"`
	WorkDir string     `json:"work_dir"`
	Config  TaskConfig `json:"config"`
}

// Adapter is the per-agent plugin.
type Adapter interface {
	// Type is the registry key ("claude", "codex", ...).
	Type() string
	// Metadata returns the adapter's descriptive metadata.
	Metadata() Metadata
	// BuildProcessConfig maps a task onto a child-process configuration.
	BuildProcessConfig(task Task) (process.Config, error)
	// ValidateConfig returns human-readable problems with a configuration;
	// empty means valid.
	ValidateConfig(cfg TaskConfig) []string
	// DefaultConfig returns the adapter's baseline configuration.
	DefaultConfig() TaskConfig
	// CheckAvailability verifies the agent executable can be invoked.
	CheckAvailability() error
	// SupportsSessionResume reports whether Runner.Resume may be used.
	SupportsSessionResume() bool
	// Normalizer returns the strategy decoding this agent's output stream.
	Normalizer() normalizer.Normalizer
}

// ConfigJSON serializes a task for persistence on the execution row.
func (t Task) ConfigJSON() string {
	data, err := json.Marshal(t)
	if err != nil {
		return "{}"
	}
	return string(data)
}
