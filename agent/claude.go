package agent

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/sudocode-ai/sudocode/normalizer"
	"github.com/sudocode-ai/sudocode/process"
)

// ClaudeAdapter drives the Claude Code CLI in stream-json mode.
type ClaudeAdapter struct {
	Executable string // defaults to "claude"
}

// NewClaudeAdapter creates the adapter with the default executable.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{Executable: "claude"}
}

// Type implements Adapter.
func (a *ClaudeAdapter) Type() string { return "claude" }

// Metadata implements Adapter.
func (a *ClaudeAdapter) Metadata() Metadata {
	return Metadata{Name: "Claude Code", Version: "1"}
}

// BuildProcessConfig implements Adapter. The prompt travels as the
// positional argument of -p; output is one JSON object per line.
func (a *ClaudeAdapter) BuildProcessConfig(task Task) (process.Config, error) {
	if errs := a.ValidateConfig(task.Config); len(errs) > 0 {
		return process.Config{}, fmt.Errorf("invalid claude config: %s", errs[0])
	}
	args := []string{
		"-p", task.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if task.Config.Model != "" {
		args = append(args, "--model", task.Config.Model)
	}
	if task.Config.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(task.Config.MaxTurns))
	}
	if task.Config.SessionID != "" {
		args = append(args, "--resume", task.Config.SessionID)
	}
	return process.Config{
		Executable:    a.executable(),
		Args:          args,
		WorkDir:       task.WorkDir,
		Mode:          process.ModeLine,
		ResumeCapable: true,
	}, nil
}

// ValidateConfig implements Adapter.
func (a *ClaudeAdapter) ValidateConfig(cfg TaskConfig) []string {
	var errs []string
	if cfg.MaxTurns < 0 {
		errs = append(errs, "max_turns must not be negative")
	}
	return errs
}

// DefaultConfig implements Adapter.
func (a *ClaudeAdapter) DefaultConfig() TaskConfig {
	return TaskConfig{MaxTurns: 0}
}

// CheckAvailability implements Adapter.
func (a *ClaudeAdapter) CheckAvailability() error {
	if _, err := exec.LookPath(a.executable()); err != nil {
		return fmt.Errorf("claude executable not found: %w", err)
	}
	return nil
}

// SupportsSessionResume implements Adapter.
func (a *ClaudeAdapter) SupportsSessionResume() bool { return true }

// Normalizer implements Adapter.
func (a *ClaudeAdapter) Normalizer() normalizer.Normalizer {
	return normalizer.NewStreamJSON()
}

func (a *ClaudeAdapter) executable() string {
	if a.Executable != "" {
		return a.Executable
	}
	return "claude"
}
