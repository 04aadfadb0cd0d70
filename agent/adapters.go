package agent

import (
	"fmt"
	"os/exec"

	"github.com/sudocode-ai/sudocode/normalizer"
	"github.com/sudocode-ai/sudocode/process"
)

// cliAdapter covers the structured-output coding agents that differ only in
// executable and argument shape. They all emit NDJSON on stdout, so the
// stream-json normalizer decodes every one of them.
type cliAdapter struct {
	agentType  string
	name       string
	executable string
	resume     bool
	mode       process.Mode
	buildArgs  func(task Task) []string
}

func (a *cliAdapter) Type() string { return a.agentType }

func (a *cliAdapter) Metadata() Metadata {
	return Metadata{Name: a.name, Version: "1"}
}

func (a *cliAdapter) BuildProcessConfig(task Task) (process.Config, error) {
	return process.Config{
		Executable:    a.executable,
		Args:          a.buildArgs(task),
		WorkDir:       task.WorkDir,
		Mode:          a.mode,
		ResumeCapable: a.resume,
	}, nil
}

func (a *cliAdapter) ValidateConfig(cfg TaskConfig) []string {
	var errs []string
	if cfg.SessionID != "" && !a.resume {
		errs = append(errs, fmt.Sprintf("%s does not support session resume", a.agentType))
	}
	return errs
}

func (a *cliAdapter) DefaultConfig() TaskConfig { return TaskConfig{} }

func (a *cliAdapter) CheckAvailability() error {
	if _, err := exec.LookPath(a.executable); err != nil {
		return fmt.Errorf("%s executable not found: %w", a.agentType, err)
	}
	return nil
}

func (a *cliAdapter) SupportsSessionResume() bool { return a.resume }

func (a *cliAdapter) Normalizer() normalizer.Normalizer {
	return normalizer.NewStreamJSON()
}

// NewCodexAdapter drives the Codex CLI in JSON exec mode.
func NewCodexAdapter() Adapter {
	return &cliAdapter{
		agentType:  "codex",
		name:       "Codex CLI",
		executable: "codex",
		mode:       process.ModeLine,
		buildArgs: func(task Task) []string {
			args := []string{"exec", "--json", "--skip-git-repo-check"}
			if task.Config.Model != "" {
				args = append(args, "--model", task.Config.Model)
			}
			return append(args, task.Prompt)
		},
	}
}

// NewCursorAdapter drives the Cursor agent CLI.
func NewCursorAdapter() Adapter {
	return &cliAdapter{
		agentType:  "cursor",
		name:       "Cursor Agent",
		executable: "cursor-agent",
		mode:       process.ModeLine,
		buildArgs: func(task Task) []string {
			return []string{"-p", task.Prompt, "--output-format", "stream-json"}
		},
	}
}

// NewCopilotAdapter drives the GitHub Copilot CLI. Copilot needs a
// terminal, so it runs in PTY mode.
func NewCopilotAdapter() Adapter {
	return &cliAdapter{
		agentType:  "copilot",
		name:       "Copilot CLI",
		executable: "copilot",
		mode:       process.ModePTY,
		buildArgs: func(task Task) []string {
			return []string{"-p", task.Prompt, "--allow-all-tools"}
		},
	}
}

// RegisterDefaults installs every built-in adapter into the registry.
func RegisterDefaults(r *Registry) {
	r.Register(NewClaudeAdapter())
	r.Register(NewCodexAdapter())
	r.Register(NewCursorAdapter())
	r.Register(NewCopilotAdapter())
}
