// Package workflow implements the DAG engine that drives multi-step agent
// work: source resolution, dependency-ordered scheduling with four failure
// policies, auto-commit after steps, and the external pause/resume/cancel/
// retry controls.
package workflow

import (
	"encoding/json"
	"fmt"
)

// Source describes where a workflow's steps come from.
type Source struct {
	// Type is one of spec | issues | root_issue | goal.
	Type string `json:"type"`
	// SpecID names the spec whose child issues become steps.
	SpecID string `json:"spec_id,omitempty"`
	// IssueIDs is the explicit step list for type issues.
	IssueIDs []string `json:"issue_ids,omitempty"`
	// RootIssueID seeds the transitive closure for type root_issue.
	RootIssueID string `json:"root_issue_id,omitempty"`
	// Goal is the free-form objective for type goal; goal workflows start
	// with no steps and receive them through AppendStep.
	Goal string `json:"goal,omitempty"`
}

// Source types.
const (
	SourceSpec      = "spec"
	SourceIssues    = "issues"
	SourceRootIssue = "root_issue"
	SourceGoal      = "goal"
)

// Ref renders the source reference persisted on the workflow row.
func (s Source) Ref() string {
	switch s.Type {
	case SourceSpec:
		return s.SpecID
	case SourceRootIssue:
		return s.RootIssueID
	case SourceGoal:
		return s.Goal
	default:
		data, _ := json.Marshal(s.IssueIDs)
		return string(data)
	}
}

// Failure policies.
const (
	OnFailureStop           = "stop"
	OnFailurePause          = "pause"
	OnFailureSkipDependents = "skip_dependents"
	OnFailureContinue       = "continue"
)

// Parallelism modes.
const (
	ParallelismSequential = "sequential"
	ParallelismParallel   = "parallel"
)

// Config is the workflow behavior configuration.
type Config struct {
	OnFailure           string `json:"on_failure"`
	Parallelism         string `json:"parallelism"`
	MaxConcurrency      int    `json:"max_concurrency"`
	AutoCommitAfterStep bool   `json:"auto_commit_after_step"`
	CreateBaseBranch    bool   `json:"create_base_branch"`
	ReuseWorktreePath   string `json:"reuse_worktree_path,omitempty"`
	DefaultAgentType    string `json:"default_agent_type,omitempty"`
}

// DefaultConfig returns the baseline workflow configuration.
func DefaultConfig() Config {
	return Config{
		OnFailure:           OnFailureStop,
		Parallelism:         ParallelismSequential,
		MaxConcurrency:      1,
		AutoCommitAfterStep: true,
		DefaultAgentType:    "claude",
	}
}

// Validate checks enumerated fields.
func (c Config) Validate() []string {
	var errs []string
	switch c.OnFailure {
	case OnFailureStop, OnFailurePause, OnFailureSkipDependents, OnFailureContinue:
	default:
		errs = append(errs, fmt.Sprintf("unknown on_failure policy %q", c.OnFailure))
	}
	switch c.Parallelism {
	case ParallelismSequential, ParallelismParallel:
	default:
		errs = append(errs, fmt.Sprintf("unknown parallelism %q", c.Parallelism))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, "max_concurrency must be at least 1")
	}
	return errs
}

// MarshalConfig serializes a config for the workflow row.
func MarshalConfig(c Config) string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UnmarshalConfig restores a config, falling back to defaults on bad data.
func UnmarshalConfig(raw string) Config {
	cfg := DefaultConfig()
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultConfig()
	}
	return cfg
}

// dependsList (de)serializes a step's dependency ids.
func dependsList(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func marshalDepends(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}
