package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/gitx"
	"github.com/sudocode-ai/sudocode/jsonl"
	"github.com/sudocode-ai/sudocode/transport"
)

// ExecutionRunner is the slice of the runner the engine depends on.
type ExecutionRunner interface {
	Execute(ctx context.Context, executionID, agentType string, task agent.Task) error
	Cancel(executionID string) error
}

// Engine schedules workflow steps over their dependency DAG.
type Engine struct {
	logger  *logrus.Entry
	store   *db.Service
	runner  ExecutionRunner
	manager *transport.Manager

	// repoDir is the git repository the worktrees hang off. Empty disables
	// worktree management (steps then run in workDir).
	repoDir string
	workDir string

	// Scheduling knobs, lowered in tests.
	pollInterval time.Duration
	stepTimeout  time.Duration

	mu     sync.Mutex
	active map[string]*control
}

// control carries the cooperative flags of one running workflow.
type control struct {
	paused    atomic.Bool
	cancelled atomic.Bool

	execMu      sync.Mutex
	executionID string // currently running execution, if any

	done chan struct{}
}

// NewEngine creates a workflow engine.
func NewEngine(logger *logrus.Entry, store *db.Service, runner ExecutionRunner,
	manager *transport.Manager, repoDir, workDir string) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		logger:       logger.WithField("component", "workflow-engine"),
		store:        store,
		runner:       runner,
		manager:      manager,
		repoDir:      repoDir,
		workDir:      workDir,
		pollInterval: time.Second,
		stepTimeout:  time.Hour,
		active:       make(map[string]*control),
	}
}

// Start moves a pending or paused workflow to running and launches its
// scheduler loop.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return common.NewError(common.KindNotFound, "WORKFLOW_NOT_FOUND",
			fmt.Sprintf("workflow %s not found", workflowID))
	}
	if db.TerminalWorkflowStatus(wf.Status) {
		return common.NewError(common.KindWorkflowState, "WORKFLOW_TERMINAL",
			fmt.Sprintf("workflow %s is %s", workflowID, wf.Status))
	}
	// A stuck workflow keeps its running status after the loop exits, so the
	// duplicate check is against the live loop, not the column.
	e.mu.Lock()
	_, alreadyActive := e.active[workflowID]
	e.mu.Unlock()
	if alreadyActive {
		return common.NewError(common.KindWorkflowState, "WORKFLOW_RUNNING",
			fmt.Sprintf("workflow %s is already running", workflowID))
	}

	if err := e.store.UpdateWorkflow(workflowID, map[string]interface{}{
		"status": db.WorkflowRunning,
	}); err != nil {
		return err
	}

	ctl := &control{done: make(chan struct{})}
	e.mu.Lock()
	e.active[workflowID] = ctl
	e.mu.Unlock()

	go e.runLoop(ctx, workflowID, ctl)
	return nil
}

// Wait blocks until the workflow's scheduler loop exits (test helper and
// shutdown path).
func (e *Engine) Wait(workflowID string) {
	e.mu.Lock()
	ctl, ok := e.active[workflowID]
	e.mu.Unlock()
	if ok {
		<-ctl.done
	}
}

// runLoop is the scheduling main loop of one workflow.
func (e *Engine) runLoop(ctx context.Context, workflowID string, ctl *control) {
	defer func() {
		close(ctl.done)
		e.mu.Lock()
		delete(e.active, workflowID)
		e.mu.Unlock()
	}()

	log := e.logger.WithField("workflow_id", workflowID)
	for {
		if ctl.isCancelled() || ctx.Err() != nil {
			return
		}
		if ctl.isPaused() {
			e.updateStatus(workflowID, db.WorkflowPaused, "")
			return
		}

		wf, err := e.store.GetWorkflow(workflowID)
		if err != nil || wf == nil || wf.Status != db.WorkflowRunning {
			return
		}
		cfg := UnmarshalConfig(wf.ConfigJSON)

		records, err := e.store.GetWorkflowSteps(workflowID)
		if err != nil {
			log.WithError(err).Error("Loading steps failed")
			return
		}
		steps := viewSteps(records)

		if allSettled(steps, cfg) {
			e.updateStatus(workflowID, db.WorkflowCompleted, "")
			log.Info("Workflow completed")
			return
		}

		ready := readySteps(steps)
		if len(ready) == 0 {
			if anyStuck(steps) {
				log.Warn("Workflow is stuck awaiting intervention")
				return
			}
			log.Warn("No ready steps and nothing stuck; stopping loop")
			return
		}

		for _, s := range ready {
			e.markStep(s.ID, map[string]interface{}{"status": db.StepReady})
		}

		batch := ready
		if cfg.Parallelism == ParallelismSequential {
			batch = ready[:1]
		} else if len(batch) > cfg.MaxConcurrency {
			batch = batch[:cfg.MaxConcurrency]
		}

		// Within a batch execution stays sequential against the shared
		// worktree; commits must not interleave.
		for _, step := range batch {
			if ctl.isCancelled() || ctl.isPaused() {
				break
			}
			outcome := e.executeStep(ctx, wf, cfg, step, ctl)
			if outcome == stepFailedOutcome {
				if ctl.isCancelled() {
					// Cancel already settled the workflow's status.
					return
				}
				if !e.applyFailurePolicy(workflowID, cfg, step) {
					return
				}
				break // recompute the ready set before the rest of the batch
			}
		}
	}
}

type stepOutcome int

const (
	stepCompletedOutcome stepOutcome = iota
	stepFailedOutcome
)

// executeStep runs one step to a terminal state.
func (e *Engine) executeStep(ctx context.Context, wf *db.Workflow, cfg Config,
	step stepView, ctl *control) stepOutcome {
	log := e.logger.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"step_id":     step.ID,
		"issue_id":    step.IssueID,
	})

	issue, err := e.store.GetEntityByID(string(jsonl.TypeIssue), step.IssueID)
	if err == nil && issue == nil {
		err = fmt.Errorf("issue %s not found", step.IssueID)
	}
	if err != nil {
		e.failStep(wf.ID, step, err.Error())
		return stepFailedOutcome
	}

	workDir, err := e.ensureWorktree(wf, cfg)
	if err != nil {
		e.failStep(wf.ID, step, fmt.Sprintf("preparing worktree: %v", err))
		return stepFailedOutcome
	}

	total := e.stepCount(wf.ID)
	executionID := fmt.Sprintf("exec-%s", uuid.New().String()[:8])
	task := agent.Task{
		Prompt:  buildPrompt(issue, wf.Title, step.StepIndex+1, total),
		WorkDir: workDir,
		Config:  agent.TaskConfig{},
	}
	agentType := cfg.DefaultAgentType
	if agentType == "" {
		agentType = "claude"
	}

	baseCommit := ""
	if e.repoDir != "" {
		if head, headErr := gitx.NewRepo(workDir).HeadCommit(""); headErr == nil {
			baseCommit = head
		}
	}
	if err := e.store.CreateExecution(&db.Execution{
		ID:            executionID,
		IssueID:       step.IssueID,
		WorkspacePath: e.workDir,
		WorktreePath:  workDir,
		BaseCommit:    baseCommit,
		ConfigJSON:    task.ConfigJSON(),
	}); err != nil {
		e.failStep(wf.ID, step, fmt.Sprintf("creating execution: %v", err))
		return stepFailedOutcome
	}

	e.markStep(step.ID, map[string]interface{}{
		"status":       db.StepRunning,
		"execution_id": executionID,
	})
	ctl.setExecution(executionID)
	defer ctl.setExecution("")
	e.emit(wf.ID, events.TypeStepStarted, map[string]interface{}{
		"stepId":      step.ID,
		"issueId":     step.IssueID,
		"executionId": executionID,
	})

	go func() {
		if err := e.runner.Execute(ctx, executionID, agentType, task); err != nil {
			log.WithError(err).Debug("Execution returned error")
		}
	}()

	status := e.awaitExecution(ctx, executionID, ctl)

	if status == db.ExecutionCompleted {
		commitSHA := ""
		if cfg.AutoCommitAfterStep && e.repoDir != "" && workDir != "" {
			commitSHA, err = e.commitStep(workDir, wf, issue, step.StepIndex+1, total)
			if err != nil {
				log.WithError(err).Warn("Auto-commit failed")
			}
		}
		updates := map[string]interface{}{"status": db.StepCompleted}
		if commitSHA != "" {
			updates["commit_sha"] = commitSHA
			if err := e.store.SetExecutionCommits(executionID, "", commitSHA); err != nil {
				log.WithError(err).Debug("Recording after-commit failed")
			}
		}
		e.markStep(step.ID, updates)
		e.closeIssue(issue)
		e.advanceStepIndex(wf.ID)
		e.emit(wf.ID, events.TypeStepFinished, map[string]interface{}{
			"stepId":    step.ID,
			"issueId":   step.IssueID,
			"commitSha": commitSHA,
		})
		log.Info("Step completed")
		return stepCompletedOutcome
	}

	e.failStep(wf.ID, step, fmt.Sprintf("execution ended %s", status))
	return stepFailedOutcome
}

// awaitExecution polls the execution at 1 Hz until it is terminal or the
// hard cap expires.
func (e *Engine) awaitExecution(ctx context.Context, executionID string, ctl *control) string {
	deadline := time.Now().Add(e.stepTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		exec, err := e.store.GetExecution(executionID)
		if err == nil && exec != nil && db.TerminalExecutionStatus(exec.Status) {
			return exec.Status
		}
		if time.Now().After(deadline) {
			e.runner.Cancel(executionID)
			return db.ExecutionFailed
		}
		select {
		case <-ctx.Done():
			e.runner.Cancel(executionID)
			return db.ExecutionCancelled
		case <-ticker.C:
		}
		if ctl.isCancelled() {
			e.runner.Cancel(executionID)
			return db.ExecutionCancelled
		}
	}
}

// applyFailurePolicy reacts to a failed step. It returns false when the
// scheduler loop must exit.
func (e *Engine) applyFailurePolicy(workflowID string, cfg Config, failed stepView) bool {
	switch cfg.OnFailure {
	case OnFailureStop:
		e.updateStatus(workflowID, db.WorkflowFailed,
			fmt.Sprintf("step %s failed", failed.ID))
		return false
	case OnFailurePause:
		e.updateStatus(workflowID, db.WorkflowPaused, "")
		e.setPaused(workflowID, true)
		return false
	case OnFailureSkipDependents:
		e.cascade(workflowID, failed.ID, db.StepSkipped,
			fmt.Sprintf("Dependency %s failed", failed.ID))
		return true
	case OnFailureContinue:
		e.cascade(workflowID, failed.ID, db.StepBlocked,
			fmt.Sprintf("Dependency %s failed", failed.ID))
		return true
	}
	return false
}

// cascade transitions every transitive dependent of rootStepID that is
// still pending or ready to the given status.
func (e *Engine) cascade(workflowID, rootStepID, status, reason string) {
	records, err := e.store.GetWorkflowSteps(workflowID)
	if err != nil {
		return
	}
	steps := viewSteps(records)

	dependents := make(map[string][]string) // dep -> steps depending on it
	for _, s := range steps {
		for _, dep := range s.depends {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	byID := make(map[string]stepView, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	queue := append([]string(nil), dependents[rootStepID]...)
	visited := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		step := byID[id]
		if step.Status == db.StepPending || step.Status == db.StepReady {
			e.markStep(id, map[string]interface{}{
				"status": status,
				"error":  reason,
			})
			if status == db.StepSkipped {
				e.emit(workflowID, events.TypeStepSkipped, map[string]interface{}{
					"stepId": id,
					"reason": reason,
				})
			}
		}
		queue = append(queue, dependents[id]...)
	}
}

// ensureWorktree creates (once) and returns the workflow's worktree path.
func (e *Engine) ensureWorktree(wf *db.Workflow, cfg Config) (string, error) {
	if e.repoDir == "" {
		return e.workDir, nil
	}
	if wf.WorktreePath != "" {
		return wf.WorktreePath, nil
	}

	path := cfg.ReuseWorktreePath
	if path == "" {
		path = filepath.Join(e.workDir, ".sudocode", "worktrees", wf.ID)
	}

	repo := gitx.NewRepo(e.repoDir)
	base := wf.BaseBranch
	if base != "" && !repo.BranchExists(base) && cfg.CreateBaseBranch {
		if err := repo.CreateBranch(base, ""); err != nil {
			return "", err
		}
	}
	if err := repo.AddWorktree(path, "workflow/"+wf.ID, base); err != nil {
		return "", err
	}
	gitx.NewRepo(path).EnsureIdentity()

	if err := e.store.UpdateWorkflow(wf.ID, map[string]interface{}{
		"worktree_path": path,
	}); err != nil {
		return "", err
	}
	wf.WorktreePath = path
	return path, nil
}

// commitStep stages everything in the worktree and commits with the
// deterministic step message. Returns the new commit hash.
func (e *Engine) commitStep(worktree string, wf *db.Workflow, issue *jsonl.Entity, k, n int) (string, error) {
	message := fmt.Sprintf("[Workflow %d/%d] %s: %s\n\nWorkflow: %s\nStep: %d of %d",
		k, n,
		issue.ID, escapeQuotes(issue.Title),
		escapeQuotes(wf.Title), k, n)
	return gitx.NewRepo(worktree).CommitAll(message)
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// closeIssue best-effort closes the issue after its step completed.
func (e *Engine) closeIssue(issue *jsonl.Entity) {
	updated := issue.Clone()
	updated.Status = "closed"
	updated.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.store.SaveEntity(updated); err != nil {
		e.logger.WithError(err).WithField("issue_id", issue.ID).
			Warn("Closing issue failed")
	}
}

// advanceStepIndex bumps currentStepIndex; the column never decreases.
func (e *Engine) advanceStepIndex(workflowID string) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil || wf == nil {
		return
	}
	e.store.UpdateWorkflow(workflowID, map[string]interface{}{
		"current_step_index": wf.CurrentStepIndex + 1,
	})
}

func (e *Engine) stepCount(workflowID string) int {
	records, err := e.store.GetWorkflowSteps(workflowID)
	if err != nil {
		return 0
	}
	return len(records)
}

func (e *Engine) failStep(workflowID string, step stepView, reason string) {
	e.markStep(step.ID, map[string]interface{}{
		"status": db.StepFailed,
		"error":  reason,
	})
	e.emit(workflowID, events.TypeStepFailed, map[string]interface{}{
		"stepId": step.ID,
		"error":  reason,
	})
}

func (e *Engine) markStep(stepID string, updates map[string]interface{}) {
	if err := e.store.UpdateWorkflowStep(stepID, updates); err != nil {
		e.logger.WithError(err).WithField("step_id", stepID).
			Error("Updating step failed")
	}
}

func (e *Engine) updateStatus(workflowID, status, errorMessage string) {
	// Terminal workflow states are immutable.
	if wf, err := e.store.GetWorkflow(workflowID); err != nil || wf == nil ||
		db.TerminalWorkflowStatus(wf.Status) {
		return
	}
	updates := map[string]interface{}{"status": status}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if err := e.store.UpdateWorkflow(workflowID, updates); err != nil {
		e.logger.WithError(err).WithField("workflow_id", workflowID).
			Error("Updating workflow failed")
	}
}

func (e *Engine) emit(workflowID string, eventType events.EventType, fields map[string]interface{}) {
	if e.manager == nil {
		return
	}
	e.manager.Emit(workflowID, events.New(eventType, workflowID, fields))
}

// buildPrompt assembles the step prompt: issue title and content plus the
// workflow context footer.
func buildPrompt(issue *jsonl.Entity, workflowTitle string, k, n int) string {
	var sb strings.Builder
	sb.WriteString("# " + issue.Title + "\n\n")
	body := issue.Content
	if body == "" {
		body = issue.Description
	}
	if body != "" {
		sb.WriteString(body + "\n\n")
	}
	sb.WriteString("## Workflow Context\n\n")
	fmt.Fprintf(&sb, "This task is step %d of %d in the workflow %q.\n", k, n, workflowTitle)
	sb.WriteString("Work only on this task. Commit nothing; the workflow handles commits.\n")
	return sb.String()
}

// Scheduling helpers.

// allSettled reports whether every step reached a state the scheduler has
// nothing left to do about. A failed step settles only under
// skip_dependents, where the failure has already been handled by skipping
// its dependents; under every other policy it awaits human action.
func allSettled(steps []stepView, cfg Config) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		switch s.Status {
		case db.StepCompleted, db.StepSkipped, db.StepBlocked:
		case db.StepFailed:
			if cfg.OnFailure != OnFailureSkipDependents {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func anyStuck(steps []stepView) bool {
	for _, s := range steps {
		if s.Status == db.StepBlocked || s.Status == db.StepFailed {
			return true
		}
	}
	return false
}

// readySteps returns schedulable steps whose dependencies are all
// completed. Steps already marked ready in an earlier iteration but not yet
// launched stay eligible.
func readySteps(steps []stepView) []stepView {
	byID := make(map[string]stepView, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var ready []stepView
	for _, s := range steps {
		if s.Status != db.StepPending && s.Status != db.StepReady {
			continue
		}
		ok := true
		for _, dep := range s.depends {
			if byID[dep].Status != db.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// control helpers.

func (c *control) isPaused() bool {
	return c != nil && c.paused.Load()
}

func (c *control) isCancelled() bool {
	return c != nil && c.cancelled.Load()
}

func (c *control) setExecution(id string) {
	c.execMu.Lock()
	c.executionID = id
	c.execMu.Unlock()
}

func (c *control) currentExecution() string {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.executionID
}

func (e *Engine) setPaused(workflowID string, paused bool) {
	e.mu.Lock()
	ctl, ok := e.active[workflowID]
	e.mu.Unlock()
	if ok {
		ctl.paused.Store(paused)
	}
}
