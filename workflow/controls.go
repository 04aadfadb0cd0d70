package workflow

import (
	"context"
	"fmt"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
)

// Pause moves a running workflow to paused. The current step completes
// before the scheduler loop exits; there is no mid-step preemption.
func (e *Engine) Pause(workflowID string) error {
	wf, err := e.requireWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != db.WorkflowRunning {
		return common.NewError(common.KindWorkflowState, "NOT_RUNNING",
			fmt.Sprintf("workflow %s is %s, not running", workflowID, wf.Status))
	}
	e.setPaused(workflowID, true)
	return e.store.UpdateWorkflow(workflowID, map[string]interface{}{
		"status": db.WorkflowPaused,
	})
}

// Resume moves a paused workflow back to running and restarts its loop.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	wf, err := e.requireWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status != db.WorkflowPaused {
		return common.NewError(common.KindWorkflowState, "NOT_PAUSED",
			fmt.Sprintf("workflow %s is %s, not paused", workflowID, wf.Status))
	}
	e.setPaused(workflowID, false)
	return e.Start(ctx, workflowID)
}

// Cancel terminates a non-terminal workflow, cancelling the currently
// tracked execution if one is running.
func (e *Engine) Cancel(workflowID string) error {
	wf, err := e.requireWorkflow(workflowID)
	if err != nil {
		return err
	}
	if db.TerminalWorkflowStatus(wf.Status) {
		return common.NewError(common.KindWorkflowState, "WORKFLOW_TERMINAL",
			fmt.Sprintf("workflow %s is already %s", workflowID, wf.Status))
	}

	e.mu.Lock()
	ctl, running := e.active[workflowID]
	e.mu.Unlock()
	if running {
		ctl.cancelled.Store(true)
		if execID := ctl.currentExecution(); execID != "" {
			if err := e.runner.Cancel(execID); err != nil {
				e.logger.WithError(err).WithField("execution_id", execID).
					Warn("Cancelling tracked execution failed")
			}
		}
	}

	return e.store.UpdateWorkflow(workflowID, map[string]interface{}{
		"status": db.WorkflowCancelled,
	})
}

// RetryStep moves a failed step back to pending, unblocks its transitive
// dependents, and resumes the workflow if it was paused.
func (e *Engine) RetryStep(ctx context.Context, workflowID, stepID string) error {
	step, err := e.requireStep(workflowID, stepID)
	if err != nil {
		return err
	}
	if step.Status != db.StepFailed {
		return common.NewError(common.KindWorkflowState, "STEP_NOT_FAILED",
			fmt.Sprintf("step %s is %s, not failed", stepID, step.Status))
	}

	e.markStep(stepID, map[string]interface{}{
		"status": db.StepPending,
		"error":  "",
	})
	e.unblockDependents(workflowID, stepID)

	wf, err := e.requireWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status == db.WorkflowPaused {
		return e.Resume(ctx, workflowID)
	}
	return nil
}

// SkipStep marks a step skipped and treats it as failed under the current
// policy: dependents are skipped or blocked accordingly.
func (e *Engine) SkipStep(workflowID, stepID string) error {
	step, err := e.requireStep(workflowID, stepID)
	if err != nil {
		return err
	}
	if db.TerminalStepStatus(step.Status) {
		return common.NewError(common.KindWorkflowState, "STEP_TERMINAL",
			fmt.Sprintf("step %s is already %s", stepID, step.Status))
	}

	e.markStep(stepID, map[string]interface{}{
		"status": db.StepSkipped,
		"error":  "skipped by operator",
	})

	wf, err := e.requireWorkflow(workflowID)
	if err != nil {
		return err
	}
	cfg := UnmarshalConfig(wf.ConfigJSON)
	switch cfg.OnFailure {
	case OnFailureSkipDependents:
		e.cascade(workflowID, stepID, db.StepSkipped,
			fmt.Sprintf("Dependency %s skipped", stepID))
	default:
		e.cascade(workflowID, stepID, db.StepBlocked,
			fmt.Sprintf("Dependency %s skipped", stepID))
	}
	return nil
}

// unblockDependents returns blocked transitive dependents of stepID to
// pending so a retried step can feed them again.
func (e *Engine) unblockDependents(workflowID, stepID string) {
	records, err := e.store.GetWorkflowSteps(workflowID)
	if err != nil {
		return
	}
	steps := viewSteps(records)
	dependents := make(map[string][]string)
	for _, s := range steps {
		for _, dep := range s.depends {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	byID := make(map[string]stepView, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	queue := append([]string(nil), dependents[stepID]...)
	visited := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if byID[id].Status == db.StepBlocked {
			e.markStep(id, map[string]interface{}{
				"status": db.StepPending,
				"error":  "",
			})
		}
		queue = append(queue, dependents[id]...)
	}
}

func (e *Engine) requireWorkflow(workflowID string) (*db.Workflow, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, common.NewError(common.KindNotFound, "WORKFLOW_NOT_FOUND",
			fmt.Sprintf("workflow %s not found", workflowID))
	}
	return wf, nil
}

func (e *Engine) requireStep(workflowID, stepID string) (*db.WorkflowStep, error) {
	step, err := e.store.GetWorkflowStep(stepID)
	if err != nil {
		return nil, err
	}
	if step == nil || step.WorkflowID != workflowID {
		return nil, common.NewError(common.KindWorkflowStep, "STEP_NOT_FOUND",
			fmt.Sprintf("step %s not found in workflow %s", stepID, workflowID))
	}
	return step, nil
}
