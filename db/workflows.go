package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateWorkflow inserts a workflow and its steps in one transaction.
func (s *Service) CreateWorkflow(wf *Workflow, steps []WorkflowStep) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wf).Error; err != nil {
			return fmt.Errorf("creating workflow %s: %w", wf.ID, err)
		}
		for i := range steps {
			if err := tx.Create(&steps[i]).Error; err != nil {
				return fmt.Errorf("creating step %s: %w", steps[i].ID, err)
			}
		}
		return nil
	})
}

// GetWorkflow fetches a workflow by id; returns nil when absent.
func (s *Service) GetWorkflow(id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListWorkflows returns workflows newest first.
func (s *Service) ListWorkflows(status string) ([]Workflow, error) {
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var wfs []Workflow
	if err := q.Find(&wfs).Error; err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return wfs, nil
}

// UpdateWorkflow persists mutable workflow fields.
func (s *Service) UpdateWorkflow(id string, updates map[string]interface{}) error {
	if TerminalWorkflowStatusUpdateGuard(updates) {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	res := s.db.Model(&Workflow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating workflow %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workflow %s not found", id)
	}
	return nil
}

// TerminalWorkflowStatusUpdateGuard reports whether updates moves a
// workflow to a terminal status.
func TerminalWorkflowStatusUpdateGuard(updates map[string]interface{}) bool {
	status, ok := updates["status"].(string)
	return ok && TerminalWorkflowStatus(status)
}

// GetWorkflowSteps returns the steps of a workflow in step order.
func (s *Service) GetWorkflowSteps(workflowID string) ([]WorkflowStep, error) {
	var steps []WorkflowStep
	err := s.db.
		Where("workflow_id = ?", workflowID).
		Order("step_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("fetching steps for %s: %w", workflowID, err)
	}
	return steps, nil
}

// GetWorkflowStep fetches one step; returns nil when absent.
func (s *Service) GetWorkflowStep(stepID string) (*WorkflowStep, error) {
	var step WorkflowStep
	err := s.db.First(&step, "id = ?", stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching step %s: %w", stepID, err)
	}
	return &step, nil
}

// UpdateWorkflowStep persists mutable step fields.
func (s *Service) UpdateWorkflowStep(stepID string, updates map[string]interface{}) error {
	res := s.db.Model(&WorkflowStep{}).Where("id = ?", stepID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating step %s: %w", stepID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %s not found", stepID)
	}
	return nil
}

// AppendWorkflowStep adds a step to an existing workflow.
func (s *Service) AppendWorkflowStep(step *WorkflowStep) error {
	if err := s.db.Create(step).Error; err != nil {
		return fmt.Errorf("appending step %s: %w", step.ID, err)
	}
	return nil
}
