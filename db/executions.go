package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateExecution inserts a new pending execution.
func (s *Service) CreateExecution(exec *Execution) error {
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}
	if err := s.db.Create(exec).Error; err != nil {
		return fmt.Errorf("creating execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution fetches an execution by id; returns nil when absent.
func (s *Service) GetExecution(id string) (*Execution, error) {
	var exec Execution
	err := s.db.First(&exec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns executions, optionally filtered by status,
// newest first.
func (s *Service) ListExecutions(status string, limit int) ([]Execution, error) {
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var execs []Execution
	if err := q.Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return execs, nil
}

// UpdateExecutionStatus transitions an execution's status, stamping
// started/completed timestamps as appropriate.
func (s *Service) UpdateExecutionStatus(id, status, errorMessage string) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now().UTC()
	switch status {
	case ExecutionRunning:
		updates["started_at"] = &now
	case ExecutionCompleted, ExecutionFailed, ExecutionStopped, ExecutionCancelled:
		updates["completed_at"] = &now
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	res := s.db.Model(&Execution{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating execution %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("execution %s not found", id)
	}
	return nil
}

// SetExecutionCommits records the base and after commits of an execution.
func (s *Service) SetExecutionCommits(id, baseCommit, afterCommit string) error {
	updates := map[string]interface{}{}
	if baseCommit != "" {
		updates["base_commit"] = baseCommit
	}
	if afterCommit != "" {
		updates["after_commit"] = afterCommit
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&Execution{}).Where("id = ?", id).Updates(updates).Error
}

// PruneExecution deletes an execution and its log rows.
func (s *Service) PruneExecution(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ExecutionLog{}, "execution_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Execution{}, "id = ?", id).Error
	})
}

// AppendExecutionLog appends one normalized entry row.
func (s *Service) AppendExecutionLog(entry *ExecutionLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("appending log for %s: %w", entry.ExecutionID, err)
	}
	return nil
}

// GetExecutionLogs returns the log rows of an execution in entry order,
// starting at fromIndex.
func (s *Service) GetExecutionLogs(executionID string, fromIndex int) ([]ExecutionLog, error) {
	var logs []ExecutionLog
	err := s.db.
		Where("execution_id = ? AND entry_index >= ?", executionID, fromIndex).
		Order("entry_index ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("fetching logs for %s: %w", executionID, err)
	}
	return logs, nil
}
