package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/db"
)

func (h *Handlers) registerExecutionRoutes(g *echo.Group) {
	g.POST("/executions", h.handleCreateExecution)
	g.GET("/executions", h.handleListExecutions)
	g.GET("/executions/:id", h.handleGetExecution)
	g.GET("/executions/:id/logs", h.handleGetExecutionLogs)
	g.POST("/executions/:id/cancel", h.handleCancelExecution)
	g.DELETE("/executions/:id", h.handlePruneExecution)
}

// createExecutionRequest is the body of POST /api/executions.
type createExecutionRequest struct {
	IssueID   string           `json:"issue_id,omitempty"`
	AgentType string           `json:"agent_type"`
	Prompt    string           `json:"prompt"`
	WorkDir   string           `json:"work_dir,omitempty"`
	Config    agent.TaskConfig `json:"config"`
	SessionID string           `json:"session_id,omitempty"` // resume
}

func (h *Handlers) handleCreateExecution(c echo.Context) error {
	var req createExecutionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if req.AgentType == "" {
		req.AgentType = "claude"
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = h.Config.WorkDir
	}

	task := agent.Task{Prompt: req.Prompt, WorkDir: workDir, Config: req.Config}
	exec := &db.Execution{
		ID:            fmt.Sprintf("exec-%s", uuid.New().String()[:8]),
		IssueID:       req.IssueID,
		WorkspacePath: workDir,
		ConfigJSON:    task.ConfigJSON(),
	}
	if err := h.Store.CreateExecution(exec); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}

	// The lifecycle outlives the HTTP request.
	ctx := context.WithoutCancel(c.Request().Context())
	if req.SessionID != "" {
		go h.Runner.Resume(ctx, exec.ID, req.AgentType, req.SessionID, task)
	} else {
		go h.Runner.Execute(ctx, exec.ID, req.AgentType, task)
	}

	return c.JSON(http.StatusAccepted, exec)
}

func (h *Handlers) handleListExecutions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	execs, err := h.Store.ListExecutions(c.QueryParam("status"), limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, execs)
}

func (h *Handlers) handleGetExecution(c echo.Context) error {
	exec, err := h.Store.GetExecution(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if exec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return c.JSON(http.StatusOK, exec)
}

func (h *Handlers) handleGetExecutionLogs(c echo.Context) error {
	fromIndex, _ := strconv.Atoi(c.QueryParam("from"))
	logs, err := h.Store.GetExecutionLogs(c.Param("id"), fromIndex)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, logs)
}

func (h *Handlers) handleCancelExecution(c echo.Context) error {
	if err := h.Runner.Cancel(c.Param("id")); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	exec, err := h.Store.GetExecution(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if exec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return c.JSON(http.StatusOK, exec)
}

func (h *Handlers) handlePruneExecution(c echo.Context) error {
	exec, err := h.Store.GetExecution(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if exec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if !db.TerminalExecutionStatus(exec.Status) {
		return echo.NewHTTPError(http.StatusConflict, "execution is not terminal")
	}
	if err := h.Store.PruneExecution(exec.ID); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	h.Manager.Buffer().Remove(exec.ID)
	return c.NoContent(http.StatusNoContent)
}
