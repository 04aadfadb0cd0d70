package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/workflow"
)

func (h *Handlers) registerWorkflowRoutes(g *echo.Group) {
	g.POST("/workflows", h.handleCreateWorkflow)
	g.GET("/workflows", h.handleListWorkflows)
	g.GET("/workflows/:id", h.handleGetWorkflow)
	g.POST("/workflows/:id/start", h.handleStartWorkflow)
	g.POST("/workflows/:id/pause", h.handlePauseWorkflow)
	g.POST("/workflows/:id/resume", h.handleResumeWorkflow)
	g.POST("/workflows/:id/cancel", h.handleCancelWorkflow)
	g.POST("/workflows/:id/steps", h.handleAppendStep)
	g.POST("/workflows/:id/steps/:stepId/retry", h.handleRetryStep)
	g.POST("/workflows/:id/steps/:stepId/skip", h.handleSkipStep)
}

// createWorkflowRequest is the body of POST /api/workflows.
type createWorkflowRequest struct {
	Title      string          `json:"title"`
	Source     workflow.Source `json:"source"`
	BaseBranch string          `json:"base_branch"`
	Config     workflow.Config `json:"config"`
	AutoStart  bool            `json:"auto_start"`
}

func (h *Handlers) handleCreateWorkflow(c echo.Context) error {
	req := createWorkflowRequest{Config: workflow.DefaultConfig()}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	wf, err := h.Engine.Create(req.Title, req.Source, req.BaseBranch, req.Config)
	if err != nil {
		return workflowError(c, err)
	}
	if req.AutoStart {
		if err := h.Engine.Start(context.WithoutCancel(c.Request().Context()), wf.ID); err != nil {
			return workflowError(c, err)
		}
	}
	return c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) handleListWorkflows(c echo.Context) error {
	wfs, err := h.Store.ListWorkflows(c.QueryParam("status"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, wfs)
}

func (h *Handlers) handleGetWorkflow(c echo.Context) error {
	wf, err := h.Store.GetWorkflow(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if wf == nil {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	steps, err := h.Store.GetWorkflowSteps(wf.ID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow": wf,
		"steps":    steps,
	})
}

func (h *Handlers) handleStartWorkflow(c echo.Context) error {
	if err := h.Engine.Start(context.WithoutCancel(c.Request().Context()), c.Param("id")); err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handlers) handlePauseWorkflow(c echo.Context) error {
	if err := h.Engine.Pause(c.Param("id")); err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handlers) handleResumeWorkflow(c echo.Context) error {
	if err := h.Engine.Resume(context.WithoutCancel(c.Request().Context()), c.Param("id")); err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handlers) handleCancelWorkflow(c echo.Context) error {
	if err := h.Engine.Cancel(c.Param("id")); err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// appendStepRequest is the body of POST /api/workflows/:id/steps.
type appendStepRequest struct {
	IssueID   string   `json:"issue_id"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func (h *Handlers) handleAppendStep(c echo.Context) error {
	var req appendStepRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	step, err := h.Engine.AppendStep(c.Param("id"), req.IssueID, req.DependsOn)
	if err != nil {
		return workflowError(c, err)
	}
	return c.JSON(http.StatusCreated, step)
}

func (h *Handlers) handleRetryStep(c echo.Context) error {
	err := h.Engine.RetryStep(context.WithoutCancel(c.Request().Context()),
		c.Param("id"), c.Param("stepId"))
	if err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handlers) handleSkipStep(c echo.Context) error {
	if err := h.Engine.SkipStep(c.Param("id"), c.Param("stepId")); err != nil {
		return workflowError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// workflowError maps typed workflow errors onto HTTP statuses.
func workflowError(c echo.Context, err error) error {
	switch common.KindOf(err) {
	case common.KindNotFound, common.KindWorkflowStep:
		return errorJSON(c, http.StatusNotFound, err)
	case common.KindWorkflowCycle:
		return errorJSON(c, http.StatusUnprocessableEntity, err)
	case common.KindWorkflowState:
		return errorJSON(c, http.StatusConflict, err)
	default:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
}
