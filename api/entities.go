package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/federation"
	"github.com/sudocode-ai/sudocode/jsonl"
)

func (h *Handlers) registerEntityRoutes(g *echo.Group) {
	g.GET("/issues", h.listEntitiesHandler(jsonl.TypeIssue))
	g.POST("/issues", h.createEntityHandler(jsonl.TypeIssue, "i"))
	g.GET("/issues/:id", h.getEntityHandler(jsonl.TypeIssue))
	g.PATCH("/issues/:id", h.updateEntityHandler(jsonl.TypeIssue))
	g.GET("/specs", h.listEntitiesHandler(jsonl.TypeSpec))
	g.POST("/specs", h.createEntityHandler(jsonl.TypeSpec, "s"))
	g.GET("/specs/:id", h.getEntityHandler(jsonl.TypeSpec))
	g.PATCH("/specs/:id", h.updateEntityHandler(jsonl.TypeSpec))
}

// entityRequest is the create/update body for issues and specs.
type entityRequest struct {
	Title         string               `json:"title,omitempty"`
	Content       string               `json:"content,omitempty"`
	Status        string               `json:"status,omitempty"`
	Priority      string               `json:"priority,omitempty"`
	Assignee      string               `json:"assignee,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	Relationships []jsonl.Relationship `json:"relationships,omitempty"`
}

func (h *Handlers) listEntitiesHandler(entityType jsonl.EntityType) echo.HandlerFunc {
	return func(c echo.Context) error {
		entities, err := h.Store.ListEntities(string(entityType))
		if err != nil {
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		return c.JSON(http.StatusOK, entities)
	}
}

func (h *Handlers) getEntityHandler(entityType jsonl.EntityType) echo.HandlerFunc {
	return func(c echo.Context) error {
		entity, err := h.Store.GetEntityByID(string(entityType), c.Param("id"))
		if err != nil {
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		if entity == nil {
			return echo.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		return c.JSON(http.StatusOK, entity)
	}
}

func (h *Handlers) createEntityHandler(entityType jsonl.EntityType, prefix string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req entityRequest
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, err)
		}
		if req.Title == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "title is required")
		}

		id, entityUUID := common.NewHashID(prefix)
		now := time.Now().UTC().Format(time.RFC3339)
		entity := &jsonl.Entity{
			UUID:          entityUUID,
			ID:            id,
			Type:          entityType,
			Title:         req.Title,
			Content:       req.Content,
			Status:        orDefault(req.Status, "open"),
			Priority:      req.Priority,
			Assignee:      req.Assignee,
			Tags:          req.Tags,
			Relationships: req.Relationships,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := h.Store.SaveEntity(entity); err != nil {
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		h.exportEntities(c)
		h.publishEntityEvent(entity, federation.EventCreated)
		return c.JSON(http.StatusCreated, entity)
	}
}

func (h *Handlers) updateEntityHandler(entityType jsonl.EntityType) echo.HandlerFunc {
	return func(c echo.Context) error {
		entity, err := h.Store.GetEntityByID(string(entityType), c.Param("id"))
		if err != nil {
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		if entity == nil {
			return echo.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		var req entityRequest
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, err)
		}

		updated := entity.Clone()
		if req.Title != "" {
			updated.Title = req.Title
		}
		if req.Content != "" {
			updated.Content = req.Content
		}
		if req.Status != "" {
			updated.Status = req.Status
		}
		if req.Priority != "" {
			updated.Priority = req.Priority
		}
		if req.Assignee != "" {
			updated.Assignee = req.Assignee
		}
		if req.Tags != nil {
			updated.Tags = req.Tags
		}
		if req.Relationships != nil {
			updated.Relationships = req.Relationships
		}
		updated.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

		if err := h.Store.SaveEntity(updated); err != nil {
			return errorJSON(c, http.StatusInternalServerError, err)
		}
		h.exportEntities(c)

		eventType := federation.EventUpdated
		if updated.Status == "closed" && entity.Status != "closed" {
			eventType = federation.EventClosed
		}
		h.publishEntityEvent(updated, eventType)
		return c.JSON(http.StatusOK, updated)
	}
}

// exportEntities re-exports the JSONL files after a mutation so git always
// sees the canonical serialization.
func (h *Handlers) exportEntities(c echo.Context) {
	if err := h.Store.ExportJSONL(h.Config.IssuesPath(), h.Config.SpecsPath()); err != nil {
		h.Logger.WithError(err).Warn("Re-exporting JSONL failed")
	}
}

// publishEntityEvent feeds the federation subscription bus.
func (h *Handlers) publishEntityEvent(entity *jsonl.Entity, eventType string) {
	if h.Federation == nil {
		return
	}
	h.Federation.Subscriptions().PublishEvent(entity, eventType, nil,
		h.Federation.LocalRepoURL())
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
