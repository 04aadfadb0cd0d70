package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudocode-ai/sudocode/transport"
)

func (h *Handlers) registerStreamRoutes(g *echo.Group) {
	g.GET("/events/stream", h.handleEventStream)
	g.GET("/agents", h.handleListAgents)
}

// handleEventStream serves the SSE event stream. Query parameters:
//
//	run_id    replay + follow one execution or workflow
//	from_seq  resume point within the run's buffer (default 0)
//
// Without run_id the client receives global broadcasts only.
func (h *Handlers) handleEventStream(c echo.Context) error {
	runID := c.QueryParam("run_id")
	fromSeq, _ := strconv.ParseInt(c.QueryParam("from_seq"), 10, 64)

	sink, err := transport.NewSSESink(c.Response())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	clientID := fmt.Sprintf("sse-%s", uuid.New().String()[:8])
	if err := h.SSE.HandleConnection(clientID, sink, runID, fromSeq); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Hold the response open until the client goes away or the transport
	// drops the sink.
	select {
	case <-c.Request().Context().Done():
		h.SSE.Disconnect(clientID)
	case <-sink.Done():
	}
	return nil
}

// agentStatus is one row of GET /api/agents.
type agentStatus struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	Resume    bool   `json:"supports_resume"`
}

func (h *Handlers) handleListAgents(c echo.Context) error {
	var out []agentStatus
	for _, agentType := range h.Registry.Types() {
		adapter, err := h.Registry.Get(agentType)
		if err != nil {
			continue
		}
		status := agentStatus{
			Type:   agentType,
			Name:   adapter.Metadata().Name,
			Resume: adapter.SupportsSessionResume(),
		}
		if err := h.Registry.VerifyAvailability(agentType); err != nil {
			status.Error = err.Error()
		} else {
			status.Available = true
		}
		out = append(out, status)
	}
	return c.JSON(http.StatusOK, out)
}
