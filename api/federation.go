package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/federation"
)

func (h *Handlers) registerFederationRoutes(g *echo.Group) {
	// Peer-facing protocol surface.
	g.GET("/info", h.handleFederationInfo)
	g.POST("/query", h.handleFederationQuery)
	g.POST("/mutate", h.handleFederationMutate)
	g.GET("/ws", h.handleFederationWS)

	// Operator surface.
	g.GET("/repos", h.handleListRepos)
	g.POST("/repos", h.handleRegisterRepo)
	g.DELETE("/repos", h.handleRemoveRepo)
	g.POST("/repos/discover", h.handleDiscoverRepo)
	g.GET("/requests", h.handleListRequests)
	g.POST("/requests/:id/approve", h.handleApproveRequest)
	g.POST("/requests/:id/reject", h.handleRejectRequest)
	g.POST("/subscriptions", h.handleCreateSubscription)
	g.DELETE("/subscriptions/:id", h.handleDeleteSubscription)
	g.GET("/metrics", h.handleFederationMetrics)
	g.GET("/health", h.handleFederationHealth)
}

func (h *Handlers) handleFederationInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, federation.LocalCapabilities())
}

func (h *Handlers) handleFederationQuery(c echo.Context) error {
	var envelope federation.QueryEnvelope
	if err := c.Bind(&envelope); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	results, err := h.Federation.QueryEntities(&envelope)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handlers) handleFederationMutate(c echo.Context) error {
	var envelope federation.MutateEnvelope
	if err := c.Bind(&envelope); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	reply, err := h.Federation.ReceiveMutation(&envelope)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// registerRepoRequest is the body of POST /federation/repos.
type registerRepoRequest struct {
	URL                 string `json:"url"`
	Name                string `json:"name"`
	TrustLevel          string `json:"trust_level"`
	RestEndpoint        string `json:"rest_endpoint,omitempty"`
	WSEndpoint          string `json:"ws_endpoint,omitempty"`
	GitURL              string `json:"git_url,omitempty"`
	AutoSync            bool   `json:"auto_sync"`
	SyncIntervalMinutes int    `json:"sync_interval_minutes"`
}

func (h *Handlers) handleRegisterRepo(c echo.Context) error {
	var req registerRepoRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	repo := &db.RemoteRepo{
		URL:                 req.URL,
		Name:                req.Name,
		TrustLevel:          req.TrustLevel,
		RestEndpoint:        req.RestEndpoint,
		WSEndpoint:          req.WSEndpoint,
		GitURL:              req.GitURL,
		AutoSync:            req.AutoSync,
		SyncIntervalMinutes: req.SyncIntervalMinutes,
	}
	if err := h.Federation.RegisterRepo(repo); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusCreated, repo)
}

func (h *Handlers) handleListRepos(c echo.Context) error {
	repos, err := h.Federation.ListRepos()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, repos)
}

func (h *Handlers) handleRemoveRepo(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url query parameter is required")
	}
	if err := h.Federation.RemoveRepo(url); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) handleDiscoverRepo(c echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url query parameter is required")
	}
	repo, err := h.Federation.Discover(url)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return errorJSON(c, http.StatusNotFound, err)
		}
		return errorJSON(c, http.StatusBadGateway, err)
	}
	return c.JSON(http.StatusOK, repo)
}

func (h *Handlers) handleListRequests(c echo.Context) error {
	reqs, err := h.Store.ListCrossRepoRequests(
		c.QueryParam("status"), c.QueryParam("direction"), time.Time{})
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (h *Handlers) handleApproveRequest(c echo.Context) error {
	approver := c.QueryParam("approver")
	if approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver query parameter is required")
	}
	req, err := h.Federation.Approve(c.Param("id"), approver)
	if err != nil {
		return federationRequestError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handlers) handleRejectRequest(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	req, err := h.Federation.Reject(c.Param("id"), body.Reason)
	if err != nil {
		return federationRequestError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

// subscribeRequest is the REST body for creating a subscription.
type subscribeRequest struct {
	RemoteRepo string   `json:"remote_repo"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id,omitempty"`
	Events     []string `json:"events,omitempty"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

func (h *Handlers) handleCreateSubscription(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	sub, err := h.Federation.Subscriptions().Subscribe(
		h.Federation.LocalRepoURL(), req.RemoteRepo, req.EntityType,
		req.EntityID, req.Events, req.WebhookURL, "")
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) handleDeleteSubscription(c echo.Context) error {
	if err := h.Federation.Subscriptions().Unsubscribe(c.Param("id")); err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return errorJSON(c, http.StatusNotFound, err)
		}
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) handleFederationMetrics(c echo.Context) error {
	window, _ := time.ParseDuration(c.QueryParam("window"))
	topN, _ := strconv.Atoi(c.QueryParam("top"))
	if topN <= 0 {
		topN = 10
	}
	m, err := h.Federation.CollectMetrics(window, topN)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handlers) handleFederationHealth(c echo.Context) error {
	report, err := h.Federation.Health()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, report)
}

func federationRequestError(c echo.Context, err error) error {
	switch common.KindOf(err) {
	case common.KindNotFound:
		return errorJSON(c, http.StatusNotFound, err)
	case common.KindWorkflowState:
		return errorJSON(c, http.StatusConflict, err)
	default:
		return errorJSON(c, http.StatusInternalServerError, err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers authenticate with JWT; origin checks do not apply to
	// repo-to-repo connections.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is a client→server frame of the subscription protocol.
type wsClientMessage struct {
	Type           string   `json:"type"` // subscribe | unsubscribe | ping
	RemoteRepo     string   `json:"remote_repo,omitempty"`
	EntityType     string   `json:"entity_type,omitempty"`
	EntityID       string   `json:"entity_id,omitempty"`
	Events         []string `json:"events,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
}

// wsSender adapts a gorilla connection to the federation ConnSender.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) SendJSON(v interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *wsSender) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}

// handleFederationWS upgrades the connection and speaks the subscription
// protocol: subscribe/unsubscribe requests in, subscription events out.
func (h *Handlers) handleFederationWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	bus := h.Federation.Subscriptions()
	conns := bus.Connections()
	sender := &wsSender{conn: conn}
	connID := conns.Register(sender, c.QueryParam("remote_repo"))
	defer conns.Close(connID)

	conn.SetPongHandler(func(string) error {
		conns.Touch(connID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		conns.Touch(connID)

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sender.SendJSON(map[string]string{"type": "error", "error": "malformed message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			sub, err := bus.Subscribe(h.Federation.LocalRepoURL(), msg.RemoteRepo,
				msg.EntityType, msg.EntityID, msg.Events, "", connID)
			if err != nil {
				sender.SendJSON(map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			sender.SendJSON(map[string]interface{}{
				"type":            "subscribed",
				"subscription_id": sub.SubscriptionID,
			})
		case "unsubscribe":
			if err := bus.Unsubscribe(msg.SubscriptionID); err != nil {
				sender.SendJSON(map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			sender.SendJSON(map[string]interface{}{
				"type":            "unsubscribed",
				"subscription_id": msg.SubscriptionID,
			})
		case "ping":
			sender.SendJSON(map[string]interface{}{"type": "pong", "timestamp": nowMillis()})
		default:
			sender.SendJSON(map[string]string{"type": "error",
				"error": "unknown message type " + msg.Type})
		}
	}
}
