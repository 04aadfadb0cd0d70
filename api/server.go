// Package api provides the HTTP surface of the execution core: execution
// and workflow management, the SSE event stream, the federation REST
// endpoints, and the federation WebSocket. It includes standard middleware,
// health checks, and server setup patterns shared by every deployment.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/federation"
	"github.com/sudocode-ai/sudocode/runner"
	"github.com/sudocode-ai/sudocode/transport"
	"github.com/sudocode-ai/sudocode/version"
	"github.com/sudocode-ai/sudocode/workflow"
)

// Handlers bundles the service dependencies of the API layer.
type Handlers struct {
	Logger     *logrus.Entry
	Config     *config.ServiceConfig
	Store      *db.Service
	Runner     *runner.Runner
	Engine     *workflow.Engine
	Registry   *agent.Registry
	Manager    *transport.Manager
	SSE        *transport.SSETransport
	Federation *federation.Service
}

// NewEchoServer creates the Echo instance for the execution core. The
// middleware chain is ordered so panics in any later handler are caught,
// every request carries an id, and oversized bodies are rejected before
// they reach a handler. CORS is open by default because browser UIs stream
// run events straight from this server.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `${time_rfc3339} ${method} ${uri} -> ${status} ${latency_human} req=${id}` + "\n",
	}))
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		// The API surface is GET/POST/PATCH/DELETE; Last-Event-ID lets SSE
		// clients resume a run stream across reconnects.
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPatch,
				http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderContentType, echo.HeaderAuthorization,
				"X-API-Key", "Last-Event-ID",
			},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	return e
}

// SetupRoutes mounts every endpoint.
//
// Local API (X-API-Key when configured):
//   - /api/executions…   execution lifecycle and logs
//   - /api/workflows…    workflow CRUD and controls
//   - /api/issues,specs  entity CRUD over the cache + JSONL export
//   - /api/agents        adapter availability
//   - /api/events/stream SSE event stream
//
// Federation surface (JWT when a signing key is configured):
//   - /federation/info, /federation/query, /federation/mutate
//   - /federation/ws     subscription WebSocket
func SetupRoutes(e *echo.Echo, h *Handlers) {
	e.GET("/health", healthHandler(h))

	api := e.Group("/api")
	if key := h.Config.Server.APIKey; key != "" {
		api.Use(APIKeyAuth(key))
	}
	h.registerExecutionRoutes(api)
	h.registerWorkflowRoutes(api)
	h.registerEntityRoutes(api)
	h.registerStreamRoutes(api)

	fed := e.Group("/federation")
	if h.Config.Federation.SigningKey != "" {
		fed.Use(PeerJWTAuth(h.Config.Federation.SigningKey))
	}
	h.registerFederationRoutes(fed)
}

func healthHandler(h *Handlers) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"service": "sudocode-core",
			"version": version.Version,
		})
	}
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, e *echo.Echo, cfg config.ServerConfig, logger *logrus.Entry) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()
	logger.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// errorJSON is the uniform error body.
func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// nowMillis is a small helper for wire timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
