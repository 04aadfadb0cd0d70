package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/config"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/federation"
	"github.com/sudocode-ai/sudocode/process"
	"github.com/sudocode-ai/sudocode/runner"
	"github.com/sudocode-ai/sudocode/transport"
	"github.com/sudocode-ai/sudocode/workflow"
)

func newTestServer(t *testing.T) (*echo.Echo, *Handlers) {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	workDir := t.TempDir()
	cfg := &config.ServiceConfig{
		WorkDir: workDir,
		Server:  config.ServerConfig{},
		Federation: config.FederationConfig{
			LocalRepoURL: "https://local.example",
			WSMaxIdle:    time.Minute,
		},
	}
	require.NoError(t, cfg.EnsureWorkspace())

	buffer := events.NewBuffer(nil, 1000, time.Hour)
	manager := transport.NewManager(nil, buffer)
	sse := transport.NewSSE(nil, buffer)
	manager.Register(sse)

	sup := process.NewSupervisor(nil, time.Second)
	t.Cleanup(sup.Shutdown)
	registry := agent.NewRegistry(nil)
	run := runner.New(nil, store, sup, manager, registry)
	engine := workflow.NewEngine(nil, store, run, manager, "", workDir)
	fed := federation.NewService(nil, store, cfg.Federation)

	h := &Handlers{
		Logger:     nil,
		Config:     cfg,
		Store:      store,
		Runner:     run,
		Engine:     engine,
		Registry:   registry,
		Manager:    manager,
		SSE:        sse,
		Federation: fed,
	}
	h.Logger = noopLogger()

	e := NewEchoServer(cfg.Server)
	SetupRoutes(e, h)
	return e, h
}

func noopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestEntityCRUDAndExport(t *testing.T) {
	e, h := newTestServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/issues",
		`{"title":"first issue","content":"body","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(id, "i-"))

	rec = doJSON(t, e, http.MethodGet, "/api/issues/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodPatch, "/api/issues/"+id, `{"status":"closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// The export file exists and carries the issue.
	data := readFile(t, h.Config.IssuesPath())
	assert.Contains(t, data, `"id":"`+id+`"`)
	assert.Contains(t, data, `"status":"closed"`)

	rec = doJSON(t, e, http.MethodGet, "/api/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFederationInfoAndMutateFlow(t *testing.T) {
	e, h := newTestServer(t)

	rec := doJSON(t, e, http.MethodGet, "/federation/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entity_types")

	// Register an untrusted peer, then deliver its mutation.
	rec = doJSON(t, e, http.MethodPost, "/federation/repos",
		`{"url":"https://peer.example","name":"peer","trust_level":"untrusted"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/federation/mutate",
		`{"type":"mutate","from":"https://peer.example","to":"https://local.example","operation":"create_issue","data":{"title":"needs approval"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pending_approval")

	reqs, err := h.Store.ListCrossRepoRequests(db.RequestPending, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	rec = doJSON(t, e, http.MethodPost,
		"/federation/requests/"+reqs[0].RequestID+"/approve?approver=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), db.RequestCompleted)

	issues, err := h.Store.ListEntities("issue")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "needs approval", issues[0].Title)
}

func TestFederationQueryEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/issues", `{"title":"open one"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/federation/query",
		`{"type":"query","from":"https://peer.example","to":"https://local.example","query":{"entity":"issue","filters":{"status":"open"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply struct {
		Results []map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.Len(t, reply.Results, 1)
	assert.Equal(t, "open one", reply.Results[0]["title"])
}

func TestWorkflowEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	// Seed issues through the API so the workflow builder finds them.
	rec := doJSON(t, e, http.MethodPost, "/api/issues", `{"title":"a"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var issue map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issue))
	issueID := issue["id"].(string)

	rec = doJSON(t, e, http.MethodPost, "/api/workflows",
		`{"title":"wf","source":{"type":"issues","issue_ids":["`+issueID+`"]},"config":{"on_failure":"stop","parallelism":"sequential","max_concurrency":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var wf db.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))

	rec = doJSON(t, e, http.MethodGet, "/api/workflows/"+wf.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"steps"`)

	// Unknown workflow returns 404.
	rec = doJSON(t, e, http.MethodGet, "/api/workflows/wf-nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An unknown issue in the source surfaces as 404.
	rec = doJSON(t, e, http.MethodPost, "/api/workflows",
		`{"title":"bad","source":{"type":"issues","issue_ids":["missing-issue"]}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyGuard(t *testing.T) {
	_, h := newTestServer(t)
	h.Config.Server.APIKey = "sekrit"

	// Rebuild routes with the key in place.
	e2 := NewEchoServer(h.Config.Server)
	SetupRoutes(e2, h)

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	rec := httptest.NewRecorder()
	e2.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	e2.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEEndpointWritesConnectedEvent(t *testing.T) {
	e, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?run_id=run-1", nil).
		WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "clientId")
}
