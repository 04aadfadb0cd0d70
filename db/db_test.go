package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/jsonl"
)

func openTestDB(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestExecutionLifecycle(t *testing.T) {
	svc := openTestDB(t)

	exec := &Execution{ID: "exec-1", IssueID: "i-1", WorkspacePath: "/tmp/w"}
	require.NoError(t, svc.CreateExecution(exec))

	got, err := svc.GetExecution("exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ExecutionPending, got.Status)

	require.NoError(t, svc.UpdateExecutionStatus("exec-1", ExecutionRunning, ""))
	got, err = svc.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, svc.UpdateExecutionStatus("exec-1", ExecutionFailed, "exit code 2"))
	got, err = svc.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, got.Status)
	assert.Equal(t, "exit code 2", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutionLogsOrdered(t *testing.T) {
	svc := openTestDB(t)
	require.NoError(t, svc.CreateExecution(&Execution{ID: "exec-1"}))

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AppendExecutionLog(&ExecutionLog{
			ExecutionID: "exec-1",
			EntryIndex:  i,
			Kind:        "assistant_message",
			Payload:     "{}",
			Timestamp:   time.Now(),
		}))
	}

	logs, err := svc.GetExecutionLogs("exec-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i+2, l.EntryIndex)
	}
}

func TestCrossRepoRequestTerminalImmutable(t *testing.T) {
	svc := openTestDB(t)

	req := &CrossRepoRequest{
		RequestID:   "req-1",
		Direction:   DirectionIncoming,
		FromRepo:    "https://peer.example",
		ToRepo:      "https://local.example",
		RequestType: "create_issue",
	}
	require.NoError(t, svc.CreateCrossRepoRequest(req))

	require.NoError(t, svc.TransitionCrossRepoRequest("req-1", map[string]interface{}{
		"status": RequestRejected, "rejection_reason": "nope",
	}))

	err := svc.TransitionCrossRepoRequest("req-1", map[string]interface{}{
		"status": RequestCompleted,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot change")

	got, err := svc.GetCrossRepoRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, got.Status)
}

func TestSubscriptionConnectionCleanup(t *testing.T) {
	svc := openTestDB(t)

	for i, conn := range []string{"c1", "c1", "c2"} {
		require.NoError(t, svc.CreateSubscription(&Subscription{
			SubscriptionID: "sub-" + string(rune('a'+i)),
			LocalRepo:      "https://local.example",
			EntityType:     "issue",
			EventsJSON:     `["*"]`,
			WSConnectionID: conn,
			Active:         true,
		}))
	}

	n, err := svc.DeleteSubscriptionsForConnection("c1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	subs, err := svc.ListActiveSubscriptions("https://local.example")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c2", subs[0].WSConnectionID)
}

func TestImportJSONL(t *testing.T) {
	svc := openTestDB(t)
	dir := t.TempDir()
	issues := filepath.Join(dir, "issues.jsonl")
	specs := filepath.Join(dir, "specs.jsonl")

	require.NoError(t, os.WriteFile(issues, []byte(
		`{"uuid":"u1","id":"i-1","title":"first","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`+"\n"+
			`{"uuid":"u2","id":"i-2","title":"second","created_at":"2024-01-02T00:00:00Z","updated_at":"2024-01-02T00:00:00Z"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(specs, []byte(
		`{"uuid":"u3","id":"s-1","title":"spec","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`+"\n"), 0644))

	ran, err := svc.ImportIfMissing(issues, specs)
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := svc.GetEntityByID("issue", "i-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, jsonl.TypeIssue, got.Type)

	// Second call is a no-op.
	ran, err = svc.ImportIfMissing(issues, specs)
	require.NoError(t, err)
	assert.False(t, ran)

	// Export round-trips deterministically.
	out := filepath.Join(dir, "issues-out.jsonl")
	outSpecs := filepath.Join(dir, "specs-out.jsonl")
	require.NoError(t, svc.ExportJSONL(out, outSpecs))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"i-1"`)
}
