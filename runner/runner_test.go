package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/normalizer"
	"github.com/sudocode-ai/sudocode/process"
	"github.com/sudocode-ai/sudocode/transport"
)

// stubAdapter runs sh with a canned script emitting stream-json lines.
type stubAdapter struct {
	script string
	resume bool
}

func (a *stubAdapter) Type() string       { return "stub" }
func (a *stubAdapter) Metadata() agent.Metadata {
	return agent.Metadata{Name: "stub", Version: "test"}
}
func (a *stubAdapter) BuildProcessConfig(task agent.Task) (process.Config, error) {
	return process.Config{
		Executable: "sh",
		Args:       []string{"-c", a.script},
		WorkDir:    task.WorkDir,
		Mode:       process.ModeLine,
	}, nil
}
func (a *stubAdapter) ValidateConfig(cfg agent.TaskConfig) []string { return nil }
func (a *stubAdapter) DefaultConfig() agent.TaskConfig              { return agent.TaskConfig{} }
func (a *stubAdapter) CheckAvailability() error                     { return nil }
func (a *stubAdapter) SupportsSessionResume() bool                  { return a.resume }
func (a *stubAdapter) Normalizer() normalizer.Normalizer {
	return normalizer.NewStreamJSON()
}

// recordingSink captures every event it is sent.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Send(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}
func (s *recordingSink) Heartbeat() error { return nil }
func (s *recordingSink) Close() error     { return nil }
func (s *recordingSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store    *db.Service
	runner   *Runner
	registry *agent.Registry
	sse      *transport.SSETransport
	sup      *process.Supervisor
}

func newFixture(t *testing.T, adapter agent.Adapter) *fixture {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buffer := events.NewBuffer(nil, 1000, time.Hour)
	manager := transport.NewManager(nil, buffer)
	sse := transport.NewSSE(nil, buffer)
	manager.Register(sse)

	sup := process.NewSupervisor(nil, time.Second)
	t.Cleanup(sup.Shutdown)

	registry := agent.NewRegistry(nil)
	if adapter != nil {
		registry.Register(adapter)
	}

	return &fixture{
		store:    store,
		runner:   New(nil, store, sup, manager, registry),
		registry: registry,
		sse:      sse,
		sup:      sup,
	}
}

const happyScript = `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'`

func TestExecute_HappyPath(t *testing.T) {
	fx := newFixture(t, &stubAdapter{script: happyScript})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-1"}))

	sink := &recordingSink{}
	require.NoError(t, fx.sse.HandleConnection("client", sink, "exec-1", 0))

	err := fx.runner.Execute(context.Background(), "exec-1", "stub", agent.Task{Prompt: "echo hi"})
	require.NoError(t, err)

	exec, err := fx.store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionCompleted, exec.Status)
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)

	logs, err := fx.store.GetExecutionLogs("exec-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "assistant_message", logs[0].Kind)
	assert.Equal(t, 0, logs[0].EntryIndex)

	got := sink.types()
	// connected, RUN_STARTED, STATE_SNAPSHOT, one text message, RUN_FINISHED
	// (plus global status broadcasts interleaved).
	require.GreaterOrEqual(t, len(got), 5)
	assert.Equal(t, events.TypeConnected, got[0])
	ordered := filterTypes(got,
		events.TypeRunStarted, events.TypeStateSnapshot,
		events.TypeTextMessageContent, events.TypeRunFinished, events.TypeRunError)
	assert.Equal(t, []events.EventType{
		events.TypeRunStarted,
		events.TypeStateSnapshot,
		events.TypeTextMessageContent,
		events.TypeRunFinished,
	}, ordered)
}

func filterTypes(got []events.EventType, keep ...events.EventType) []events.EventType {
	keepSet := make(map[events.EventType]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	var out []events.EventType
	for _, g := range got {
		if keepSet[g] {
			out = append(out, g)
		}
	}
	return out
}

func TestExecute_NonZeroExitFails(t *testing.T) {
	fx := newFixture(t, &stubAdapter{script: "exit 7"})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-2"}))

	sink := &recordingSink{}
	require.NoError(t, fx.sse.HandleConnection("client", sink, "exec-2", 0))

	require.NoError(t, fx.runner.Execute(context.Background(), "exec-2", "stub", agent.Task{}))

	exec, err := fx.store.GetExecution("exec-2")
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "exit")
	assert.Contains(t, exec.ErrorMessage, "7")

	finals := filterTypes(sink.types(), events.TypeRunFinished, events.TypeRunError)
	assert.Equal(t, []events.EventType{events.TypeRunError}, finals)
}

func TestExecute_UnknownAgent(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-3"}))

	err := fx.runner.Execute(context.Background(), "exec-3", "ghost", agent.Task{})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindAgentNotFound))

	exec, _ := fx.store.GetExecution("exec-3")
	assert.Equal(t, db.ExecutionFailed, exec.Status)
}

func TestResume_UnsupportedAdapter(t *testing.T) {
	fx := newFixture(t, &stubAdapter{script: happyScript, resume: false})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-4"}))

	err := fx.runner.Resume(context.Background(), "exec-4", "stub", "sess-1", agent.Task{})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindAgentNotImplemented))
}

func TestCancel_RunningExecution(t *testing.T) {
	fx := newFixture(t, &stubAdapter{script: "sleep 30"})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-5"}))

	done := make(chan error, 1)
	go func() {
		done <- fx.runner.Execute(context.Background(), "exec-5", "stub", agent.Task{})
	}()

	// Wait for the execution to reach running.
	require.Eventually(t, func() bool {
		exec, _ := fx.store.GetExecution("exec-5")
		return exec != nil && exec.Status == db.ExecutionRunning &&
			fx.runner.getActive("exec-5") != nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, fx.runner.Cancel("exec-5"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not stop")
	}

	exec, err := fx.store.GetExecution("exec-5")
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionStopped, exec.Status)
}

func TestCancel_NonRunningIsSafe(t *testing.T) {
	fx := newFixture(t, &stubAdapter{script: happyScript})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-6"}))

	require.NoError(t, fx.runner.Cancel("exec-6"))
	exec, _ := fx.store.GetExecution("exec-6")
	assert.Equal(t, db.ExecutionStopped, exec.Status)

	// Cancelling an unknown execution is a no-op.
	require.NoError(t, fx.runner.Cancel("missing"))
}

func TestExecute_EntryIndexesGapFree(t *testing.T) {
	script := ""
	for i := 0; i < 5; i++ {
		script += fmt.Sprintf(`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"m%d"}]}}'`+"\n", i)
	}
	fx := newFixture(t, &stubAdapter{script: script})
	require.NoError(t, fx.store.CreateExecution(&db.Execution{ID: "exec-7"}))

	require.NoError(t, fx.runner.Execute(context.Background(), "exec-7", "stub", agent.Task{}))

	logs, err := fx.store.GetExecutionLogs("exec-7", 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i, l := range logs {
		assert.Equal(t, i, l.EntryIndex)
	}
}
