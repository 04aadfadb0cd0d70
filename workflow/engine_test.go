package workflow

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
	"github.com/sudocode-ai/sudocode/jsonl"
	"github.com/sudocode-ai/sudocode/transport"
)

// fakeRunner terminates executions directly in the store.
type fakeRunner struct {
	store *db.Service

	mu         sync.Mutex
	failIssues map[string]bool
	executed   []string
	running    int
	maxRunning int
	delay      time.Duration
	cancelled  []string
}

func (f *fakeRunner) Execute(ctx context.Context, executionID, agentType string, task agent.Task) error {
	exec, err := f.store.GetExecution(executionID)
	if err != nil || exec == nil {
		return fmt.Errorf("execution %s not found", executionID)
	}

	f.mu.Lock()
	f.executed = append(f.executed, exec.IssueID)
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	fail := f.failIssues[exec.IssueID]
	delay := f.delay
	f.mu.Unlock()

	f.store.UpdateExecutionStatus(executionID, db.ExecutionRunning, "")
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()

	if fail {
		return f.store.UpdateExecutionStatus(executionID, db.ExecutionFailed, "agent exited with code 1")
	}
	return f.store.UpdateExecutionStatus(executionID, db.ExecutionCompleted, "")
}

func (f *fakeRunner) Cancel(executionID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, executionID)
	f.mu.Unlock()
	return f.store.UpdateExecutionStatus(executionID, db.ExecutionStopped, "")
}

type wfFixture struct {
	store  *db.Service
	engine *Engine
	runner *fakeRunner
	buffer *events.Buffer
}

func newWFFixture(t *testing.T) *wfFixture {
	t.Helper()
	store, err := db.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buffer := events.NewBuffer(nil, 1000, time.Hour)
	manager := transport.NewManager(nil, buffer)

	runner := &fakeRunner{store: store, failIssues: map[string]bool{}}
	engine := NewEngine(nil, store, runner, manager, "", "")
	engine.pollInterval = 5 * time.Millisecond
	engine.stepTimeout = 5 * time.Second

	return &wfFixture{store: store, engine: engine, runner: runner, buffer: buffer}
}

// seedIssue caches an issue with the given dependencies (depends_on ids).
func (fx *wfFixture) seedIssue(t *testing.T, id string, dependsOn ...string) {
	t.Helper()
	e := &jsonl.Entity{
		UUID:      "uuid-" + id,
		ID:        id,
		Type:      jsonl.TypeIssue,
		Title:     "Issue " + id,
		Content:   "Do the work for " + id,
		Status:    "open",
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	for _, dep := range dependsOn {
		e.Relationships = append(e.Relationships, jsonl.Relationship{
			Type: jsonl.RelDependsOn, ToID: dep, ToType: "issue",
		})
	}
	require.NoError(t, fx.store.SaveEntity(e))
}

func (fx *wfFixture) runToEnd(t *testing.T, workflowID string) *db.Workflow {
	t.Helper()
	require.NoError(t, fx.engine.Start(context.Background(), workflowID))
	fx.engine.Wait(workflowID)
	wf, err := fx.store.GetWorkflow(workflowID)
	require.NoError(t, err)
	return wf
}

func TestCreate_CycleDetection(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "A", "B")
	fx.seedIssue(t, "B", "C")
	fx.seedIssue(t, "C", "A")

	_, err := fx.engine.Create("cyclic", Source{
		Type: SourceIssues, IssueIDs: []string{"A", "B", "C"},
	}, "main", DefaultConfig())

	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindWorkflowCycle))

	var typed *common.Error
	require.ErrorAs(t, err, &typed)
	cycles, ok := typed.Details["cycles"].([][]string)
	require.True(t, ok)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"A", "B", "C"}, cycles[0])
}

func TestRun_SequentialHappyPath(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "i-1")
	fx.seedIssue(t, "i-2", "i-1")
	fx.seedIssue(t, "i-3", "i-2")

	cfg := DefaultConfig()
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("chain", Source{
		Type: SourceIssues, IssueIDs: []string{"i-1", "i-2", "i-3"},
	}, "main", cfg)
	require.NoError(t, err)

	final := fx.runToEnd(t, wf.ID)
	assert.Equal(t, db.WorkflowCompleted, final.Status)
	assert.Equal(t, 3, final.CurrentStepIndex)

	// Dependency order respected.
	assert.Equal(t, []string{"i-1", "i-2", "i-3"}, fx.runner.executed)
	// Sequential: never more than one running.
	assert.Equal(t, 1, fx.runner.maxRunning)

	steps, err := fx.store.GetWorkflowSteps(wf.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, db.StepCompleted, s.Status)
		assert.NotEmpty(t, s.ExecutionID)
	}

	// Completed steps close their issues.
	issue, err := fx.store.GetEntityByID("issue", "i-1")
	require.NoError(t, err)
	assert.Equal(t, "closed", issue.Status)
}

func TestRun_SkipDependents(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "s1")
	fx.seedIssue(t, "s2", "s1")
	fx.seedIssue(t, "s3", "s1")
	fx.runner.failIssues["s1"] = true

	cfg := DefaultConfig()
	cfg.OnFailure = OnFailureSkipDependents
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("skippy", Source{
		Type: SourceIssues, IssueIDs: []string{"s1", "s2", "s3"},
	}, "main", cfg)
	require.NoError(t, err)

	final := fx.runToEnd(t, wf.ID)
	assert.Equal(t, db.WorkflowCompleted, final.Status)

	steps, err := fx.store.GetWorkflowSteps(wf.ID)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, s := range steps {
		statuses[s.IssueID] = s.Status
		if s.Status == db.StepSkipped {
			assert.Contains(t, s.Error, "Dependency ")
		}
	}
	assert.Equal(t, db.StepFailed, statuses["s1"])
	assert.Equal(t, db.StepSkipped, statuses["s2"])
	assert.Equal(t, db.StepSkipped, statuses["s3"])

	// One step_failed and two step_skipped events were emitted.
	var failed, skipped int
	for _, e := range fx.buffer.Get(wf.ID, 0) {
		switch e.Type {
		case events.TypeStepFailed:
			failed++
		case events.TypeStepSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, skipped)
}

func TestRun_StopPolicyFailsWorkflow(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "x1")
	fx.seedIssue(t, "x2", "x1")
	fx.runner.failIssues["x1"] = true

	cfg := DefaultConfig()
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("stops", Source{
		Type: SourceIssues, IssueIDs: []string{"x1", "x2"},
	}, "main", cfg)
	require.NoError(t, err)

	final := fx.runToEnd(t, wf.ID)
	assert.Equal(t, db.WorkflowFailed, final.Status)

	steps, _ := fx.store.GetWorkflowSteps(wf.ID)
	statuses := map[string]string{}
	for _, s := range steps {
		statuses[s.IssueID] = s.Status
	}
	assert.Equal(t, db.StepFailed, statuses["x1"])
	assert.Equal(t, db.StepPending, statuses["x2"])
}

func TestRun_ContinuePolicyBlocksDependents(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "c1")
	fx.seedIssue(t, "c2", "c1")
	fx.seedIssue(t, "c3") // unrelated, still runs

	fx.runner.failIssues["c1"] = true
	cfg := DefaultConfig()
	cfg.OnFailure = OnFailureContinue
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("cont", Source{
		Type: SourceIssues, IssueIDs: []string{"c1", "c2", "c3"},
	}, "main", cfg)
	require.NoError(t, err)

	final := fx.runToEnd(t, wf.ID)
	// Stuck awaiting human action: status stays running.
	assert.Equal(t, db.WorkflowRunning, final.Status)

	steps, _ := fx.store.GetWorkflowSteps(wf.ID)
	statuses := map[string]string{}
	for _, s := range steps {
		statuses[s.IssueID] = s.Status
	}
	assert.Equal(t, db.StepFailed, statuses["c1"])
	assert.Equal(t, db.StepBlocked, statuses["c2"])
	assert.Equal(t, db.StepCompleted, statuses["c3"])
}

func TestRetryStep_UnblocksAndReruns(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "r1")
	fx.seedIssue(t, "r2", "r1")
	fx.runner.failIssues["r1"] = true

	cfg := DefaultConfig()
	cfg.OnFailure = OnFailureContinue
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("retry", Source{
		Type: SourceIssues, IssueIDs: []string{"r1", "r2"},
	}, "main", cfg)
	require.NoError(t, err)
	fx.runToEnd(t, wf.ID)

	steps, _ := fx.store.GetWorkflowSteps(wf.ID)
	var failedStepID string
	for _, s := range steps {
		if s.IssueID == "r1" {
			failedStepID = s.ID
		}
	}

	// Let it pass this time.
	fx.runner.mu.Lock()
	fx.runner.failIssues["r1"] = false
	fx.runner.mu.Unlock()

	require.NoError(t, fx.engine.RetryStep(context.Background(), wf.ID, failedStepID))
	require.NoError(t, fx.engine.Start(context.Background(), wf.ID))
	fx.engine.Wait(wf.ID)

	final, _ := fx.store.GetWorkflow(wf.ID)
	assert.Equal(t, db.WorkflowCompleted, final.Status)

	steps, _ = fx.store.GetWorkflowSteps(wf.ID)
	for _, s := range steps {
		assert.Equal(t, db.StepCompleted, s.Status)
	}
}

func TestCancel_MarksWorkflowCancelled(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "long-1")
	fx.runner.delay = 200 * time.Millisecond

	cfg := DefaultConfig()
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("cancel-me", Source{
		Type: SourceIssues, IssueIDs: []string{"long-1"},
	}, "main", cfg)
	require.NoError(t, err)
	require.NoError(t, fx.engine.Start(context.Background(), wf.ID))

	require.Eventually(t, func() bool {
		execs, _ := fx.store.ListExecutions(db.ExecutionRunning, 0)
		return len(execs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.engine.Cancel(wf.ID))
	fx.engine.Wait(wf.ID)

	final, _ := fx.store.GetWorkflow(wf.ID)
	assert.Equal(t, db.WorkflowCancelled, final.Status)

	// Terminal workflows reject further control calls.
	err = fx.engine.Cancel(wf.ID)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindWorkflowState))
}

func TestSkipStep_BehavesLikeFailureUnderPolicy(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "k1")
	fx.seedIssue(t, "k2", "k1")

	cfg := DefaultConfig()
	cfg.OnFailure = OnFailureSkipDependents
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("skipper", Source{
		Type: SourceIssues, IssueIDs: []string{"k1", "k2"},
	}, "main", cfg)
	require.NoError(t, err)

	steps, _ := fx.store.GetWorkflowSteps(wf.ID)
	require.NoError(t, fx.engine.SkipStep(wf.ID, steps[0].ID))

	steps, _ = fx.store.GetWorkflowSteps(wf.ID)
	statuses := map[string]string{}
	for _, s := range steps {
		statuses[s.IssueID] = s.Status
	}
	assert.Equal(t, db.StepSkipped, statuses["k1"])
	assert.Equal(t, db.StepSkipped, statuses["k2"])
}

func TestGoalWorkflow_AppendStep(t *testing.T) {
	fx := newWFFixture(t)
	fx.seedIssue(t, "g1")
	fx.seedIssue(t, "g2")

	cfg := DefaultConfig()
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("goal flow", Source{
		Type: SourceGoal, Goal: "make it work",
	}, "main", cfg)
	require.NoError(t, err)

	steps, _ := fx.store.GetWorkflowSteps(wf.ID)
	assert.Empty(t, steps)

	first, err := fx.engine.AppendStep(wf.ID, "g1", nil)
	require.NoError(t, err)
	_, err = fx.engine.AppendStep(wf.ID, "g2", []string{first.ID})
	require.NoError(t, err)

	// Unknown dependency is rejected.
	_, err = fx.engine.AppendStep(wf.ID, "g2", []string{"nope"})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindWorkflowStep))

	final := fx.runToEnd(t, wf.ID)
	assert.Equal(t, db.WorkflowCompleted, final.Status)
	assert.Equal(t, []string{"g1", "g2"}, fx.runner.executed)
}

func TestParallelBatch_StillBoundedByMaxConcurrency(t *testing.T) {
	fx := newWFFixture(t)
	for i := 1; i <= 4; i++ {
		fx.seedIssue(t, fmt.Sprintf("p%d", i))
	}

	cfg := DefaultConfig()
	cfg.Parallelism = ParallelismParallel
	cfg.MaxConcurrency = 2
	cfg.AutoCommitAfterStep = false
	wf, err := fx.engine.Create("par", Source{
		Type: SourceIssues, IssueIDs: []string{"p1", "p2", "p3", "p4"},
	}, "main", cfg)
	require.NoError(t, err)

	final := fx.runToEnd(t, wf.ID)
	assert.Equal(t, db.WorkflowCompleted, final.Status)
	assert.Len(t, fx.runner.executed, 4)
	// Batch execution is sequential against the shared worktree.
	assert.Equal(t, 1, fx.runner.maxRunning)
}
