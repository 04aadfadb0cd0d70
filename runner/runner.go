// Package runner drives the full lifecycle of one execution: resolve the
// agent adapter, spawn the child, pump its output through the normalizer
// into the log store and the transports, and finalize the database status.
// An execution is never left in running state once the runner returns.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/agent"
	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/events"
	"github.com/sudocode-ai/sudocode/normalizer"
	"github.com/sudocode-ai/sudocode/process"
	"github.com/sudocode-ai/sudocode/transport"
)

// Runner executes tasks through agent adapters.
type Runner struct {
	logger     *logrus.Entry
	store      *db.Service
	supervisor *process.Supervisor
	manager    *transport.Manager
	registry   *agent.Registry

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	handle    *process.Handle
	cancelled bool
	processor *normalizer.Processor
}

// New creates a runner.
func New(logger *logrus.Entry, store *db.Service, supervisor *process.Supervisor,
	manager *transport.Manager, registry *agent.Registry) *Runner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		logger:     logger.WithField("component", "runner"),
		store:      store,
		supervisor: supervisor,
		manager:    manager,
		registry:   registry,
		active:     make(map[string]*activeRun),
	}
}

// Execute runs the full lifecycle for an already-created execution row.
// It blocks until the execution reaches a terminal state; lifecycle errors
// are persisted, emitted as RUN_ERROR, and returned.
func (r *Runner) Execute(ctx context.Context, executionID, agentType string, task agent.Task) error {
	adapter, err := r.registry.Get(agentType)
	if err != nil {
		r.failBeforeStart(executionID, err)
		return err
	}
	if err := r.registry.VerifyAvailability(agentType); err != nil {
		err = common.WrapError(common.KindAgentNotFound, "AGENT_UNAVAILABLE",
			fmt.Sprintf("agent %s is unavailable", agentType), err)
		r.failBeforeStart(executionID, err)
		return err
	}
	return r.run(ctx, executionID, adapter, task)
}

// Resume continues a prior session. Only adapters advertising session
// resume support it; everything else fails immediately with a typed error.
func (r *Runner) Resume(ctx context.Context, executionID, agentType, sessionID string, task agent.Task) error {
	adapter, err := r.registry.Get(agentType)
	if err != nil {
		r.failBeforeStart(executionID, err)
		return err
	}
	if !adapter.SupportsSessionResume() {
		err := common.NewError(common.KindAgentNotImplemented, "RESUME_UNSUPPORTED",
			fmt.Sprintf("agent %s does not support session resume", agentType))
		r.failBeforeStart(executionID, err)
		return err
	}
	task.Config.SessionID = sessionID
	return r.run(ctx, executionID, adapter, task)
}

// run is the shared lifecycle.
func (r *Runner) run(ctx context.Context, executionID string, adapter agent.Adapter, task agent.Task) (err error) {
	agui := r.manager.Connect(executionID)
	defer r.manager.Disconnect(executionID)

	// Whatever happens below, the execution must leave running state.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("execution panicked: %v", rec)
		}
		if err != nil {
			r.finalize(executionID, agui, db.ExecutionFailed, err.Error())
		}
	}()

	agui.EmitRunStarted()
	if dbErr := r.store.UpdateExecutionStatus(executionID, db.ExecutionRunning, ""); dbErr != nil {
		return dbErr
	}
	r.broadcastStatus(executionID, db.ExecutionRunning)
	agui.EmitStateSnapshot(map[string]interface{}{
		"status":    db.ExecutionRunning,
		"sessionId": task.Config.SessionID,
		"workDir":   task.WorkDir,
	})

	procCfg, err := adapter.BuildProcessConfig(task)
	if err != nil {
		return common.WrapError(common.KindAgentConfig, "BAD_AGENT_CONFIG",
			"building process config", err)
	}
	handle, err := r.supervisor.Acquire(procCfg)
	if err != nil {
		return err
	}

	run := &activeRun{handle: handle, processor: normalizer.NewProcessor()}
	r.mu.Lock()
	r.active[executionID] = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, executionID)
		r.mu.Unlock()
		r.supervisor.Release(handle)
	}()

	// Some agents wait for stdin EOF before starting work.
	handle.CloseStdin()

	// Drain stderr independently for diagnostics.
	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		scanner := bufio.NewScanner(handle.Stderr())
		for scanner.Scan() {
			r.logger.WithFields(logrus.Fields{
				"execution_id": executionID,
				"stream":       "stderr",
			}).Debug(scanner.Text())
		}
	}()

	// Pump stdout through the normalizer: persist, emit, aggregate.
	// Per-entry handler failures are logged and never abort the stream.
	entryIndex := 0
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		for entry := range adapter.Normalizer().Normalize(ctx, handle.Stdout()) {
			entry.Index = entryIndex
			entryIndex++
			r.handleEntry(executionID, agui, run.processor, entry)
		}
	}()

	exitCode := handle.Wait()
	pumps.Wait()

	r.mu.Lock()
	cancelled := run.cancelled
	r.mu.Unlock()

	switch {
	case cancelled:
		r.finalize(executionID, agui, db.ExecutionStopped, "execution stopped")
	case exitCode == 0:
		r.finalize(executionID, agui, db.ExecutionCompleted, "")
	default:
		r.finalize(executionID, agui, db.ExecutionFailed,
			fmt.Sprintf("agent exited with code %d", exitCode))
	}
	return nil
}

// handleEntry persists and fans out one normalized entry. Failures are
// contained here.
func (r *Runner) handleEntry(executionID string, agui *transport.AgUIAdapter,
	proc *normalizer.Processor, entry normalizer.Entry) {
	if err := r.store.AppendExecutionLog(&db.ExecutionLog{
		ExecutionID: executionID,
		EntryIndex:  entry.Index,
		Kind:        string(entry.Kind),
		Payload:     entry.PayloadJSON(),
		Timestamp:   entry.Timestamp,
	}); err != nil {
		r.logger.WithError(err).WithField("execution_id", executionID).
			Error("Persisting entry failed")
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.WithField("execution_id", executionID).
					Errorf("Emit panicked: %v", rec)
			}
		}()
		agui.EmitEntry(entry)
	}()
	proc.Handle(entry)
}

// finalize moves the execution to its terminal state and emits exactly one
// of RUN_FINISHED / RUN_ERROR.
func (r *Runner) finalize(executionID string, agui *transport.AgUIAdapter, status, errorMessage string) {
	if err := r.store.UpdateExecutionStatus(executionID, status, errorMessage); err != nil {
		r.logger.WithError(err).WithField("execution_id", executionID).
			Error("Finalizing execution status failed")
	}
	if status == db.ExecutionCompleted {
		summary := map[string]interface{}{}
		if run := r.getActive(executionID); run != nil {
			summary["summary"] = run.processor.Summary()
		}
		agui.EmitRunFinished(summary)
	} else {
		agui.EmitRunError(errorMessage)
	}
	r.broadcastStatus(executionID, status)
}

// failBeforeStart records a failure that happened before the lifecycle
// could begin (unknown agent, unavailable executable).
func (r *Runner) failBeforeStart(executionID string, cause error) {
	if err := r.store.UpdateExecutionStatus(executionID, db.ExecutionFailed, cause.Error()); err != nil {
		r.logger.WithError(err).WithField("execution_id", executionID).
			Error("Recording pre-start failure failed")
	}
	agui := r.manager.Connect(executionID)
	agui.EmitRunError(cause.Error())
	r.manager.Disconnect(executionID)
	r.broadcastStatus(executionID, db.ExecutionFailed)
}

// Cancel sends SIGTERM to the tracked process and marks the execution
// stopped. Safe to call on a non-running execution.
func (r *Runner) Cancel(executionID string) error {
	r.mu.Lock()
	run, ok := r.active[executionID]
	if ok {
		run.cancelled = true
	}
	r.mu.Unlock()

	if !ok {
		// Nothing running; a pending execution can still be stopped.
		exec, err := r.store.GetExecution(executionID)
		if err != nil || exec == nil {
			return err
		}
		if !db.TerminalExecutionStatus(exec.Status) {
			if err := r.store.UpdateExecutionStatus(executionID, db.ExecutionStopped, ""); err != nil {
				return err
			}
			r.broadcastStatus(executionID, db.ExecutionStopped)
		}
		return nil
	}
	return run.handle.Kill(syscall.SIGTERM)
}

// Processor exposes the aggregate view of a running execution, or nil.
func (r *Runner) Processor(executionID string) *normalizer.Processor {
	if run := r.getActive(executionID); run != nil {
		return run.processor
	}
	return nil
}

func (r *Runner) getActive(executionID string) *activeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[executionID]
}

func (r *Runner) broadcastStatus(executionID, status string) {
	event := events.New(events.TypeStatusChange, executionID, map[string]interface{}{
		"executionId": executionID,
		"status":      status,
		"at":          time.Now().UnixMilli(),
	})
	r.manager.Broadcast(event)
}
