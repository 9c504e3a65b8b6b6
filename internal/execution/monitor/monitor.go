// Package monitor implements the Exit Monitor (C4): one goroutine per
// execution process that races an OS-exit watcher against an optional
// executor-supplied completion signal, then drives the strictly-ordered
// post-exit workflow (commit, chain, finalize, accounting, cleanup).
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/msgstore"
	"github.com/kandev/kandev/internal/execution/process"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// summaryMaxLen bounds the executor-session summary persisted onto an
// ExecutionProcess after it exits.
const summaryMaxLen = 4096

// defaultFinishedPropagationDelay gives slow subscribers a last chance to
// observe the Finished sentinel before the message store is dropped, used
// when the caller does not override it via ExecutionConfig.
const defaultFinishedPropagationDelay = 50 * time.Millisecond

// State is a monitor's position in the Registered → Cleaned state machine.
type State string

const (
	StateRegistered     State = "registered"
	StateWatching       State = "watching"
	StateSignalObserved State = "signal_observed"
	StateForceKill      State = "force_kill"
	StateExitObserved   State = "exit_observed"
	StatePostProcessing State = "post_processing"
	StateCleaned        State = "cleaned"
)

// ChainEngine is the slice of the commit & chain engine (C5) the monitor
// invokes during post-processing. Declared here, not imported from the
// commit package's consumer side, so either package can be read in
// isolation; *commit.Engine satisfies it.
type ChainEngine interface {
	TryCommitChanges(ctx context.Context, execCtx v1.ExecutionContext) (bool, error)
	TryStartNextAction(ctx context.Context, attempt *v1.TaskAttempt, process v1.ExecutionProcess) (*v1.ExecutionProcess, error)
	TryConsumeQueuedFollowup(ctx context.Context, attempt *v1.TaskAttempt, project v1.Project) (bool, error)
	HeadCommit(ctx context.Context, attempt v1.TaskAttempt) (string, error)
}

// Facade is the narrow slice of the container service (C9) the monitor
// calls back into for state it does not own directly: per-execution message
// stores, execution-slot admission, attempt finalization, and accounting.
// Declared here so C9 can depend on this package without a cycle.
type Facade interface {
	LoadExecutionContext(ctx context.Context, executionProcessID string) (*v1.ExecutionContext, error)
	MessageStore(executionProcessID string) (*msgstore.Store, bool)
	DropMessageStore(executionProcessID string)
	ReleaseExecutionSlot(taskAttemptID string)
	FinalizeAttempt(ctx context.Context, attempt *v1.TaskAttempt) error
	RecordCompletion(ctx context.Context, execCtx v1.ExecutionContext) error
}

// Monitor spawns and tracks one watcher goroutine per execution process.
type Monitor struct {
	store              store.Store
	supervisor         *process.Supervisor
	chain              ChainEngine
	facade             Facade
	logger             *logger.Logger
	finishedPropagation time.Duration
}

// New constructs a Monitor. postFinishedSleep is the ExecutionConfig-sourced
// delay between propagating Finished and dropping the message store; zero
// falls back to defaultFinishedPropagationDelay.
func New(st store.Store, supervisor *process.Supervisor, chain ChainEngine, facade Facade, postFinishedSleep time.Duration, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	if postFinishedSleep <= 0 {
		postFinishedSleep = defaultFinishedPropagationDelay
	}
	return &Monitor{
		store:               st,
		supervisor:          supervisor,
		chain:               chain,
		facade:              facade,
		logger:              log.WithFields(zap.String("component", "exit-monitor")),
		finishedPropagation: postFinishedSleep,
	}
}

// Watch registers and starts the monitor goroutine for one execution
// process's child handle. It returns immediately; the goroutine runs until
// the process exits and post-processing completes.
func (m *Monitor) Watch(executionProcessID string, child *process.OwnedChildHandle) {
	var state atomic.Value
	state.Store(StateRegistered)
	go m.run(executionProcessID, child, &state)
}

func (m *Monitor) run(executionProcessID string, child *process.OwnedChildHandle, state *atomic.Value) {
	state.Store(StateWatching)
	result, signalObserved := m.waitForExit(executionProcessID, child, state)
	state.Store(StateExitObserved)

	m.logger.Debug("execution process exited",
		zap.String("execution_process_id", executionProcessID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("signaled", result.Signaled),
		zap.Bool("self_reported_completion", signalObserved))

	state.Store(StatePostProcessing)
	m.postProcess(executionProcessID, result)
	state.Store(StateCleaned)
}

// waitForExit races the supervisor's OS-exit future against the child's
// optional self-reported completion signal. If the signal fires first, the
// process group is force-killed and a synthetic clean exit is returned —
// the executor reported done on its own terms and does not need to be
// waited on further.
func (m *Monitor) waitForExit(executionProcessID string, child *process.OwnedChildHandle, state *atomic.Value) (process.ExitResult, bool) {
	if child.ExitSignal == nil {
		return <-child.Done(), false
	}

	select {
	case result := <-child.Done():
		return result, false
	case <-child.ExitSignal:
		state.Store(StateSignalObserved)
		state.Store(StateForceKill)
		if err := m.supervisor.KillProcessGroup(context.Background(), child); err != nil {
			m.logger.Warn("failed to kill process group after self-reported completion",
				zap.String("execution_process_id", executionProcessID), zap.Error(err))
		}
		<-child.Done() // drain the real OS result; the synthesized one below is authoritative
		return process.ExitResult{ExitCode: 0}, true
	}
}

func classifyStatus(proc *v1.ExecutionProcess, result process.ExitResult) v1.ExecutionStatus {
	if proc.WasKilled {
		return v1.ExecutionStatusKilled
	}
	if result.ExitCode == 0 && !result.Signaled {
		return v1.ExecutionStatusCompleted
	}
	return v1.ExecutionStatusFailed
}

// postProcess runs the ten-step sequence in strict order. Each step is
// best-effort: a failure is logged and the sequence continues, except that
// an unreachable persistence layer at step 1 skips straight to step 10.
func (m *Monitor) postProcess(executionProcessID string, result process.ExitResult) {
	ctx := context.Background()
	log := m.logger.WithFields(zap.String("execution_process_id", executionProcessID))

	// Step 1: load ExecutionContext.
	execCtx, err := m.facade.LoadExecutionContext(ctx, executionProcessID)
	if err != nil {
		log.Error("failed to load execution context; skipping post-processing", zap.Error(err))
		m.cleanup(executionProcessID)
		return
	}
	proc := &execCtx.ExecutionProcess

	if !proc.WasKilled {
		proc.Status = classifyStatus(proc, result)
		exitCode := result.ExitCode
		proc.ExitCode = &exitCode
		now := time.Now().UTC()
		proc.CompletedAt = &now
		if err := m.store.UpdateExecutionProcess(ctx, proc); err != nil {
			log.Warn("failed to persist exit status", zap.Error(err))
		}
	}

	// Step 2: refresh the executor-session summary from the last assistant
	// message observed in the execution's message store.
	if ms, ok := m.facade.MessageStore(executionProcessID); ok {
		if text, found := ms.LastAssistantMessage(summaryMaxLen); found {
			proc.Summary = &text
			if err := m.store.UpdateExecutionProcess(ctx, proc); err != nil {
				log.Warn("failed to persist executor-session summary", zap.Error(err))
			}
		}
	}

	// Step 3: commit, only for a clean coding-agent or cleanup-script exit.
	changesCommitted := false
	if proc.Status == v1.ExecutionStatusCompleted {
		committed, err := m.chain.TryCommitChanges(ctx, *execCtx)
		if err != nil {
			log.Warn("commit attempt failed", zap.Error(err))
			// A failed commit counts as "changes were made" so the next
			// action still runs.
			committed = true
		}
		changesCommitted = committed
	}

	// Steps 4-6 only apply to a completed, clean exit; a failed or killed
	// process never starts a chained next_action or finalizes the attempt,
	// for any run_reason.
	if proc.Status == v1.ExecutionStatusCompleted {
		// Step 4: decide should_start_next.
		shouldStartNext := proc.RunReason != v1.RunReasonCodingAgent || changesCommitted

		// Step 5 / 6.
		nextAction := proc.Action.NextAction
		if shouldStartNext && nextAction != nil {
			if _, err := m.chain.TryStartNextAction(ctx, &execCtx.TaskAttempt, *proc); err != nil {
				log.Warn("failed to start chained action", zap.Error(err))
			}
		}
		if nextAction == nil && proc.RunReason != v1.RunReasonDevServer {
			if err := m.facade.FinalizeAttempt(ctx, &execCtx.TaskAttempt); err != nil {
				log.Warn("failed to finalize task attempt", zap.Error(err))
			}
			if _, err := m.chain.TryConsumeQueuedFollowup(ctx, &execCtx.TaskAttempt, execCtx.Project); err != nil {
				log.Warn("failed to consume queued follow-up", zap.Error(err))
			}
		}
	}

	// Step 7: accounting / artifacts, coding-agent runs only.
	if proc.RunReason == v1.RunReasonCodingAgent {
		if err := m.facade.RecordCompletion(ctx, *execCtx); err != nil {
			log.Warn("accounting failed", zap.Error(err))
		}
	}

	// Step 8: capture the definitive post-state HEAD.
	if sha, err := m.chain.HeadCommit(ctx, execCtx.TaskAttempt); err != nil {
		log.Debug("failed to capture after_head_commit", zap.Error(err))
	} else {
		proc.AfterHeadCommit = sha
		if err := m.store.UpdateExecutionProcess(ctx, proc); err != nil {
			log.Warn("failed to persist after_head_commit", zap.Error(err))
		}
	}

	// Step 9: release execution slots.
	m.facade.ReleaseExecutionSlot(execCtx.TaskAttempt.ID)

	// Step 10: propagate Finished, then clean up.
	m.cleanup(executionProcessID)
}

func (m *Monitor) cleanup(executionProcessID string) {
	if ms, ok := m.facade.MessageStore(executionProcessID); ok {
		ms.PushFinished()
	}
	time.Sleep(m.finishedPropagation)
	m.facade.DropMessageStore(executionProcessID)
	m.supervisor.Remove(executionProcessID)
}
