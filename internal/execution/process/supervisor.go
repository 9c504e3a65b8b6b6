// Package process owns the OS-level child handles spawned for execution
// processes: one process group per running action, killable as a unit.
// It does not interpret exit codes or decide what happens next — that is
// the exit monitor's job.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// defaultGraceTimeout bounds how long KillProcessGroup waits for a
// graceful exit before escalating to a hard kill.
const defaultGraceTimeout = 5 * time.Second

// ExitResult describes how a child process terminated.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Signal   string
	Err      error
}

// OwnedChildHandle wraps a spawned process group: the leader's *exec.Cmd
// plus its pid, used to target signals at the whole group.
type OwnedChildHandle struct {
	ExecutionID string
	Cmd         *exec.Cmd
	Pid         int

	// ExitSignal is an optional one-shot channel some actions supply to
	// declare completion themselves (e.g. a coding agent that reports
	// "done" over its own protocol without ever exiting the process).
	// The exit monitor races this against Done().
	ExitSignal <-chan struct{}

	waitOnce sync.Once
	done     chan ExitResult
}

// NewChildHandle wraps an already-started cmd. cmd.Process must be set.
func NewChildHandle(executionID string, cmd *exec.Cmd, exitSignal <-chan struct{}) *OwnedChildHandle {
	h := &OwnedChildHandle{
		ExecutionID: executionID,
		Cmd:         cmd,
		ExitSignal:  exitSignal,
		done:        make(chan ExitResult, 1),
	}
	if cmd.Process != nil {
		h.Pid = cmd.Process.Pid
	}
	return h
}

// Done returns a channel that receives exactly once, when the process
// exits. The first caller spawns the blocking cmd.Wait(); later callers
// share the same channel and result.
func (h *OwnedChildHandle) Done() <-chan ExitResult {
	h.waitOnce.Do(func() {
		go func() {
			h.done <- waitResult(h.Cmd)
		}()
	})
	return h.done
}

func waitResult(cmd *exec.Cmd) ExitResult {
	err := cmd.Wait()
	if err == nil {
		return ExitResult{ExitCode: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return ExitResult{ExitCode: 1, Err: err}
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitResult{ExitCode: 1, Err: err}
	}
	if waitStatus.Signaled() {
		return ExitResult{
			ExitCode: 128 + int(waitStatus.Signal()),
			Signaled: true,
			Signal:   waitStatus.Signal().String(),
			Err:      err,
		}
	}
	return ExitResult{ExitCode: waitStatus.ExitStatus(), Err: err}
}

// SpawnRequest describes a process-group child to start.
type SpawnRequest struct {
	Command    string
	Dir        string
	Env        map[string]string
	ExitSignal <-chan struct{}
}

// Spawn starts command as the leader of a new process group and returns
// its handle along with stdout/stderr pipes for the caller to attach
// message-store forwarders to. The caller owns closing the pipes; once the
// process exits, reads from them return EOF.
func Spawn(ctx context.Context, executionID string, req SpawnRequest) (*OwnedChildHandle, *os.File, *os.File, error) {
	cmd := exec.CommandContext(ctx, "sh", "-lc", req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = mergeEnv(req.Env)
	setProcGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("process: create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, fmt.Errorf("process: create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, nil, nil, fmt.Errorf("process: start: %w", err)
	}
	// The write ends belong to the child now; close our copies so the
	// read ends see EOF once the child (and anything it forked) exits.
	stdoutW.Close()
	stderrW.Close()

	return NewChildHandle(executionID, cmd, req.ExitSignal), stdoutR, stderrR, nil
}

func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// Supervisor maintains ExecutionId -> OwnedChildHandle and owns killing
// process groups. It never reasons about why a process exited; that is
// the exit monitor's job.
type Supervisor struct {
	mu          sync.RWMutex
	children    map[string]*OwnedChildHandle
	logger      *logger.Logger
	graceTimeout time.Duration
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{
		children:     make(map[string]*OwnedChildHandle),
		logger:       log.WithFields(zap.String("component", "process_supervisor")),
		graceTimeout: defaultGraceTimeout,
	}
}

// Add registers a child under executionID, replacing anything already there.
func (s *Supervisor) Add(executionID string, child *OwnedChildHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[executionID] = child
}

// Remove drops the handle for executionID. Removing an absent id is a no-op.
func (s *Supervisor) Remove(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, executionID)
}

// Get returns the handle registered for executionID, if any.
func (s *Supervisor) Get(executionID string) (*OwnedChildHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	child, ok := s.children[executionID]
	return child, ok
}

// KillProcessGroup sends the platform's group-termination signal, waits
// up to the grace timeout for the child to exit on its own, and escalates
// to a hard kill if it hasn't. A nil child or one with no live process is
// not an error.
func (s *Supervisor) KillProcessGroup(ctx context.Context, child *OwnedChildHandle) error {
	if child == nil || child.Cmd == nil || child.Cmd.Process == nil {
		return nil
	}
	pid := child.Pid

	if err := terminateGroup(pid); err != nil {
		s.logger.Debug("terminate signal failed, process group may already be gone",
			zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case <-child.Done():
		return nil
	case <-time.After(s.graceTimeout):
	case <-ctx.Done():
	}

	if err := forceKillGroup(pid); err != nil {
		s.logger.Warn("force kill failed", zap.Int("pid", pid), zap.Error(err))
	}
	<-child.Done()
	return nil
}
