package process

import (
	"context"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestSupervisor_AddGetRemove(t *testing.T) {
	sup := NewSupervisor(newTestLogger())

	if _, ok := sup.Get("exec-1"); ok {
		t.Fatal("expected no handle registered yet")
	}

	child := &OwnedChildHandle{ExecutionID: "exec-1"}
	sup.Add("exec-1", child)

	got, ok := sup.Get("exec-1")
	if !ok || got != child {
		t.Fatal("expected to retrieve the registered handle")
	}

	sup.Remove("exec-1")
	if _, ok := sup.Get("exec-1"); ok {
		t.Fatal("expected handle to be gone after Remove")
	}

	// Removing an absent id must not panic or error.
	sup.Remove("never-added")
}

func TestSpawnAndKillProcessGroup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process group spawn test requires a POSIX shell")
	}

	sup := NewSupervisor(newTestLogger())
	ctx := context.Background()

	child, stdout, stderr, err := Spawn(ctx, "exec-2", SpawnRequest{
		Command: "sleep 30",
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer stdout.Close()
	defer stderr.Close()

	sup.Add("exec-2", child)

	start := time.Now()
	if err := sup.KillProcessGroup(ctx, child); err != nil {
		t.Fatalf("KillProcessGroup failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > defaultGraceTimeout {
		t.Fatalf("expected SIGTERM to stop `sleep` well under the grace timeout, took %v", elapsed)
	}

	select {
	case result := <-child.Done():
		if result.ExitCode == 0 && !result.Signaled {
			t.Fatal("expected the process to have been signaled, not exited cleanly")
		}
	default:
		t.Fatal("expected Done() to have a result ready after KillProcessGroup returned")
	}
}

func TestSpawnCapturesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process group spawn test requires a POSIX shell")
	}

	child, stdout, stderr, err := Spawn(context.Background(), "exec-3", SpawnRequest{
		Command: "echo hello",
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer stderr.Close()

	data, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("expected %q, got %q", "hello\n", string(data))
	}

	result := <-child.Done()
	if result.ExitCode != 0 {
		t.Fatalf("expected clean exit, got code %d", result.ExitCode)
	}
}

func TestKillProcessGroup_MissingChildIsNotAnError(t *testing.T) {
	sup := NewSupervisor(newTestLogger())
	if err := sup.KillProcessGroup(context.Background(), nil); err != nil {
		t.Fatalf("expected nil child to be a no-op, got %v", err)
	}
}
