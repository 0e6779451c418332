package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/exla-ai/synv2/internal/task"
)

func newRunningTask(t *testing.T, dir string) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:        "t-1",
		Name:      "demo",
		Status:    task.StatusRunning,
		StartedAt: time.Now(),
		Limits:    task.DefaultLimits(),
	}
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return tk
}

func TestEnforceStopsOnIdleTimeout(t *testing.T) {
	dir := t.TempDir()
	tk := newRunningTask(t, dir)
	tk.Limits.MaxIdleTurns = 5

	result, err := Enforce(context.Background(), dir, nil, 0, 0, 5)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !result.BecameStopped {
		t.Fatalf("expected task stopped on idle timeout")
	}
	reloaded, err := task.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != task.StatusStopped || reloaded.CompletionReason != "idle_timeout" {
		t.Fatalf("expected stopped(idle_timeout), got %+v", reloaded)
	}
}

func TestEnforceStopsOnTurnLimit(t *testing.T) {
	dir := t.TempDir()
	tk := newRunningTask(t, dir)
	limit := 3
	tk.Limits.MaxTurns = &limit
	tk.Progress.TurnsCompleted = 3
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := Enforce(context.Background(), dir, nil, 3, 0, 0)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !result.BecameStopped {
		t.Fatalf("expected task stopped on turn limit")
	}
}

func TestEnforceNoOpWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	tk := newRunningTask(t, dir)
	tk.Status = task.StatusStopped
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := Enforce(context.Background(), dir, nil, 0, 0, 999)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.BecameStopped || result.BecameCompleted {
		t.Fatalf("expected no enforcement on a non-running task")
	}
}

func TestEnforceVerifiesCompletionWithoutVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	tk := newRunningTask(t, dir)
	tk.Status = task.StatusCompleted
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := Enforce(context.Background(), dir, nil, 0, 0, 0)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !result.BecameCompleted {
		t.Fatalf("expected completion accepted when no verify_command is set")
	}
}
