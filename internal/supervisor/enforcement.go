package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/task"
)

const verifyCommandTimeout = 30 * time.Second
const reVerifyEveryNProductiveTurns = 10

// EnforcementResult reports what task enforcement decided after reloading
// the task document for this turn.
type EnforcementResult struct {
	Task             *task.Task
	BecameCompleted  bool
	BecameStopped    bool
	VerificationFailed bool
}

// Enforce reloads the task document from disk and applies every §4.6 task
// rule: completion verification, periodic re-verification, and the
// idle/duration/turn-limit stop conditions. workspaceRoot is the sandbox
// workspace; turnsCompleted, productiveTurnsSinceStart, and
// idleTurnsNoProgress are maintained by the caller's turn loop.
func Enforce(ctx context.Context, workspaceRoot string, logger *slog.Logger, turnsCompleted, productiveTurnsSinceStart, idleTurnsNoProgress int) (*EnforcementResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tk, err := task.Load(workspaceRoot)
	if err != nil {
		return nil, err
	}
	if tk.Status == task.StatusStopped {
		return &EnforcementResult{Task: tk}, nil
	}

	tk.Progress.TurnsCompleted = turnsCompleted
	now := time.Now()
	tk.Progress.LastActiveAt = &now

	result := &EnforcementResult{Task: tk}

	if wantsCompletion(tk) {
		if err := verifyAndComplete(ctx, workspaceRoot, tk, logger); err != nil {
			return nil, err
		}
		result.BecameCompleted = tk.Status == task.StatusCompleted
		result.VerificationFailed = !result.BecameCompleted
		if err := task.Save(workspaceRoot, tk); err != nil {
			return nil, err
		}
		return result, nil
	}

	if tk.Goal.VerifyCommand != "" && productiveTurnsSinceStart > 0 && productiveTurnsSinceStart%reVerifyEveryNProductiveTurns == 0 {
		passed, metric, err := runVerify(ctx, workspaceRoot, tk)
		if err != nil {
			logger.Warn("periodic verify_command failed to run", "error", err)
		} else if passed {
			markCompleted(tk, metric)
			result.BecameCompleted = true
			if err := archiveMemoryFiles(workspaceRoot, tk.ID); err != nil {
				logger.Warn("failed to archive memory files on completion", "error", err)
			}
		}
	}

	if !result.BecameCompleted {
		if stopped, reason := checkStopConditions(tk, idleTurnsNoProgress); stopped {
			tk.Status = task.StatusStopped
			tk.CompletionReason = reason
			result.BecameStopped = true
		}
	}

	if err := task.Save(workspaceRoot, tk); err != nil {
		return nil, err
	}
	return result, nil
}

// wantsCompletion reports whether the agent has marked the task completed
// this turn (a write Supervisor observes only via reload, since the agent
// edits the document directly).
func wantsCompletion(tk *task.Task) bool {
	return tk.Status == task.StatusCompleted
}

func verifyAndComplete(ctx context.Context, workspaceRoot string, tk *task.Task, logger *slog.Logger) error {
	if tk.Goal.VerifyCommand == "" {
		return nil
	}
	passed, metric, err := runVerify(ctx, workspaceRoot, tk)
	if err != nil {
		logger.Warn("verify_command failed to run", "error", err)
		tk.Status = task.StatusRunning
		return nil
	}
	if passed {
		markCompleted(tk, metric)
		if err := archiveMemoryFiles(workspaceRoot, tk.ID); err != nil {
			logger.Warn("failed to archive memory files on completion", "error", err)
		}
		return nil
	}
	tk.Status = task.StatusRunning
	tk.Progress.Summary = fmt.Sprintf("verification failed: metric %v did not satisfy %s %v", metric, valueOrEmpty(tk.Goal.Direction), valueOrZero(tk.Goal.TargetValue))
	return nil
}

func markCompleted(tk *task.Task, metric float64) {
	now := time.Now()
	tk.Status = task.StatusCompleted
	tk.CompletedAt = &now
	tk.Progress.LatestMetric = &metric
}

// runVerify executes the goal's verify_command in the workspace with a 30s
// timeout and parses stdout as a number, comparing it against target_value
// in the configured direction.
func runVerify(ctx context.Context, workspaceRoot string, tk *task.Task) (passed bool, metric float64, err error) {
	cmdCtx, cancel := context.WithTimeout(ctx, verifyCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-lc", tk.Goal.VerifyCommand)
	cmd.Dir = workspaceRoot
	out, runErr := cmd.Output()
	if runErr != nil {
		return false, 0, fmt.Errorf("run verify_command: %w", runErr)
	}

	metric, parseErr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if parseErr != nil {
		return false, 0, fmt.Errorf("parse verify_command output %q: %w", strings.TrimSpace(string(out)), parseErr)
	}

	if tk.Goal.TargetValue == nil || tk.Goal.Direction == nil {
		return true, metric, nil
	}
	switch *tk.Goal.Direction {
	case task.DirectionAbove:
		return metric >= *tk.Goal.TargetValue, metric, nil
	case task.DirectionBelow:
		return metric <= *tk.Goal.TargetValue, metric, nil
	default:
		return false, metric, fmt.Errorf("unknown direction %q", *tk.Goal.Direction)
	}
}

func checkStopConditions(tk *task.Task, idleTurnsNoProgress int) (stopped bool, reason string) {
	if tk.Limits.MaxIdleTurns > 0 && idleTurnsNoProgress >= tk.Limits.MaxIdleTurns {
		return true, "idle_timeout"
	}
	if tk.Limits.MaxDurationHours != nil && time.Since(tk.StartedAt).Hours() >= *tk.Limits.MaxDurationHours {
		return true, "time_limit"
	}
	if tk.Limits.MaxTurns != nil && tk.Progress.TurnsCompleted >= *tk.Limits.MaxTurns {
		return true, "turn_limit"
	}
	return false, ""
}

// archiveMemoryFiles copies the memory/plan files into a per-task archive
// directory, preserving the "before" state at completion time.
func archiveMemoryFiles(workspaceRoot, taskID string) error {
	archiveDir := filepath.Join(workspaceRoot, ".task-archive", taskID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{shortTermMemoryFile, longTermMemoryFile, "plan.md"} {
		src := filepath.Join(workspaceRoot, name)
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(archiveDir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func valueOrEmpty(d *task.Direction) task.Direction {
	if d == nil {
		return ""
	}
	return *d
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
