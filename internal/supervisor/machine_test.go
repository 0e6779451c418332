package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/exla-ai/synv2/internal/gateway"
	"github.com/exla-ai/synv2/internal/task"
)

func newTestMachine(t *testing.T) (*Machine, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(Config{
		ProjectName:   "demo",
		WorkspaceRoot: dir,
		GatewayAddr:   "127.0.0.1:0",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, dir
}

func TestApplyEventAccumulatesMetrics(t *testing.T) {
	m, _ := newTestMachine(t)

	if over := m.applyEvent(gateway.Event{Type: gateway.EventTextDelta, Text: "hello"}); over {
		t.Fatalf("text_delta must not end the turn")
	}
	if over := m.applyEvent(gateway.Event{Type: gateway.EventToolStart, Tool: "bash"}); over {
		t.Fatalf("tool_start must not end the turn")
	}
	if m.metrics.Chars != 5 || m.metrics.Tools != 1 || m.metrics.Events != 2 {
		t.Fatalf("unexpected metrics after two events: %+v", m.metrics)
	}

	if over := m.applyEvent(gateway.Event{Type: gateway.EventDone}); !over {
		t.Fatalf("done must end the turn")
	}
}

func TestApplyEventErrorEndsTurnAndMarksHadError(t *testing.T) {
	m, _ := newTestMachine(t)
	if over := m.applyEvent(gateway.Event{Type: gateway.EventError, Message: "boom"}); !over {
		t.Fatalf("error must end the turn")
	}
	if !m.metrics.HadError {
		t.Fatalf("expected HadError set after an error event")
	}
}

func TestHandleControlPauseAndResume(t *testing.T) {
	m, _ := newTestMachine(t)
	if exit := m.handleControl("pause"); exit {
		t.Fatalf("pause must not exit the process")
	}
	if !m.manuallyPaused {
		t.Fatalf("expected manuallyPaused after pause control")
	}
	if exit := m.handleControl("resume"); exit {
		t.Fatalf("resume must not exit the process")
	}
	if m.manuallyPaused {
		t.Fatalf("expected manuallyPaused cleared after resume control")
	}
}

func TestHandleControlStopAndRestartExit(t *testing.T) {
	m, _ := newTestMachine(t)
	if exit := m.handleControl("stop"); !exit {
		t.Fatalf("stop must exit the process")
	}
	if exit := m.handleControl("restart"); !exit {
		t.Fatalf("restart must exit the process")
	}
}

func TestHandleControlUnknownActionIsNoOp(t *testing.T) {
	m, _ := newTestMachine(t)
	if exit := m.handleControl("frobnicate"); exit {
		t.Fatalf("unknown action must not exit the process")
	}
}

func TestShouldEnterNeedsInputOnlyWhenIdleOrEmptyWithBlockingQuestion(t *testing.T) {
	m, _ := newTestMachine(t)
	tk := &task.Task{
		Questions: []task.Question{
			{ID: "q1", Priority: task.PriorityBlocking, Text: "which region?"},
		},
	}

	m.lastClass = ClassOK
	if m.shouldEnterNeedsInput(tk) {
		t.Fatalf("an ok turn must not trigger needs_input")
	}

	m.lastClass = ClassIdle
	if !m.shouldEnterNeedsInput(tk) {
		t.Fatalf("an idle turn with a pending blocking question must trigger needs_input")
	}

	m.lastClass = ClassEmpty
	if !m.shouldEnterNeedsInput(tk) {
		t.Fatalf("an empty turn with a pending blocking question must trigger needs_input")
	}

	tk.Questions[0].AnsweredAt = &time.Time{}
	tk.Questions[0].Answer = "us-east-1"
	if m.shouldEnterNeedsInput(tk) {
		t.Fatalf("an answered blocking question must not trigger needs_input")
	}
}

func TestAfterTurnProductiveResetsCountersAndSchedulesShortDelay(t *testing.T) {
	m, dir := newTestMachine(t)
	tk := &task.Task{
		ID:        "t-1",
		Status:    task.StatusRunning,
		StartedAt: time.Now(),
		Limits:    task.DefaultLimits(),
	}
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m.idleStreak, m.emptyStreak, m.consecutiveEmpty = 3, 3, 3
	m.metrics = TurnMetrics{Tools: 1}

	// sleepDelay would otherwise wait out the full 15s productive delay;
	// a pending client-change signal makes it return immediately so this
	// test only exercises the counter bookkeeping.
	m.clientChanges <- struct{}{}

	start := time.Now()
	m.afterTurn(context.Background(), ClassProductive)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sleepDelay should have returned immediately on the pending client change, took %v", elapsed)
	}
	if m.idleStreak != 0 || m.emptyStreak != 0 || m.consecutiveEmpty != 0 {
		t.Fatalf("expected counters reset after a productive turn, got idle=%d empty=%d consecutiveEmpty=%d", m.idleStreak, m.emptyStreak, m.consecutiveEmpty)
	}
	if m.productiveTurns != 1 {
		t.Fatalf("expected productiveTurns incremented, got %d", m.productiveTurns)
	}
}

func TestAfterTurnStoppedOnIdleTimeoutSkipsDelay(t *testing.T) {
	m, dir := newTestMachine(t)
	tk := &task.Task{
		ID:        "t-1",
		Status:    task.StatusRunning,
		StartedAt: time.Now(),
		Limits:    task.Limits{MaxIdleTurns: 1},
	}
	if err := task.Save(dir, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m.afterTurn(context.Background(), ClassEmpty)

	reloaded, err := task.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != task.StatusStopped || reloaded.CompletionReason != "idle_timeout" {
		t.Fatalf("expected stopped(idle_timeout), got %+v", reloaded)
	}
}

func TestSleepDelayReturnsEarlyOnClientChange(t *testing.T) {
	m, _ := newTestMachine(t)
	m.clientChanges <- struct{}{}

	start := time.Now()
	m.sleepDelay(context.Background(), time.Hour)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected sleepDelay to return immediately on a pending client change, took %v", elapsed)
	}
}

func TestWaitForControlResumesOnResumeAction(t *testing.T) {
	m, _ := newTestMachine(t)
	m.controls <- "resume"

	exit := m.waitForControl(context.Background())
	if exit {
		t.Fatalf("resume must not request process exit")
	}
}
