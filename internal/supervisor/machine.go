package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/gateway"
	"github.com/exla-ai/synv2/internal/task"
)

const (
	turnTimeout       = 15 * time.Minute
	presenceSettle    = 10 * time.Second
	needsInputPoll    = 2 * time.Minute
	pollBackoff       = 2 * time.Second
)

// Config wires a Machine to its workspace and local Gateway.
type Config struct {
	ProjectName   string
	WorkspaceRoot string
	GatewayAddr   string
	Logger        *slog.Logger
}

// Machine is the Supervisor's cooperative single-threaded turn driver. One
// Machine owns one Gateway connection and one workspace; Run blocks until
// ctx is canceled or a stop/restart control is honored.
type Machine struct {
	cfg       Config
	logger    *slog.Logger
	gw        *gatewayClient
	assembler *Assembler

	state      State
	orthogonal Orthogonal

	firstPromptSent    bool
	lastClass          Classification
	idleStreak         int
	emptyStreak        int
	consecutiveEmpty   int
	productiveTurns    int
	totalTurns         int
	idleTurnsNoProgress int

	answeredWatermark time.Time
	watermark         memoryWatermark

	manuallyPaused bool

	metrics TurnMetrics

	events        chan gateway.Event
	clientChanges chan struct{}
	controls      chan string
	docChanges    <-chan task.ChangeEvent
	docWatcher    *task.Watcher
}

// New constructs a Machine ready to Run.
func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Machine{
		cfg:    cfg,
		logger: cfg.Logger,
		assembler: &Assembler{
			ProjectName:   cfg.ProjectName,
			WorkspaceRoot: cfg.WorkspaceRoot,
		},
		state:         StateInit,
		events:        make(chan gateway.Event, 256),
		clientChanges: make(chan struct{}, 8),
		controls:      make(chan string, 8),
	}
	m.docWatcher = task.NewWatcher(cfg.WorkspaceRoot, cfg.Logger)
	m.docChanges = m.docWatcher.Events()
	m.gw = newGatewayClient(cfg.GatewayAddr, cfg.Logger)
	m.gw.onEvent = func(ev gateway.Event) {
		select {
		case m.events <- ev:
		default:
			m.logger.Warn("dropping gateway event, queue full", "type", ev.Type)
		}
	}
	m.gw.onClientChange = func() {
		select {
		case m.clientChanges <- struct{}{}:
		default:
		}
	}
	m.gw.onControl = func(action string) {
		select {
		case m.controls <- action:
		default:
		}
	}
	return m
}

// Run drives turns until ctx is canceled or a stop/restart control arrives.
func (m *Machine) Run(ctx context.Context) error {
	gwCtx, cancelGw := context.WithCancel(ctx)
	defer cancelGw()
	go m.gw.run(gwCtx)

	if err := m.docWatcher.Start(ctx); err != nil {
		m.logger.Warn("failed to start task document watcher, falling back to polling", "error", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case action := <-m.controls:
			if exit := m.handleControl(action); exit {
				return nil
			}
			continue
		default:
		}

		if m.manuallyPaused {
			if exit := m.waitForControl(ctx); exit {
				return nil
			}
			continue
		}

		_, _, humanCount := m.gw.Presence()
		if humanCount > 0 {
			m.state = StateWaiting
			m.orthogonal = OrthogonalPaused
			if exit := m.waitForPresenceClear(ctx); exit {
				return nil
			}
			continue
		}

		tk, err := m.loadTask()
		if err != nil {
			m.logger.Warn("failed to load task document", "error", err)
		}

		if tk != nil && tk.Status != task.StatusRunning {
			if tk.Status == task.StatusCompleted {
				m.orthogonal = OrthogonalCompleted
			}
			if exit := m.idleWaitForSignal(ctx); exit {
				return nil
			}
			continue
		}

		if tk != nil && m.shouldEnterNeedsInput(tk) {
			m.orthogonal = OrthogonalNeedsInput
			m.state = StateWaiting
			resolved, exit := m.waitOutNeedsInput(ctx, tk.PendingBlockingQuestions())
			if exit {
				return nil
			}
			if !resolved {
				continue
			}
			m.orthogonal = OrthogonalNone
		}

		ocConnected, agentBusy, _ := m.gw.Presence()
		if !ocConnected || agentBusy {
			if exit := m.waitForOpportunity(ctx); exit {
				return nil
			}
			continue
		}

		if exit := m.runTurn(ctx, tk); exit {
			return nil
		}
	}
}

func (m *Machine) loadTask() (*task.Task, error) {
	tk, err := task.Load(m.cfg.WorkspaceRoot)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return tk, nil
}

func (m *Machine) shouldEnterNeedsInput(tk *task.Task) bool {
	if len(tk.PendingBlockingQuestions()) == 0 {
		return false
	}
	return m.lastClass == ClassIdle || m.lastClass == ClassEmpty
}

// waitOutNeedsInput reacts to a docWatcher change event as soon as one
// arrives, falling back to a 2 min poll if the watcher missed it, until any
// one of the questions pending at entry has been answered, or a
// control/presence signal needs handling. resolved reports whether
// NEEDS_INPUT is satisfied.
func (m *Machine) waitOutNeedsInput(ctx context.Context, pendingAtEntry []task.Question) (resolved, exit bool) {
	timer := time.NewTimer(needsInputPoll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, true
		case action := <-m.controls:
			if m.handleControl(action) {
				return false, true
			}
		case <-m.clientChanges:
			_, _, humanCount := m.gw.Presence()
			if humanCount > 0 {
				return false, false
			}
		case <-m.docChanges:
			tk, err := m.loadTask()
			if err != nil {
				m.logger.Warn("needs_input doc-change reload failed", "error", err)
				continue
			}
			if tk == nil || anyQuestionAnswered(pendingAtEntry, tk) {
				return true, false
			}
		case <-timer.C:
			tk, err := m.loadTask()
			if err != nil {
				m.logger.Warn("needs_input poll failed to reload task", "error", err)
				timer.Reset(needsInputPoll)
				continue
			}
			if tk == nil || anyQuestionAnswered(pendingAtEntry, tk) {
				return true, false
			}
			timer.Reset(needsInputPoll)
		}
	}
}

// anyQuestionAnswered reports whether at least one of the questions pending
// when NEEDS_INPUT was entered is no longer among the task's currently
// pending blocking questions.
func anyQuestionAnswered(pendingAtEntry []task.Question, tk *task.Task) bool {
	if len(pendingAtEntry) == 0 {
		return true
	}
	stillPending := make(map[string]bool, len(tk.PendingBlockingQuestions()))
	for _, q := range tk.PendingBlockingQuestions() {
		stillPending[q.ID] = true
	}
	for _, q := range pendingAtEntry {
		if !stillPending[q.ID] {
			return true
		}
	}
	return false
}

// idleWaitForSignal parks while the task is terminal (completed/stopped),
// only watching for control actions and presence changes that might bring
// a human in to inspect the project.
func (m *Machine) idleWaitForSignal(ctx context.Context) (exit bool) {
	select {
	case <-ctx.Done():
		return true
	case action := <-m.controls:
		return m.handleControl(action)
	case <-m.clientChanges:
		return false
	case <-m.docChanges:
		return false
	case <-time.After(needsInputPoll):
		return false
	}
}

// waitForOpportunity blocks briefly until the engine is free or a control
// or presence signal arrives, re-checked by the outer loop.
func (m *Machine) waitForOpportunity(ctx context.Context) (exit bool) {
	select {
	case <-ctx.Done():
		return true
	case action := <-m.controls:
		return m.handleControl(action)
	case <-m.clientChanges:
		return false
	case <-m.events:
		return false
	case <-time.After(pollBackoff):
		return false
	}
}

// waitForPresenceClear stays PAUSED until humanCount returns to zero and a
// 10s settle elapses, or a control action interrupts it first.
func (m *Machine) waitForPresenceClear(ctx context.Context) (exit bool) {
	var settleTimer *time.Timer
	for {
		var settleC <-chan time.Time
		if settleTimer != nil {
			settleC = settleTimer.C
		}
		select {
		case <-ctx.Done():
			return true
		case action := <-m.controls:
			if m.handleControl(action) {
				return true
			}
		case <-m.clientChanges:
			_, _, humanCount := m.gw.Presence()
			if humanCount == 0 {
				if settleTimer == nil {
					settleTimer = time.NewTimer(presenceSettle)
				}
			} else if settleTimer != nil {
				settleTimer.Stop()
				settleTimer = nil
			}
		case <-settleC:
			m.orthogonal = OrthogonalNone
			return false
		}
	}
}

// waitForControl blocks until a control action resolves a manual pause.
func (m *Machine) waitForControl(ctx context.Context) (exit bool) {
	select {
	case <-ctx.Done():
		return true
	case action := <-m.controls:
		return m.handleControl(action)
	}
}

// handleControl applies a gateway-forwarded supervisor_control action.
// Returns true when the process should exit.
func (m *Machine) handleControl(action string) bool {
	switch action {
	case "pause":
		m.manuallyPaused = true
		return false
	case "resume":
		m.manuallyPaused = false
		return false
	case "stop":
		m.logger.Info("supervisor stopping on control action")
		return true
	case "restart":
		m.logger.Info("supervisor exiting for restart, watchdog will respawn")
		return true
	default:
		m.logger.Warn("unknown supervisor_control action", "action", action)
		return false
	}
}

// runTurn sends one prompt, accumulates metrics until done/error/timeout,
// classifies the turn, and applies scheduling and enforcement. exit reports
// whether a stop/restart control action arrived during the turn or its
// post-turn delay and the caller should terminate the loop.
func (m *Machine) runTurn(ctx context.Context, tk *task.Task) (exit bool) {
	var directives []task.Directive
	if d, err := task.LoadDirectives(m.cfg.WorkspaceRoot); err == nil {
		directives = d
	}

	staleReminder := m.watermark.observe(m.cfg.WorkspaceRoot, m.lastClass)

	var prompt string
	if !m.firstPromptSent {
		m.state = StatePrompting
		prompt = m.assembler.Full(ctx, tk, directives, staleReminder)
	} else {
		m.state = StatePrompting
		var newlyAnswered []task.Question
		if tk != nil {
			newlyAnswered = tk.NewlyAnswered(m.answeredWatermark)
		}
		prompt = m.assembler.Continuation(ctx, tk, directives, newlyAnswered, staleReminder)
	}

	if tier := RecoveryTier(m.consecutiveEmpty); tier >= 3 {
		m.firstPromptSent = false
		m.consecutiveEmpty = 0
		m.idleStreak = 0
		m.emptyStreak = 0
		prompt = m.assembler.Full(ctx, tk, directives, staleReminder)
	} else if tier == 2 {
		prompt = m.assembler.RecoveryDirective(ctx)
	} else if tier == 1 {
		prompt = m.assembler.Full(ctx, tk, directives, staleReminder)
	}

	m.answeredWatermark = time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	if err := m.gw.Send(turnCtx, prompt); err != nil {
		m.logger.Warn("failed to send turn prompt", "error", err)
		return false
	}
	m.firstPromptSent = true
	m.state = StateWaiting
	m.metrics.Reset()

	timedOut := false
waitLoop:
	for {
		select {
		case <-turnCtx.Done():
			timedOut = true
			break waitLoop
		case ev := <-m.events:
			if m.applyEvent(ev) {
				break waitLoop
			}
		case action := <-m.controls:
			if m.handleControl(action) {
				return true
			}
		case <-m.clientChanges:
			_, _, humanCount := m.gw.Presence()
			if humanCount > 0 {
				cancel()
				return false
			}
		}
	}

	class := m.metrics.Classify(timedOut)
	return m.afterTurn(ctx, class)
}

// applyEvent folds one Gateway event into the turn's metrics, reporting
// whether the turn is over (done or error).
func (m *Machine) applyEvent(ev gateway.Event) (turnOver bool) {
	m.metrics.Events++
	switch ev.Type {
	case gateway.EventTextDelta:
		m.metrics.Chars += len(ev.Text)
	case gateway.EventToolStart, gateway.EventToolUse:
		m.metrics.Tools++
	case gateway.EventError:
		m.metrics.HadError = true
		return true
	case gateway.EventDone:
		return true
	}
	return false
}

// afterTurn applies the scheduling and enforcement rules for a finished
// turn, then parks for the computed delay (cancellable by presence or
// control signals) before the outer loop tries the next opportunity. exit
// reports whether a stop/restart control action arrived during the delay.
func (m *Machine) afterTurn(ctx context.Context, class Classification) (exit bool) {
	m.lastClass = class
	m.totalTurns++

	switch class {
	case ClassProductive:
		m.idleStreak = 0
		m.emptyStreak = 0
		m.consecutiveEmpty = 0
		m.productiveTurns++
		m.idleTurnsNoProgress = 0
	case ClassOK:
		m.consecutiveEmpty = 0
		m.idleTurnsNoProgress = 0
	case ClassIdle:
		m.idleStreak++
		m.idleTurnsNoProgress++
	case ClassEmpty:
		m.emptyStreak++
		m.consecutiveEmpty++
		m.idleTurnsNoProgress++
	case ClassError:
		m.idleTurnsNoProgress++
	}

	result, err := Enforce(ctx, m.cfg.WorkspaceRoot, m.logger, m.totalTurns, m.productiveTurns, m.idleTurnsNoProgress)
	if err != nil {
		m.logger.Warn("task enforcement failed", "error", err)
	} else if result.BecameCompleted {
		m.orthogonal = OrthogonalCompleted
		return false
	} else if result.BecameStopped {
		return false
	}

	delay := Delay(class, m.idleStreak, m.emptyStreak)
	m.state = StateDelay
	exit = m.sleepDelay(ctx, delay)
	m.state = StatePrompting
	return exit
}

// sleepDelay waits out the scheduling delay, returning early (without
// consuming it) on a presence change or control action so the outer loop
// can react immediately. exit reports whether the control action was a
// stop/restart that should terminate the loop.
func (m *Machine) sleepDelay(ctx context.Context, d time.Duration) (exit bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	case <-m.clientChanges:
		return false
	case action := <-m.controls:
		return m.handleControl(action)
	}
}
