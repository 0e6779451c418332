package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/task"
)

// Assembler builds the text sent upstream for a given turn, reading the
// curated workspace files directly (Supervisor runs inside the sandbox, so
// it has a normal filesystem view unlike WorkerAgent outside it).
type Assembler struct {
	ProjectName   string
	WorkspaceRoot string
}

func (a *Assembler) readFile(name string) string {
	data, err := os.ReadFile(filepath.Join(a.WorkspaceRoot, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// processSummary runs `ps aux` and keeps only lines matching the task's
// process_monitor patterns, giving the agent a live view of what it left
// running on a prior turn.
func (a *Assembler) processSummary(ctx context.Context, patterns []string) string {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "ps", "aux").Output()
	if err != nil {
		return "(unable to list processes)"
	}
	if len(patterns) == 0 {
		return strings.TrimSpace(string(out))
	}
	var kept []string
	for _, line := range strings.Split(string(out), "\n") {
		for _, p := range patterns {
			if strings.Contains(line, p) {
				kept = append(kept, line)
				break
			}
		}
	}
	if len(kept) == 0 {
		return "(no matching processes running)"
	}
	return strings.Join(kept, "\n")
}

// Full assembles the first-opportunity full context prompt.
func (a *Assembler) Full(ctx context.Context, tk *task.Task, directives []task.Directive, staleMemoryReminder bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\n", a.ProjectName)

	if shortTerm := a.readFile(shortTermMemoryFile); shortTerm != "" {
		fmt.Fprintf(&b, "## Short-term memory\n%s\n\n", shortTerm)
	}
	if longTerm := a.readFile(longTermMemoryFile); longTerm != "" {
		fmt.Fprintf(&b, "## Long-term memory\n%s\n\n", longTerm)
	}
	if plan := a.readFile("plan.md"); plan != "" {
		fmt.Fprintf(&b, "## Plan\n%s\n\n", plan)
	}

	patterns := []string{}
	if tk != nil {
		patterns = tk.Context.ProcessMonitor
	}
	fmt.Fprintf(&b, "## Running processes\n%s\n\n", a.processSummary(ctx, patterns))

	if tk != nil {
		b.WriteString(taskSection(tk))
	}

	if len(directives) > 0 {
		fmt.Fprintf(&b, "## Operator directives\n%s\n", task.CompactText(directives))
	}

	if staleMemoryReminder {
		b.WriteString("\nYour memory files haven't changed in several turns. Update SHORT_TERM_MEMORY.md and LONG_TERM_MEMORY.md with your current state before continuing.\n")
	}

	if tk != nil && tk.Context.PromptPrepend != "" {
		return tk.Context.PromptPrepend + "\n\n" + b.String() + "\n" + tk.Context.PromptAppend
	}
	return b.String()
}

// Continuation assembles the lighter prompt sent on every turn after the
// first, carrying only what changed.
func (a *Assembler) Continuation(ctx context.Context, tk *task.Task, directives []task.Directive, newlyAnswered []task.Question, staleMemoryReminder bool) string {
	var b strings.Builder

	patterns := []string{}
	if tk != nil {
		patterns = tk.Context.ProcessMonitor
	}
	fmt.Fprintf(&b, "## Running processes\n%s\n\n", a.processSummary(ctx, patterns))

	if len(newlyAnswered) > 0 {
		b.WriteString("## Human Responses\n")
		for _, q := range newlyAnswered {
			fmt.Fprintf(&b, "- %s -> %s\n", q.Text, q.Answer)
		}
		b.WriteString("\n")
	}

	if tk != nil {
		pending := tk.PendingBlockingQuestions()
		if len(pending) > 0 {
			b.WriteString("## Pending blocking questions\n")
			for _, q := range pending {
				fmt.Fprintf(&b, "- %s\n", q.Text)
			}
			b.WriteString("\n")
		}
	}

	if len(directives) > 0 {
		fmt.Fprintf(&b, "## Operator directives\n%s\n", task.CompactText(directives))
	}

	if staleMemoryReminder {
		b.WriteString("\nYour memory files haven't changed in several turns. Update SHORT_TERM_MEMORY.md and LONG_TERM_MEMORY.md with your current state before continuing.\n")
	}

	if b.Len() == 0 {
		return "Continue."
	}
	return b.String()
}

// RecoveryDirective assembles the tier-2 escalation prompt: live system
// state plus an imperative to act.
func (a *Assembler) RecoveryDirective(ctx context.Context) string {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	disk, _ := exec.CommandContext(cmdCtx, "df", "-h").Output()
	mem, _ := exec.CommandContext(cmdCtx, "free", "-h").Output()

	var b strings.Builder
	b.WriteString("RECOVERY CHECK: you have gone quiet for many turns.\n\n")
	fmt.Fprintf(&b, "## Processes\n%s\n\n", a.processSummary(ctx, nil))
	fmt.Fprintf(&b, "## Disk usage\n%s\n", strings.TrimSpace(string(disk)))
	fmt.Fprintf(&b, "## Memory\n%s\n\n", strings.TrimSpace(string(mem)))
	b.WriteString("Review your task goal and take a concrete action now: run a command, edit a file, or answer an open question.\n")
	return b.String()
}

func taskSection(tk *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n%s\n%s\n\nGoal: %s\n", tk.Name, tk.Description, tk.Goal.Description)
	if tk.Goal.VerifyCommand != "" {
		fmt.Fprintf(&b, "Verification: `%s`", tk.Goal.VerifyCommand)
		if tk.Goal.TargetValue != nil && tk.Goal.Direction != nil {
			fmt.Fprintf(&b, " must be %s %v", *tk.Goal.Direction, *tk.Goal.TargetValue)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Progress: turn %d, %s\n\n", tk.Progress.TurnsCompleted, tk.Progress.Summary)
	return b.String()
}
