// Package task models the agent-workload descriptor that lives inside the
// sandbox workspace as a JSON document, plus the operator directives and
// question/answer protocol layered on top of it. Supervisor reloads the
// document from disk before every comparison: the file is last-writer-wins
// and may be edited externally between turns.
package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Direction is the comparison direction for a measurable goal's target value.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Type distinguishes goals with a numeric verification from those judged
// subjectively by the agent marking itself done.
type Type string

const (
	TypeMeasurable Type = "measurable"
	TypeSubjective Type = "subjective"
)

// Priority is how urgently a Question needs a human answer.
type Priority string

const (
	PriorityQuestion Priority = "question"
	PriorityBlocking Priority = "blocking"
)

// Goal describes what the task is trying to achieve and, for measurable
// tasks, how to check it.
type Goal struct {
	Description    string     `json:"description"`
	VerifyCommand  string     `json:"verify_command,omitempty"`
	TargetValue    *float64   `json:"target_value,omitempty"`
	Direction      *Direction `json:"direction,omitempty"`
}

// Limits bound how long a task may run unattended.
type Limits struct {
	MaxIdleTurns     int      `json:"max_idle_turns"`
	MaxDurationHours *float64 `json:"max_duration_hours,omitempty"`
	MaxTurns         *int     `json:"max_turns,omitempty"`
}

// Progress tracks the task's advancement across turns.
type Progress struct {
	TurnsCompleted int        `json:"turns_completed"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
	LatestMetric   *float64   `json:"latest_metric,omitempty"`
	Summary        string     `json:"summary,omitempty"`
}

// Context carries prompt-assembly inputs that vary per task.
type Context struct {
	PromptPrepend     string   `json:"prompt_prepend,omitempty"`
	PromptAppend      string   `json:"prompt_append,omitempty"`
	ProcessMonitor    []string `json:"process_monitor,omitempty"`
	ProgressCommands  []string `json:"progress_commands,omitempty"`
}

// Question is a point where the agent needs (or wants) a human answer.
// AnsweredAt and Answer are set together or neither.
type Question struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Context    string     `json:"context,omitempty"`
	Priority   Priority   `json:"priority"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Answer     string     `json:"answer,omitempty"`
}

// IsAnswered reports whether both AnsweredAt and Answer are set.
func (q *Question) IsAnswered() bool {
	return q.AnsweredAt != nil && q.Answer != ""
}

// Task is the on-disk task document at <workspace>/.task.json.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Type             Type       `json:"type"`
	Goal             Goal       `json:"goal"`
	Limits           Limits     `json:"limits"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	Progress         Progress   `json:"progress"`
	Context          Context    `json:"context"`
	Questions        []Question `json:"questions"`
}

// DefaultLimits returns the spec's defaults: max_idle_turns=20, unbounded
// duration/turns.
func DefaultLimits() Limits {
	return Limits{MaxIdleTurns: 20}
}

// PendingBlockingQuestions returns unanswered blocking questions, in order.
func (t *Task) PendingBlockingQuestions() []Question {
	var out []Question
	for _, q := range t.Questions {
		if q.Priority == PriorityBlocking && !q.IsAnswered() {
			out = append(out, q)
		}
	}
	return out
}

// NewlyAnswered returns questions answered after the given watermark time,
// for surfacing in the next continuation prompt.
func (t *Task) NewlyAnswered(since time.Time) []Question {
	var out []Question
	for _, q := range t.Questions {
		if q.IsAnswered() && q.AnsweredAt.After(since) {
			out = append(out, q)
		}
	}
	return out
}

const taskFileName = ".task.json"

// Path returns the canonical on-disk path for a task document given a
// workspace root.
func Path(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, taskFileName)
}

// Load reads and decodes the task document from the workspace. Returns
// NotFoundError if no task has been created yet.
func Load(workspaceRoot string) (*Task, error) {
	data, err := os.ReadFile(Path(workspaceRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.NotFoundf("no task document in workspace")
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "read task document")
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "decode task document")
	}
	return &t, nil
}

// Save writes the task document atomically: write to a temp file in the
// same directory, then rename, so a crash mid-write never leaves a
// truncated document for Supervisor's next reload to trip over.
func Save(workspaceRoot string, t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "encode task document")
	}
	dest := Path(workspaceRoot)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "write task document")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "rename task document")
	}
	return nil
}
