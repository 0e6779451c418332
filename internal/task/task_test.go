package task

import (
	"testing"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	direction := DirectionAbove
	target := 0.95
	original := &Task{
		ID:          "t-1",
		Name:        "improve accuracy",
		Description: "raise eval accuracy above 95%",
		Type:        TypeMeasurable,
		Goal: Goal{
			Description:   "eval accuracy",
			VerifyCommand: "python eval.py",
			TargetValue:   &target,
			Direction:     &direction,
		},
		Limits:    DefaultLimits(),
		Status:    StatusRunning,
		StartedAt: time.Now().Truncate(time.Second),
	}

	if err := Save(dir, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Name != original.Name || loaded.Status != StatusRunning {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded.Goal.Direction == nil || *loaded.Goal.Direction != DirectionAbove {
		t.Fatalf("expected direction to round-trip, got %+v", loaded.Goal)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPendingBlockingQuestions(t *testing.T) {
	tk := &Task{Questions: []Question{
		{ID: "q1", Priority: PriorityBlocking},
		{ID: "q2", Priority: PriorityQuestion},
		{ID: "q3", Priority: PriorityBlocking, AnsweredAt: ptrTime(time.Now()), Answer: "yes"},
	}}
	pending := tk.PendingBlockingQuestions()
	if len(pending) != 1 || pending[0].ID != "q1" {
		t.Fatalf("expected only q1 pending, got %+v", pending)
	}
}

func TestNewlyAnswered(t *testing.T) {
	watermark := time.Now()
	answered := watermark.Add(time.Minute)
	tk := &Task{Questions: []Question{
		{ID: "old", AnsweredAt: ptrTime(watermark.Add(-time.Hour)), Answer: "a"},
		{ID: "new", AnsweredAt: &answered, Answer: "b"},
	}}
	fresh := tk.NewlyAnswered(watermark)
	if len(fresh) != 1 || fresh[0].ID != "new" {
		t.Fatalf("expected only 'new' to be newly answered, got %+v", fresh)
	}
}

func TestDirectiveAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	d, err := AddDirective(dir, "always run tests before committing", "operator")
	if err != nil {
		t.Fatalf("AddDirective: %v", err)
	}
	directives, err := LoadDirectives(dir)
	if err != nil || len(directives) != 1 {
		t.Fatalf("expected one directive, got %v err=%v", directives, err)
	}

	if err := RemoveDirective(dir, d.ID); err != nil {
		t.Fatalf("RemoveDirective: %v", err)
	}
	directives, err = LoadDirectives(dir)
	if err != nil || len(directives) != 0 {
		t.Fatalf("expected directive removed, got %v", directives)
	}

	if err := RemoveDirective(dir, "ghost"); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFoundError removing unknown directive, got %v", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
