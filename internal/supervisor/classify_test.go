package supervisor

import (
	"testing"
	"time"
)

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name     string
		chars    int
		tools    int
		hadError bool
		timedOut bool
		want     Classification
	}{
		{"error wins over everything", 500, 3, true, false, ClassError},
		{"tool usage is productive", 50, 1, false, false, ClassProductive},
		{"timeout is productive", 0, 0, false, true, ClassProductive},
		{"empty", 0, 0, false, false, ClassEmpty},
		{"idle under 200 chars", 150, 0, false, false, ClassIdle},
		{"ok at or above 200 chars", 200, 0, false, false, ClassOK},
	}
	for _, c := range cases {
		if got := Classify(c.chars, c.tools, c.hadError, c.timedOut); got != c.want {
			t.Errorf("%s: Classify(%d,%d,%v,%v) = %v, want %v", c.name, c.chars, c.tools, c.hadError, c.timedOut, got, c.want)
		}
	}
}

func TestDelayProductiveAndOK(t *testing.T) {
	if d := Delay(ClassProductive, 0, 0); d != 15*time.Second {
		t.Errorf("expected 15s for productive, got %v", d)
	}
	if d := Delay(ClassOK, 0, 0); d != 30*time.Second {
		t.Errorf("expected 30s for ok, got %v", d)
	}
}

func TestDelayIdleScalesAndCaps(t *testing.T) {
	if d := Delay(ClassIdle, 1, 0); d != 5*time.Minute {
		t.Errorf("expected 5m for first idle, got %v", d)
	}
	if d := Delay(ClassIdle, 2, 0); d != 10*time.Minute {
		t.Errorf("expected 10m for second idle, got %v", d)
	}
	if d := Delay(ClassIdle, 10, 0); d != idleCap {
		t.Errorf("expected idle delay capped at %v, got %v", idleCap, d)
	}
}

func TestDelayEmptyBelowAndAboveThreshold(t *testing.T) {
	if d := Delay(ClassEmpty, 0, 1); d != 2*time.Minute {
		t.Errorf("expected 2m below threshold, got %v", d)
	}
	if d := Delay(ClassEmpty, 0, 3); d != 2*time.Minute {
		t.Errorf("expected 2m at threshold boundary (2^0), got %v", d)
	}
	if d := Delay(ClassEmpty, 0, 4); d != 4*time.Minute {
		t.Errorf("expected 4m one past threshold (2^1), got %v", d)
	}
	if d := Delay(ClassEmpty, 0, 20); d != emptyCap {
		t.Errorf("expected empty delay capped at %v, got %v", emptyCap, d)
	}
}

func TestDelayError(t *testing.T) {
	if d := Delay(ClassError, 0, 0); d != 2*time.Minute {
		t.Errorf("expected 2m for error, got %v", d)
	}
}

func TestRecoveryTierEscalation(t *testing.T) {
	cases := []struct {
		empty int
		want  int
	}{
		{0, 0}, {4, 0}, {5, 1}, {9, 1}, {10, 2}, {19, 2}, {20, 3}, {100, 3},
	}
	for _, c := range cases {
		if got := RecoveryTier(c.empty); got != c.want {
			t.Errorf("RecoveryTier(%d) = %d, want %d", c.empty, got, c.want)
		}
	}
}
