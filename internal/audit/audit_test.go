package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetState(t *testing.T) string {
	t.Helper()
	_ = Close()
	denyCount.Store(0)
	return t.TempDir()
}

func TestRecordWritesJSONLAndRedactsSecrets(t *testing.T) {
	home := resetState(t)
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Record(DecisionDeny, "secret.read", "denied: token=abcdefghijklmnopqrstuvwx", "operator", "project-x")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"decision":"deny"`) {
		t.Fatalf("expected deny decision in log, got %s", data)
	}
	if strings.Contains(string(data), "abcdefghijklmnopqrstuvwx") {
		t.Fatalf("expected token to be redacted, got %s", data)
	}
}

func TestDenyCountIncrementsOnlyOnDeny(t *testing.T) {
	home := resetState(t)
	if err := Init(home); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	Record(DecisionAllow, "project.create", "", "operator", "project-y")
	Record(DecisionDeny, "secret.read", "", "operator", "project-y")
	Record(DecisionDeny, "project.destroy", "", "operator", "project-y")

	if got := DenyCount(); got != 2 {
		t.Fatalf("expected DenyCount 2, got %d", got)
	}
}
