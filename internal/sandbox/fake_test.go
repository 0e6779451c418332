package sandbox

import (
	"context"
	"testing"
)

func TestFakeCreateExecDestroy(t *testing.T) {
	ctx := context.Background()
	f := NewFake("10.0.0.5")

	if _, err := f.Create(ctx, map[string]string{"FOO": "bar"}, 1, 512); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !f.Created() {
		t.Fatalf("expected Created() true after Create")
	}

	health, err := f.Health(ctx)
	if err != nil || !health.Healthy {
		t.Fatalf("expected healthy sandbox, got %+v err=%v", health, err)
	}

	ip, err := f.IP(ctx)
	if err != nil || ip != "10.0.0.5" {
		t.Fatalf("unexpected ip %q err=%v", ip, err)
	}

	f.ExecScript = []ExecResult{{ExitCode: 0, Stdout: "ok"}}
	res, err := f.Exec(ctx, []string{"echo", "ok"}, 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "ok" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
	if len(f.ExecCalls()) != 1 {
		t.Fatalf("expected one recorded exec call")
	}

	if err := f.Destroy(ctx, true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if f.Created() {
		t.Fatalf("expected Created() false after Destroy")
	}
	if _, err := f.Exec(ctx, []string{"echo"}, 0); err == nil {
		t.Fatalf("expected Exec after Destroy to fail")
	}
}
