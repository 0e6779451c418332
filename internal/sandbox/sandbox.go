// Package sandbox abstracts the local execution unit that WorkerAgent (and
// the control plane, in local mode) drives: a long-lived, named workspace
// that can be created, execed into repeatedly, health-checked, and torn
// down. The Docker adapter is one implementation; the spec this package
// follows is adapter-agnostic.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of one Exec call. Stdout is populated on both
// success and failure so the caller can inspect command failure output.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// HealthStatus is the outcome of a liveness probe.
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Sandbox is the capability set a WorkerAgent needs to run one project's
// workload: create-or-reuse the workspace, run commands in it repeatedly,
// report its address, and tear it down.
type Sandbox interface {
	// Create brings the sandbox online, creating or reusing the named
	// workspace volume, and returns an opaque sandbox id.
	Create(ctx context.Context, env map[string]string, cpuLimit float64, memLimitMB int64) (string, error)

	// Destroy tears the sandbox down. If removeVolume is true the backing
	// workspace volume is deleted too. Idempotent.
	Destroy(ctx context.Context, removeVolume bool) error

	// Exec runs argv inside the sandbox with the given timeout.
	Exec(ctx context.Context, argv []string, timeout time.Duration) (ExecResult, error)

	// IP returns the sandbox's internal address for the in-sandbox gateway.
	IP(ctx context.Context) (string, error)

	// Health reports liveness.
	Health(ctx context.Context) (HealthStatus, error)
}
