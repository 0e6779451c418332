package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// Fake is an in-memory Sandbox used by WorkerAgent and ContainerManager
// tests. It records calls and lets tests script Exec responses without a
// Docker daemon.
type Fake struct {
	mu sync.Mutex

	created    bool
	destroyed  bool
	env        map[string]string
	ExecScript []ExecResult // consumed in order; last entry repeats once exhausted
	execCalls  [][]string
	ip         string
	healthy    bool
}

// NewFake constructs a Fake sandbox that reports healthy/ip once Created.
func NewFake(ip string) *Fake {
	return &Fake{ip: ip}
}

func (f *Fake) Create(_ context.Context, env map[string]string, _ float64, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = true
	f.destroyed = false
	f.env = env
	f.healthy = true
	return "fake-sandbox-id", nil
}

func (f *Fake) Destroy(_ context.Context, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.healthy = false
	return nil
}

func (f *Fake) Exec(_ context.Context, argv []string, _ time.Duration) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, argv)
	if !f.created || f.destroyed {
		return ExecResult{}, apierr.New(apierr.KindTransientUpstream, "sandbox not running")
	}
	if len(f.ExecScript) == 0 {
		return ExecResult{ExitCode: 0}, nil
	}
	next := f.ExecScript[0]
	if len(f.ExecScript) > 1 {
		f.ExecScript = f.ExecScript[1:]
	}
	return next, nil
}

func (f *Fake) IP(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ip, nil
}

func (f *Fake) Health(_ context.Context) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return HealthStatus{Healthy: f.healthy}, nil
}

// ExecCalls returns every argv passed to Exec, for test assertions.
func (f *Fake) ExecCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.execCalls))
	copy(out, f.execCalls)
	return out
}

// Created reports whether Create has been called since the last Destroy.
func (f *Fake) Created() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created && !f.destroyed
}
