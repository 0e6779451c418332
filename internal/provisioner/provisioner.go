// Package provisioner drives per-project compute lifecycle against an
// abstract cloud provider: launch, wait-ready, resize, and terminate. No
// concrete cloud SDK is wired in here; CloudProvider is the seam a real
// AWS/GCP/on-prem backend would implement.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/cronutil"
	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
)

// WorkerTokenSecretKey is the reserved secrets-table key under which the
// worker's bearer token is sealed, so ContainerManager can recover it
// without WorkerProvisioner needing to hand back the plaintext again.
const WorkerTokenSecretKey = "SYNV2_WORKER_TOKEN"

// InstanceSpec describes the instance a CloudProvider is asked to launch.
type InstanceSpec struct {
	InstanceType string
	DiskSizeGB   int
	UserData     string
}

// InstanceDescription is what Describe reports back about a running instance.
type InstanceDescription struct {
	PrivateIP string
	PublicIP  string
	State     string // e.g. "pending", "running", "stopped", "terminated"
}

// CloudProvider is the seam between WorkerProvisioner and whatever compute
// backend actually exists. Every method is a single blocking round trip;
// WorkerProvisioner owns all polling/retry/backoff.
type CloudProvider interface {
	LatestBaseImage(ctx context.Context, instanceType string) (string, error)
	Launch(ctx context.Context, spec InstanceSpec, imageID string) (instanceID string, err error)
	Describe(ctx context.Context, instanceID string) (InstanceDescription, error)
	Stop(ctx context.Context, instanceID string) error
	Start(ctx context.Context, instanceID string) error
	ModifyType(ctx context.Context, instanceID, newType string) error
	Terminate(ctx context.Context, instanceID string) error
}

// WorkerProvisioner implements spec §4.7 against a Store and CloudProvider.
type WorkerProvisioner struct {
	provider CloudProvider
	store    *store.Store
	box      *secretbox.Box
	logger   *slog.Logger
	httpc    *http.Client
}

// New constructs a WorkerProvisioner. box seals the generated worker token
// into the secrets table so ContainerManager can recover it later without
// WorkerProvisioner keeping the plaintext in memory.
func New(provider CloudProvider, st *store.Store, box *secretbox.Box, logger *slog.Logger) *WorkerProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerProvisioner{
		provider: provider,
		store:    st,
		box:      box,
		logger:   logger,
		httpc:    &http.Client{Timeout: 5 * time.Second},
	}
}

const (
	healthWaitTimeout  = 5 * time.Minute
	healthPollInterval = 10 * time.Second
	workerAgentPort    = 7700
)

// DiskSizeGB computes the disk heuristic from an instance type name: GPU
// families get 200 GiB regardless of size index; otherwise the size index
// (the trailing "Nx" in "family.Nxlarge") scales the default.
func DiskSizeGB(instanceType string) int {
	lower := strings.ToLower(instanceType)
	if strings.Contains(lower, "gpu") || strings.HasPrefix(lower, "p") || strings.HasPrefix(lower, "g") {
		return 200
	}
	switch {
	case strings.Contains(lower, "24x"):
		return 500
	case strings.Contains(lower, "12x"):
		return 200
	case strings.Contains(lower, "4x"):
		return 100
	default:
		return 50
	}
}

// Provision launches a new worker for a project and returns immediately
// after recording it (status=provisioning); readiness is awaited in the
// background by AwaitReady.
func (p *WorkerProvisioner) Provision(ctx context.Context, projectName, instanceType, region, az string) (*store.Worker, string, error) {
	imageID, err := p.provider.LatestBaseImage(ctx, instanceType)
	if err != nil {
		return nil, "", fmt.Errorf("resolve base image: %w", err)
	}

	spec := InstanceSpec{
		InstanceType: instanceType,
		DiskSizeGB:   DiskSizeGB(instanceType),
		UserData:     bootstrapUserData(projectName),
	}

	instanceID, err := p.provider.Launch(ctx, spec, imageID)
	if err != nil {
		return nil, "", fmt.Errorf("launch instance: %w", err)
	}

	worker, token, err := p.store.CreateWorker(ctx, instanceID, projectName, instanceType, region, az)
	if err != nil {
		_ = p.provider.Terminate(ctx, instanceID)
		return nil, "", err
	}

	go p.AwaitReady(context.Background(), instanceID)

	return worker, token, nil
}

// AwaitReady polls Describe until an IP is assigned, then polls
// WorkerAgent's /health until it answers OK, for up to healthWaitTimeout.
// On success the worker transitions to ready; on timeout, to error.
func (p *WorkerProvisioner) AwaitReady(ctx context.Context, instanceID string) {
	ctx, cancel := context.WithTimeout(ctx, healthWaitTimeout)
	defer cancel()

	ticker := cronutil.NewTicker(healthPollInterval, 0, p.logger, func(tickCtx context.Context) {
		p.pollReady(tickCtx, instanceID, cancel)
	})
	ticker.Run(ctx)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if err := p.store.UpdateWorkerStatus(context.Background(), instanceID, store.WorkerError); err != nil {
			p.logger.Warn("failed to mark worker errored after readiness timeout", "instance", instanceID, "error", err)
		}
	}
}

func (p *WorkerProvisioner) pollReady(ctx context.Context, instanceID string, done context.CancelFunc) {
	desc, err := p.provider.Describe(ctx, instanceID)
	if err != nil {
		p.logger.Warn("describe failed during readiness wait", "instance", instanceID, "error", err)
		return
	}
	if desc.PrivateIP == "" {
		return
	}
	if err := p.store.UpdateWorkerNetwork(ctx, instanceID, desc.PrivateIP, desc.PublicIP); err != nil {
		p.logger.Warn("failed to record worker network", "instance", instanceID, "error", err)
	}

	if !p.workerAgentHealthy(ctx, desc.PublicIP) {
		return
	}
	if err := p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerReady); err != nil {
		p.logger.Warn("failed to mark worker ready", "instance", instanceID, "error", err)
		return
	}
	done()
}

func (p *WorkerProvisioner) workerAgentHealthy(ctx context.Context, publicIP string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%d/health", publicIP, workerAgentPort), nil)
	if err != nil {
		return false
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Resize stops, retypes, restarts, and re-awaits readiness for an existing
// worker. The workspace volume is untouched; WorkerAgent reattaches to it.
func (p *WorkerProvisioner) Resize(ctx context.Context, instanceID, newType string) error {
	if err := p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerStopping); err != nil {
		return err
	}
	if err := p.provider.Stop(ctx, instanceID); err != nil {
		_ = p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerError)
		return fmt.Errorf("stop instance: %w", err)
	}
	if err := p.waitForState(ctx, instanceID, "stopped"); err != nil {
		_ = p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerError)
		return err
	}
	if err := p.provider.ModifyType(ctx, instanceID, newType); err != nil {
		_ = p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerError)
		return fmt.Errorf("modify instance type: %w", err)
	}
	if err := p.provider.Start(ctx, instanceID); err != nil {
		_ = p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerError)
		return fmt.Errorf("start instance: %w", err)
	}
	if err := p.waitForState(ctx, instanceID, "running"); err != nil {
		_ = p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerError)
		return err
	}
	if err := p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerBootstrapping); err != nil {
		return err
	}
	p.AwaitReady(ctx, instanceID)
	return nil
}

func (p *WorkerProvisioner) waitForState(ctx context.Context, instanceID, wantState string) error {
	deadline := time.Now().Add(3 * time.Minute)
	for time.Now().Before(deadline) {
		desc, err := p.provider.Describe(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("describe instance while waiting for %s: %w", wantState, err)
		}
		if desc.State == wantState {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("timed out waiting for instance %s to reach state %q", instanceID, wantState)
}

// Terminate best-effort tears an instance down and marks it terminated
// regardless of whether the provider call succeeds.
func (p *WorkerProvisioner) Terminate(ctx context.Context, instanceID string) error {
	if err := p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerStopping); err != nil {
		return err
	}
	if err := p.provider.Terminate(ctx, instanceID); err != nil {
		p.logger.Warn("best-effort terminate failed", "instance", instanceID, "error", err)
	}
	return p.store.UpdateWorkerStatus(ctx, instanceID, store.WorkerTerminated)
}

func bootstrapUserData(projectName string) string {
	return fmt.Sprintf("#!/bin/sh\n# bootstraps WorkerAgent for project %s\nsystemctl enable --now workeragent\n", projectName)
}
