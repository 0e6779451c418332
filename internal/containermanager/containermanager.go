// Package containermanager decides, for every sandbox operation, whether to
// act on a local Sandbox directly or delegate to a remote WorkerAgent, and
// composes the deterministic env map every sandbox is created with. The
// decision is purely a function of Store state: a project with a worker row
// in status=ready is remote, everything else is local.
package containermanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/provisioner"
	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
)

// Defaults carries the control plane's local-mode resource ceiling and the
// fixed paths/ports every sandbox is composed with.
type Defaults struct {
	CPUs             float64
	MemoryMB         int64
	HostCPUs         float64
	HostMemoryMB     int64
	WorkspacePath    string
	WorkerAgentPort  int
	SessionKeyPrefix string
}

func (d Defaults) withFallbacks() Defaults {
	if d.WorkspacePath == "" {
		d.WorkspacePath = "/workspace"
	}
	if d.WorkerAgentPort == 0 {
		d.WorkerAgentPort = 7700
	}
	if d.SessionKeyPrefix == "" {
		d.SessionKeyPrefix = "main:webchat:synv2"
	}
	if d.HostCPUs <= 0 {
		d.HostCPUs = 4
	}
	if d.HostMemoryMB <= 0 {
		d.HostMemoryMB = 8192
	}
	return d
}

// Manager routes sandbox operations local-vs-remote and composes env maps.
// It holds no per-project state of its own; everything it needs to decide
// with comes from Store on every call.
type Manager struct {
	store  *store.Store
	box    *secretbox.Box
	local  sandbox.Sandbox
	cfg    Defaults
	httpc  *http.Client
	logger *slog.Logger
}

// New constructs a Manager. local is the Sandbox driven directly for
// projects with no dedicated worker; it may be nil if this control plane
// deployment never runs in local mode.
func New(st *store.Store, box *secretbox.Box, local sandbox.Sandbox, cfg Defaults, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		box:    box,
		local:  local,
		cfg:    cfg.withFallbacks(),
		httpc:  &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// route is the target a Manager call should reach for a project: either the
// local Sandbox, or a worker's WorkerAgent over HTTP.
type route struct {
	remote bool
	worker *store.Worker
}

// routeFor implements the C8 routing rule: worker exists and status=ready
// implies remote; everything else (no worker, or a worker mid-lifecycle)
// is local. A worker mid-provisioning has no reachable WorkerAgent yet, so
// treating it as local would be wrong too, but ControlAPI callers only
// invoke sandbox operations once a project has left ProjectProvisioning.
func (m *Manager) routeFor(ctx context.Context, projectName string) (route, error) {
	worker, err := m.store.GetWorkerByProject(ctx, projectName)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) {
			return route{remote: false}, nil
		}
		return route{}, err
	}
	if worker.Status == store.WorkerReady {
		return route{remote: true, worker: worker}, nil
	}
	return route{remote: false, worker: worker}, nil
}

// IsRemote reports whether a project currently routes to a dedicated worker.
func (m *Manager) IsRemote(ctx context.Context, projectName string) (bool, error) {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return false, err
	}
	return r.remote, nil
}

// instanceTier is one band of the instance-capability heuristic: CPUs and
// memory assumed available on an instance whose type name contains the
// given size marker. Like the disk-size heuristic in WorkerProvisioner,
// this is treated as configuration, not a hard-coded literal — a real
// deployment would source it from the cloud provider's instance catalog.
type instanceTier struct {
	marker   string
	cpus     float64
	memoryMB int64
}

var instanceTiers = []instanceTier{
	{marker: "24x", cpus: 96, memoryMB: 384 * 1024},
	{marker: "12x", cpus: 48, memoryMB: 192 * 1024},
	{marker: "4x", cpus: 16, memoryMB: 64 * 1024},
	{marker: "2x", cpus: 8, memoryMB: 32 * 1024},
	{marker: "xlarge", cpus: 4, memoryMB: 16 * 1024},
	{marker: "large", cpus: 2, memoryMB: 8 * 1024},
}

// instanceCapability estimates raw CPU/memory for an instance type name. An
// empty or unrecognized type falls back to the configured local-mode host
// capability, so local and remote callers share one code path.
func (m *Manager) instanceCapability(instanceType string) (cpus float64, memoryMB int64) {
	lower := strings.ToLower(instanceType)
	for _, tier := range instanceTiers {
		if strings.Contains(lower, tier.marker) {
			return tier.cpus, tier.memoryMB
		}
	}
	return m.cfg.HostCPUs, m.cfg.HostMemoryMB
}

const instanceMemoryHeadroom = 0.10

// EffectiveResources computes INSTANCE_CPUS/INSTANCE_MEMORY_MB and
// HOST_CPUS/HOST_MEMORY_MB per §4.8: in worker mode the effective
// CPU/memory equals the instance's raw capability (memory × 0.9 for OS
// overhead); in local mode it is the minimum of the configured defaults
// and the local host's capability.
func (m *Manager) EffectiveResources(r route, instanceType string) (instanceCPUs float64, instanceMemoryMB int64, hostCPUs float64, hostMemoryMB int64) {
	var rawCPUs float64
	var rawMemoryMB int64
	if r.remote {
		rawCPUs, rawMemoryMB = m.instanceCapability(instanceType)
		return rawCPUs, int64(float64(rawMemoryMB) * (1 - instanceMemoryHeadroom)), rawCPUs, rawMemoryMB
	}
	rawCPUs, rawMemoryMB = m.cfg.HostCPUs, m.cfg.HostMemoryMB
	cpus := m.cfg.CPUs
	if cpus <= 0 || cpus > rawCPUs {
		cpus = rawCPUs
	}
	memoryMB := m.cfg.MemoryMB
	if memoryMB <= 0 || memoryMB > rawMemoryMB {
		memoryMB = rawMemoryMB
	}
	return cpus, memoryMB, rawCPUs, rawMemoryMB
}

// ComposeEnv builds the deterministic sandbox env map per §4.8: project
// identity, decrypted LLM credential, MCP server list, fixed workspace
// path, decrypted secrets, decrypted extra-env blob, and instance
// awareness variables.
func (m *Manager) ComposeEnv(ctx context.Context, project *store.Project, r route) (map[string]string, error) {
	llmKey, err := m.box.Open(project.LLMCredentialCiphertext)
	if err != nil {
		return nil, err
	}
	mcpJSON, err := json.Marshal(project.MCPServers)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "encoding mcp servers")
	}

	env := map[string]string{
		"PROJECT_NAME": project.Name,
		"LLM_API_KEY":  string(llmKey),
		"MCP_SERVERS":  string(mcpJSON),
		"WORKSPACE":    m.cfg.WorkspacePath,
	}

	secrets, err := m.store.ListSecrets(ctx, project.Name)
	if err != nil {
		return nil, err
	}
	for _, sec := range secrets {
		if sec.Key == provisioner.WorkerTokenSecretKey {
			continue // internal bookkeeping, never exposed to the sandbox
		}
		plaintext, err := m.box.Open(sec.ValueCiphertext)
		if err != nil {
			return nil, err
		}
		env[sec.Key] = string(plaintext)
	}

	if project.ExtraEnvCiphertext != "" {
		extraRaw, err := m.box.Open(project.ExtraEnvCiphertext)
		if err != nil {
			return nil, err
		}
		var extra map[string]string
		if err := json.Unmarshal(extraRaw, &extra); err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "decode extra-env blob")
		}
		for k, v := range extra {
			env[k] = v
		}
	}

	instanceCPUs, instanceMemoryMB, hostCPUs, hostMemoryMB := m.EffectiveResources(r, project.InstanceType)
	env["INSTANCE_TYPE"] = project.InstanceType
	env["INSTANCE_CPUS"] = fmt.Sprintf("%g", instanceCPUs)
	env["INSTANCE_MEMORY_MB"] = fmt.Sprintf("%d", instanceMemoryMB)
	env["HOST_CPUS"] = fmt.Sprintf("%g", hostCPUs)
	env["HOST_MEMORY_MB"] = fmt.Sprintf("%d", hostMemoryMB)

	return env, nil
}

// workerTokenPlaintext recovers the worker bearer token ContainerManager
// needs to authenticate with a remote WorkerAgent, sealed into the
// project's secrets table under provisioner.WorkerTokenSecretKey at
// provisioning time.
func (m *Manager) workerTokenPlaintext(ctx context.Context, projectName string) (string, error) {
	sec, err := m.store.GetSecret(ctx, projectName, provisioner.WorkerTokenSecretKey)
	if err != nil {
		return "", err
	}
	plaintext, err := m.box.Open(sec.ValueCiphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *Manager) workerAgentBaseURL(w *store.Worker) string {
	host := w.PublicIP
	if host == "" {
		host = w.PrivateIP
	}
	return fmt.Sprintf("http://%s:%d", host, m.cfg.WorkerAgentPort)
}
