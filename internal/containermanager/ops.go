package containermanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/store"
)

const (
	gatewayHealthRetryBudget   = 120 * time.Second
	gatewayHealthRetryInterval = 2 * time.Second
	execTimeoutDefault         = 30 * time.Second
)

// CreateSandbox brings a project's sandbox online — locally, or via its
// worker's WorkerAgent — then retries the in-sandbox gateway health probe
// for up to 120s. On failure the project is marked status=error and the
// error is propagated; the sandbox is left for the caller to tear down.
func (m *Manager) CreateSandbox(ctx context.Context, project *store.Project) error {
	r, err := m.routeFor(ctx, project.Name)
	if err != nil {
		return err
	}
	env, err := m.ComposeEnv(ctx, project, r)
	if err != nil {
		return err
	}
	cpus, memoryMB, _, _ := m.EffectiveResources(r, project.InstanceType)

	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		if _, err := client.containerCreate(ctx, env, cpus, memoryMB); err != nil {
			_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
			return err
		}
		if err := m.waitGatewayReadyRemote(ctx, client); err != nil {
			_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
			return err
		}
		return m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectRunning)
	}

	if m.local == nil {
		return apierr.New(apierr.KindFatalInit, "no local sandbox backend configured")
	}
	if _, err := m.local.Create(ctx, env, cpus, memoryMB); err != nil {
		_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
		return apierr.Wrap(apierr.KindTransientUpstream, err, "create local sandbox")
	}
	if err := m.waitGatewayReadyLocal(ctx); err != nil {
		_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
		return err
	}
	return m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectRunning)
}

// RestartSandbox destroys-without-volume then recreates, preserving the
// workspace.
func (m *Manager) RestartSandbox(ctx context.Context, project *store.Project) error {
	r, err := m.routeFor(ctx, project.Name)
	if err != nil {
		return err
	}
	env, err := m.ComposeEnv(ctx, project, r)
	if err != nil {
		return err
	}

	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		if _, err := client.containerRestart(ctx, env); err != nil {
			_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
			return err
		}
		if err := m.waitGatewayReadyRemote(ctx, client); err != nil {
			_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
			return err
		}
		return m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectRunning)
	}

	if m.local == nil {
		return apierr.New(apierr.KindFatalInit, "no local sandbox backend configured")
	}
	if err := m.local.Destroy(ctx, false); err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "destroy local sandbox before restart")
	}
	cpus, memoryMB, _, _ := m.EffectiveResources(r, project.InstanceType)
	if _, err := m.local.Create(ctx, env, cpus, memoryMB); err != nil {
		_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
		return apierr.Wrap(apierr.KindTransientUpstream, err, "recreate local sandbox")
	}
	if err := m.waitGatewayReadyLocal(ctx); err != nil {
		_ = m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectError)
		return err
	}
	return m.store.UpdateProjectStatus(ctx, project.Name, store.ProjectRunning)
}

// DestroySandbox tears the sandbox down, local or remote. Idempotent.
func (m *Manager) DestroySandbox(ctx context.Context, projectName string, removeVolume bool) error {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		return client.containerDestroy(ctx, removeVolume)
	}
	if m.local == nil {
		return nil
	}
	return m.local.Destroy(ctx, removeVolume)
}

// Exec runs argv in the project's sandbox, local or remote.
func (m *Manager) Exec(ctx context.Context, projectName string, argv []string, timeout time.Duration) (sandbox.ExecResult, error) {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = execTimeoutDefault
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return sandbox.ExecResult{}, err
		}
		return client.exec(ctx, argv, int(timeout.Seconds()))
	}
	if m.local == nil {
		return sandbox.ExecResult{}, apierr.New(apierr.KindFatalInit, "no local sandbox backend configured")
	}
	return m.local.Exec(ctx, argv, timeout)
}

// WriteTask pushes a task document into the workspace.
func (m *Manager) WriteTask(ctx context.Context, projectName string, raw []byte) error {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		return client.writeTask(ctx, raw)
	}
	return m.WriteWorkspaceFile(ctx, projectName, ".task.json", raw)
}

// ReadMemory reads the three canonical memory files.
func (m *Manager) ReadMemory(ctx context.Context, projectName string) (map[string]string, error) {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return nil, err
		}
		return client.memory(ctx)
	}
	out := map[string]string{}
	for key, relPath := range map[string]string{
		"short_term_memory": "SHORT_TERM_MEMORY.md",
		"long_term_memory":  "LONG_TERM_MEMORY.md",
		"plan":              "plan.md",
	} {
		content, err := m.ReadWorkspaceFile(ctx, projectName, relPath)
		if err == nil {
			out[key] = content
		}
	}
	return out, nil
}

// ReadLogs tails the supervisor log.
func (m *Manager) ReadLogs(ctx context.Context, projectName string, lines int) (string, error) {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return "", err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return "", err
		}
		return client.logs(ctx, lines)
	}
	result, err := m.Exec(ctx, projectName, []string{"tail", "-n", fmt.Sprintf("%d", lines), ".supervisor.log"}, execTimeoutDefault)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// SupervisorControl forwards a pause/resume/stop/restart action to the
// project's in-sandbox Supervisor via its Gateway.
func (m *Manager) SupervisorControl(ctx context.Context, projectName, action string) error {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		return client.supervisorControl(ctx, action)
	}
	return m.gatewayHTTPCall(ctx, "/supervisor/control", map[string]any{"action": action})
}

// SendMessage delivers one operator-authored message into the running
// conversation.
func (m *Manager) SendMessage(ctx context.Context, projectName, content string) error {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return err
		}
		return client.sendMessage(ctx, content)
	}
	return m.gatewayHTTPCall(ctx, "/send-message", map[string]any{"content": content})
}

// DialGateway opens a websocket to the project's Gateway for ControlAPI's
// chat relay: directly in local mode, through WorkerAgent's /gateway relay
// endpoint in remote mode.
func (m *Manager) DialGateway(ctx context.Context, projectName string) (*websocket.Conn, error) {
	r, err := m.routeFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	if r.remote {
		client, err := m.workerAgentClientFor(ctx, r.worker)
		if err != nil {
			return nil, err
		}
		header := make(map[string][]string)
		header["Authorization"] = []string{"Bearer " + client.token}
		wsURL := "ws://" + client.baseURL[len("http://"):] + "/gateway"
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransientUpstream, err, "dial worker agent gateway relay")
		}
		return conn, nil
	}
	ip, err := m.local.IP(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransientUpstream, err, "resolve local sandbox address")
	}
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", ip), nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransientUpstream, err, "dial local gateway")
	}
	return conn, nil
}

// WriteWorkspaceFile pushes content into the workspace of a local-mode
// project by execing a base64-decode-and-redirect shell command, mirroring
// WorkerAgent's own local write path. Used for directive/document writes
// that don't have a dedicated WorkerAgent endpoint.
func (m *Manager) WriteWorkspaceFile(ctx context.Context, projectName, relPath string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	argv := []string{"sh", "-c", fmt.Sprintf("echo %s | base64 -d > %s", encoded, relPath)}
	result, err := m.Exec(ctx, projectName, argv, execTimeoutDefault)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return apierr.New(apierr.KindTransientUpstream, fmt.Sprintf("write %s failed: %s", relPath, result.Stderr))
	}
	return nil
}

// ReadWorkspaceFile reads one workspace file via exec.
func (m *Manager) ReadWorkspaceFile(ctx context.Context, projectName, relPath string) (string, error) {
	result, err := m.Exec(ctx, projectName, []string{"cat", relPath}, execTimeoutDefault)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", apierr.NotFoundf("%s not found in workspace", relPath)
	}
	return result.Stdout, nil
}
