package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/exla-ai/synv2/internal/apierr"
)

// DockerSandbox adapts a single long-lived named Docker container to the
// Sandbox interface. Unlike a one-shot exec-and-remove container, the
// container started by Create stays running across many Exec calls, which
// is what lets WorkerAgent drive a persistent in-sandbox gateway process.
type DockerSandbox struct {
	client      *client.Client
	name        string
	image       string
	volumeName  string
	networkMode string
}

// NewDockerSandbox constructs an adapter bound to one project's container
// and volume names. It does not talk to the daemon until Create is called.
func NewDockerSandbox(projectName, image, networkMode string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "create docker client")
	}
	if image == "" {
		image = "synv2/sandbox:latest"
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &DockerSandbox{
		client:      cli,
		name:        "synv2-sandbox-" + projectName,
		image:       image,
		volumeName:  "synv2-workspace-" + projectName,
		networkMode: networkMode,
	}, nil
}

// Create starts (or reattaches to) the named container, creating the named
// workspace volume first if it does not exist. The volume outlives the
// container across restarts and resizes.
func (d *DockerSandbox) Create(ctx context.Context, env map[string]string, cpuLimit float64, memLimitMB int64) (string, error) {
	if _, err := d.client.VolumeInspect(ctx, d.volumeName); err != nil {
		if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: d.volumeName}); err != nil {
			return "", apierr.Wrap(apierr.KindTransientUpstream, err, "create workspace volume")
		}
	}

	if existing, err := d.client.ContainerInspect(ctx, d.name); err == nil {
		if existing.State != nil && existing.State.Running {
			return existing.ID, nil
		}
		if err := d.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return "", apierr.Wrap(apierr.KindTransientUpstream, err, "restart existing sandbox container")
		}
		return existing.ID, nil
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Env:   envList,
		Tty:   false,
		// A persistent container needs a foreground process; the sandbox
		// image is expected to run its in-container gateway as PID 1.
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   memLimitMB * 1024 * 1024,
			NanoCPUs: int64(cpuLimit * 1e9),
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: d.volumeName, Target: "/workspace"},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}, nil, nil, d.name)
	if err != nil {
		return "", apierr.Wrap(apierr.KindTransientUpstream, err, "create sandbox container")
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apierr.Wrap(apierr.KindTransientUpstream, err, "start sandbox container")
	}
	return resp.ID, nil
}

// Destroy stops and removes the container. When removeVolume is set, the
// backing workspace volume is removed too; otherwise it survives for a
// future Create to reattach to. Idempotent: a missing container or volume
// is not an error.
func (d *DockerSandbox) Destroy(ctx context.Context, removeVolume bool) error {
	timeoutSeconds := 10
	if err := d.client.ContainerStop(ctx, d.name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil && !client.IsErrNotFound(err) {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "stop sandbox container")
	}
	if err := d.client.ContainerRemove(ctx, d.name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "remove sandbox container")
	}
	if removeVolume {
		if err := d.client.VolumeRemove(ctx, d.volumeName, true); err != nil && !client.IsErrNotFound(err) {
			return apierr.Wrap(apierr.KindTransientUpstream, err, "remove workspace volume")
		}
	}
	return nil
}

// Exec runs argv inside the running container via docker exec, rather than
// a one-shot container per command, since Create leaves the sandbox's own
// process running as PID 1.
func (d *DockerSandbox) Exec(ctx context.Context, argv []string, timeout time.Duration) (ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.client.ContainerExecCreate(execCtx, d.name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.KindTransientUpstream, err, "create exec")
	}

	attach, err := d.client.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.KindTransientUpstream, err, "attach exec")
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, apierr.Wrap(apierr.KindTransientUpstream, err, "read exec output")
	}

	inspect, err := d.client.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return ExecResult{}, apierr.Wrap(apierr.KindTransientUpstream, err, "inspect exec result")
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}, nil
}

// IP returns the container's address on its configured network.
func (d *DockerSandbox) IP(ctx context.Context) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, d.name)
	if err != nil {
		return "", apierr.Wrap(apierr.KindTransientUpstream, err, "inspect sandbox container")
	}
	if inspect.NetworkSettings == nil {
		return "", apierr.New(apierr.KindTransientUpstream, "sandbox container has no network settings")
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return inspect.NetworkSettings.IPAddress, nil
}

// Health reports whether the container is running. Liveness of the
// in-sandbox gateway itself is checked one layer up, by polling its HTTP
// /health endpoint against the IP this method's caller already has.
func (d *DockerSandbox) Health(ctx context.Context) (HealthStatus, error) {
	inspect, err := d.client.ContainerInspect(ctx, d.name)
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	if inspect.State == nil || !inspect.State.Running {
		return HealthStatus{Healthy: false, Detail: "container not running"}, nil
	}
	return HealthStatus{Healthy: true}, nil
}

// Close releases the underlying Docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
