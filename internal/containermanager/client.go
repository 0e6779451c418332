package containermanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/store"
)

// workerAgentClient is a thin bearer-authenticated HTTP client for one
// worker's WorkerAgent, built fresh per call from the worker row and its
// sealed token rather than held open across calls.
type workerAgentClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func (m *Manager) workerAgentClientFor(ctx context.Context, w *store.Worker) (*workerAgentClient, error) {
	token, err := m.workerTokenPlaintext(ctx, w.ProjectName)
	if err != nil {
		return nil, err
	}
	return &workerAgentClient{baseURL: m.workerAgentBaseURL(w), token: token, httpc: m.httpc}, nil
}

func (c *workerAgentClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apierr.Wrap(apierr.KindValidation, err, "encode worker agent request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "build worker agent request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "worker agent unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(apierr.KindTransientUpstream, fmt.Sprintf("worker agent returned %d: %s", resp.StatusCode, string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *workerAgentClient) containerCreate(ctx context.Context, env map[string]string, cpus float64, memoryMB int64) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"env": env, "cpus": cpus, "memory_mb": memoryMB}
	if err := c.do(ctx, http.MethodPost, "/container/create", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *workerAgentClient) containerRestart(ctx context.Context, env map[string]string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/container/restart", map[string]any{"env": env}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *workerAgentClient) containerDestroy(ctx context.Context, removeVolume bool) error {
	return c.do(ctx, http.MethodPost, "/container/destroy", map[string]any{"remove_volume": removeVolume}, nil)
}

func (c *workerAgentClient) exec(ctx context.Context, argv []string, timeoutSeconds int) (sandbox.ExecResult, error) {
	var out sandbox.ExecResult
	body := map[string]any{"argv": argv, "timeout_seconds": timeoutSeconds}
	if err := c.do(ctx, http.MethodPost, "/exec", body, &out); err != nil {
		return sandbox.ExecResult{}, err
	}
	return out, nil
}

func (c *workerAgentClient) writeTask(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task", bytes.NewReader(raw))
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "build task write request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "worker agent unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(apierr.KindTransientUpstream, fmt.Sprintf("worker agent rejected task write: %s", string(msg)))
	}
	return nil
}

func (c *workerAgentClient) memory(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/memory", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerAgentClient) logs(ctx context.Context, lines int) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/logs?lines=%d", lines), nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *workerAgentClient) supervisorControl(ctx context.Context, action string) error {
	return c.do(ctx, http.MethodPost, "/supervisor/control", map[string]any{"action": action}, nil)
}

func (c *workerAgentClient) sendMessage(ctx context.Context, content string) error {
	return c.do(ctx, http.MethodPost, "/message", map[string]any{"content": content}, nil)
}

func (c *workerAgentClient) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
