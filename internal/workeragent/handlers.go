package workeragent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

const gatewayReadyTimeout = 120 * time.Second
const execTimeoutDefault = 30 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":               true,
		"container_running": s.isContainerRunning(),
		"gateway":          nil,
	}
	if s.isContainerRunning() {
		if health, err := s.gatewayHealth(r.Context()); err == nil {
			resp["gateway"] = health
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Env       map[string]string `json:"env"`
		CPUs      float64            `json:"cpus"`
		MemoryMB  int64              `json:"memory_mb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Validationf("invalid request body: %v", err))
		return
	}

	cpus, memoryMB := ClampResources(body.CPUs, body.MemoryMB, s.cfg.HostCPUs, s.cfg.HostMemoryMB)
	s.logger.Info("applying clamped resource limits",
		"requested_cpus", body.CPUs, "requested_memory_mb", body.MemoryMB,
		"applied_cpus", cpus, "applied_memory_mb", memoryMB)

	id, err := s.cfg.Sandbox.Create(r.Context(), body.Env, cpus, memoryMB)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "create sandbox"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), gatewayReadyTimeout)
	defer cancel()
	if err := s.waitGatewayReady(ctx); err != nil {
		_ = s.cfg.Sandbox.Destroy(context.Background(), true)
		s.setContainerRunning(false, nil)
		writeError(w, apierr.New(apierr.KindTimeout, "gateway did not become healthy within 120s; sandbox destroyed"))
		return
	}

	s.setContainerRunning(true, body.Env)
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleContainerRestart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Validationf("invalid request body: %v", err))
		return
	}

	if err := s.cfg.Sandbox.Destroy(r.Context(), false); err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "destroy sandbox before restart"))
		return
	}
	id, err := s.cfg.Sandbox.Create(r.Context(), body.Env, 0, 0)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "recreate sandbox"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), gatewayReadyTimeout)
	defer cancel()
	if err := s.waitGatewayReady(ctx); err != nil {
		s.setContainerRunning(false, nil)
		writeError(w, apierr.New(apierr.KindTimeout, "gateway did not become healthy after restart"))
		return
	}

	s.setContainerRunning(true, body.Env)
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleContainerDestroy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RemoveVolume bool `json:"remove_volume"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.cfg.Sandbox.Destroy(r.Context(), body.RemoveVolume); err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "destroy sandbox"))
		return
	}
	s.setContainerRunning(false, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Argv          []string `json:"argv"`
		TimeoutSeconds int     `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Argv) == 0 {
		writeError(w, apierr.Validationf("invalid exec request body"))
		return
	}
	timeout := execTimeoutDefault
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	result, err := s.cfg.Sandbox.Exec(r.Context(), body.Argv, timeout)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "exec in sandbox"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskWrite(w http.ResponseWriter, r *http.Request) {
	raw, err := readAll(r)
	if err != nil {
		writeError(w, apierr.Validationf("invalid task document: %v", err))
		return
	}
	if err := s.writeWorkspaceFile(r.Context(), taskDocumentPath, raw); err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "write task document"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	shortTerm, err1 := s.readWorkspaceFile(r.Context(), "SHORT_TERM_MEMORY.md")
	longTerm, err2 := s.readWorkspaceFile(r.Context(), "LONG_TERM_MEMORY.md")
	plan, err3 := s.readWorkspaceFile(r.Context(), "plan.md")
	if err1 != nil && err2 != nil && err3 != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err1, "read workspace memory files"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"short_term_memory": shortTerm,
		"long_term_memory":  longTerm,
		"plan":              plan,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	result, err := s.cfg.Sandbox.Exec(r.Context(), []string{"tail", "-n", strconv.Itoa(lines), ".supervisor.log"}, execTimeoutDefault)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "read supervisor log"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": result.Stdout})
}

func (s *Server) handleSupervisorControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Validationf("invalid request body: %v", err))
		return
	}
	resp, err := s.postToGateway(r.Context(), "/supervisor/control", body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "proxy supervisor control"))
		return
	}
	w.WriteHeader(resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, apierr.Validationf("invalid message request body"))
		return
	}
	if err := s.sendSingleMessage(r.Context(), body.Content); err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransientUpstream, err, "deliver user message"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeJSON(w, apiErr.Kind.HTTPStatus(), map[string]string{"error": apiErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const taskDocumentPath = ".task.json"

// writeWorkspaceFile pushes content into the sandbox's workspace by
// execing a base64-decode-and-redirect shell command: the Sandbox
// interface has no stdin-streaming exec, so this is how WorkerAgent
// places files without one.
func (s *Server) writeWorkspaceFile(ctx context.Context, relPath string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	argv := []string{"sh", "-c", fmt.Sprintf("echo %s | base64 -d > %s", encoded, relPath)}
	result, err := s.cfg.Sandbox.Exec(ctx, argv, execTimeoutDefault)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s failed: %s", relPath, result.Stderr)
	}
	return nil
}

func (s *Server) readWorkspaceFile(ctx context.Context, relPath string) (string, error) {
	result, err := s.cfg.Sandbox.Exec(ctx, []string{"cat", relPath}, execTimeoutDefault)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}
