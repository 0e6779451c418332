package controlapi

import (
	"net/http"

	"github.com/exla-ai/synv2/internal/apierr"
)

type heartbeatRequest struct {
	WorkerID         string `json:"worker_id"`
	ContainerRunning bool   `json:"container_running"`
}

// handleWorkerHeartbeat authenticates against the worker's own bearer
// token (hashed in the workers table), not an operator token: this route
// carries WorkerAgent-to-control-plane traffic, never operator traffic.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	projectName := r.PathValue("project")
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		writeError(w, apierr.Validationf("worker_id is required"))
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, unauthorizedErr)
		return
	}
	ok, err := s.store.VerifyWorkerToken(r.Context(), req.WorkerID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, unauthorizedErr)
		return
	}

	worker, err := s.store.GetWorker(r.Context(), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if worker.ProjectName != projectName {
		writeError(w, unauthorizedErr)
		return
	}

	if err := s.store.RecordHeartbeat(r.Context(), req.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
