package controlapi

import (
	"net/http"
	"strconv"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/validate"
)

type supervisorActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleSupervisorForward(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req supervisorActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.SupervisorAction(req.Action); err != nil {
		writeError(w, err)
		return
	}
	if err := s.containers.SupervisorControl(r.Context(), name, req.Action); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "supervisor.control", req.Action, "operator", name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	memory, err := s.containers.ReadMemory(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

const defaultLogLines = 200

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apierr.Validationf("lines must be a positive integer"))
			return
		}
		lines = n
	}
	logs, err := s.containers.ReadLogs(r.Context(), name, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, apierr.Validationf("message is required"))
		return
	}
	if err := s.containers.SendMessage(r.Context(), name, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
