package controlapi

import (
	"net/http"

	"github.com/exla-ai/synv2/internal/audit"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"deny_count": audit.DenyCount(),
	})
}
