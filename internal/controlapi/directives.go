package controlapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/task"
)

const directivesFile = ".operator-directives.json"

// loadDirectives mirrors task.LoadDirectives' empty-if-absent semantics,
// but through ContainerManager so a remote-worker workspace is reachable.
func (s *Server) loadDirectives(r *http.Request, name string) ([]task.Directive, error) {
	var directives []task.Directive
	err := s.loadWorkspaceJSON(r.Context(), name, directivesFile, &directives)
	if err != nil {
		if apierr.Is(err, apierr.KindNotFound) {
			return []task.Directive{}, nil
		}
		return nil, err
	}
	return directives, nil
}

func (s *Server) handleDirectiveList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	directives, err := s.loadDirectives(r, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, directives)
}

type createDirectiveRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleDirectiveCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req createDirectiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, apierr.Validationf("text is required"))
		return
	}

	directives, err := s.loadDirectives(r, name)
	if err != nil {
		writeError(w, err)
		return
	}

	d := task.Directive{
		ID:        uuid.NewString(),
		Text:      req.Text,
		CreatedAt: time.Now(),
		CreatedBy: "operator",
	}
	directives = append(directives, d)
	if err := s.saveWorkspaceJSON(r.Context(), name, directivesFile, directives); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "directive.create", "", "operator", name)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDirectiveDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.PathValue("id")

	directives, err := s.loadDirectives(r, name)
	if err != nil {
		writeError(w, err)
		return
	}

	out := directives[:0]
	found := false
	for _, d := range directives {
		if d.ID == id {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		writeError(w, apierr.NotFoundf("directive %q not found", id))
		return
	}
	if err := s.saveWorkspaceJSON(r.Context(), name, directivesFile, out); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "directive.delete", "", "operator", name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
