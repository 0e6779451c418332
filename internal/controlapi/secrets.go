package controlapi

import (
	"net/http"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/provisioner"
	"github.com/exla-ai/synv2/internal/validate"
)

type createSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleSecretCreate rejects the reserved worker-token key outright:
// that slot is written only by ContainerManager/WorkerProvisioner after a
// successful provision, never by an operator request.
func (s *Server) handleSecretCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req createSecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.SecretKey(req.Key); err != nil {
		writeError(w, err)
		return
	}
	if req.Key == provisioner.WorkerTokenSecretKey {
		audit.Record(audit.DecisionDeny, "secret.create", "reserved key", "operator", name)
		writeError(w, apierr.Validationf("%q is a reserved secret key", req.Key))
		return
	}
	if req.Value == "" {
		writeError(w, apierr.Validationf("value is required"))
		return
	}

	ciphertext, err := s.box.Seal([]byte(req.Value))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpsertSecret(r.Context(), name, req.Key, ciphertext); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "secret.create", "", "operator", name+"/"+req.Key)
	writeJSON(w, http.StatusCreated, map[string]any{"key": req.Key})
}

// handleSecretList returns keys only, never ciphertext or plaintext, and
// hides the worker-token slot from the operator-visible list.
func (s *Server) handleSecretList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	keys, err := s.store.ListSecretKeys(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	visible := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == provisioner.WorkerTokenSecretKey {
			continue
		}
		visible = append(visible, k)
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleSecretDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	key := r.PathValue("key")
	if key == provisioner.WorkerTokenSecretKey {
		audit.Record(audit.DecisionDeny, "secret.delete", "reserved key", "operator", name)
		writeError(w, apierr.Validationf("%q is a reserved secret key and cannot be deleted directly", key))
		return
	}
	if err := s.store.DeleteSecret(r.Context(), name, key); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "secret.delete", "", "operator", name+"/"+key)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
