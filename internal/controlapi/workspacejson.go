package controlapi

import (
	"context"
	"encoding/json"

	"github.com/exla-ai/synv2/internal/apierr"
)

// loadWorkspaceJSON decodes a workspace JSON document via ContainerManager's
// exec-routed file read, so it works identically whether the project's
// sandbox is local or lives behind a remote WorkerAgent.
func (s *Server) loadWorkspaceJSON(ctx context.Context, projectName, relPath string, v any) error {
	raw, err := s.containers.ReadWorkspaceFile(ctx, projectName, relPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "decode "+relPath)
	}
	return nil
}

func (s *Server) saveWorkspaceJSON(ctx context.Context, projectName, relPath string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "encode "+relPath)
	}
	return s.containers.WriteWorkspaceFile(ctx, projectName, relPath, raw)
}
