package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectCreating      ProjectStatus = "creating"
	ProjectProvisioning  ProjectStatus = "provisioning"
	ProjectBootstrapping ProjectStatus = "bootstrapping"
	ProjectRunning       ProjectStatus = "running"
	ProjectStopped       ProjectStatus = "stopped"
	ProjectResizing      ProjectStatus = "resizing"
	ProjectError         ProjectStatus = "error"
	ProjectTerminated    ProjectStatus = "terminated"
)

// Project is a row in the projects table. LLMCredentialCiphertext and
// ExtraEnvCiphertext hold secretbox-sealed values; Store never decrypts
// them itself.
type Project struct {
	Name                    string        `json:"name"`
	Status                  ProjectStatus `json:"status"`
	LLMCredentialCiphertext string        `json:"-"`
	ExtraEnvCiphertext      string        `json:"-"`
	MCPServers              []string      `json:"mcp_servers"`
	InstanceType            string        `json:"instance_type,omitempty"`
	WorkerID                string        `json:"worker_id,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// CreateProject inserts a new project row. Fails with ConflictError if the
// name already exists.
func (s *Store) CreateProject(ctx context.Context, name string, llmCredentialCiphertext, extraEnvCiphertext string, mcpServers []string) (*Project, error) {
	if mcpServers == nil {
		mcpServers = []string{}
	}
	mcpJSON, err := json.Marshal(mcpServers)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "encoding mcp servers")
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (name, status, llm_credential_ciphertext, extra_env_ciphertext, mcp_servers_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, name, ProjectCreating, llmCredentialCiphertext, extraEnvCiphertext, string(mcpJSON))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.Conflictf("project %q already exists", name)
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "insert project")
	}
	return s.GetProject(ctx, name)
}

// GetProject fetches a project by name. Returns NotFoundError if absent.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, llm_credential_ciphertext, extra_env_ciphertext, mcp_servers_json,
			COALESCE(instance_type, ''), COALESCE(worker_id, ''), created_at, updated_at
		FROM projects WHERE name = ?;
	`, name)
	return scanProject(row)
}

// ListProjects returns every project, ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, llm_credential_ciphertext, extra_env_ciphertext, mcp_servers_json,
			COALESCE(instance_type, ''), COALESCE(worker_id, ''), created_at, updated_at
		FROM projects ORDER BY name ASC;
	`)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "list projects")
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectStatus sets the project's status and refreshes updated_at.
func (s *Store) UpdateProjectStatus(ctx context.Context, name string, status ProjectStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
	`, status, name)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "update project status")
	}
	return requireOneRowAffected(res, "project %q not found", name)
}

// AttachWorker records which worker currently owns a project.
func (s *Store) AttachWorker(ctx context.Context, projectName, workerID, instanceType string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET worker_id = ?, instance_type = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
	`, workerID, instanceType, projectName)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "attach worker to project")
	}
	return requireOneRowAffected(res, "project %q not found", projectName)
}

// DetachWorker clears a project's worker pointer, e.g. after termination.
func (s *Store) DetachWorker(ctx context.Context, projectName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET worker_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
	`, projectName)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "detach worker from project")
	}
	return requireOneRowAffected(res, "project %q not found", projectName)
}

// DeleteProject removes a project and, via ON DELETE CASCADE, its secrets
// and worker row.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?;`, name)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "delete project")
	}
	return requireOneRowAffected(res, "project %q not found", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var mcpJSON string
	if err := row.Scan(&p.Name, &p.Status, &p.LLMCredentialCiphertext, &p.ExtraEnvCiphertext, &mcpJSON,
		&p.InstanceType, &p.WorkerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFoundf("project not found")
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "scan project")
	}
	if err := json.Unmarshal([]byte(mcpJSON), &p.MCPServers); err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "decode mcp servers")
	}
	return &p, nil
}

func requireOneRowAffected(res sql.Result, notFoundFormat string, args ...any) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "rows affected")
	}
	if affected == 0 {
		return apierr.NotFoundf(notFoundFormat, args...)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
