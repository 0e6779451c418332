package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/provisioner"
	"github.com/exla-ai/synv2/internal/store"
	"github.com/exla-ai/synv2/internal/task"
	"github.com/exla-ai/synv2/internal/validate"
)

const (
	workerReadyTimeout      = 10 * time.Minute
	workerReadyPollInterval = 5 * time.Second
)

// projectView is a Project row with its status overlaid by live worker
// state, per spec §8 testable property 7: any project with a dedicated
// worker reports the worker's status whenever it isn't ready.
type projectView struct {
	Name         string              `json:"name"`
	Status       store.ProjectStatus `json:"status"`
	MCPServers   []string            `json:"mcp_servers"`
	InstanceType string              `json:"instance_type,omitempty"`
	WorkerID     string              `json:"worker_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	WorkerStatus store.WorkerStatus  `json:"worker_status,omitempty"`
}

func (s *Server) projectViewFor(ctx context.Context, p *store.Project) projectView {
	v := projectView{
		Name:         p.Name,
		Status:       p.Status,
		MCPServers:   p.MCPServers,
		InstanceType: p.InstanceType,
		WorkerID:     p.WorkerID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	worker, err := s.store.GetWorkerByProject(ctx, p.Name)
	if err != nil {
		return v
	}
	v.WorkerStatus = worker.Status
	if worker.Status != store.WorkerReady {
		v.Status = projectStatusFromWorker(worker.Status)
	}
	return v
}

func projectStatusFromWorker(ws store.WorkerStatus) store.ProjectStatus {
	switch ws {
	case store.WorkerProvisioning, store.WorkerBootstrapping:
		return store.ProjectProvisioning
	case store.WorkerStopping:
		return store.ProjectResizing
	case store.WorkerError:
		return store.ProjectError
	case store.WorkerTerminated:
		return store.ProjectTerminated
	default:
		return store.ProjectRunning
	}
}

type createProjectRequest struct {
	Name             string            `json:"name"`
	LLMAPIKey        string            `json:"llm_api_key"`
	MCPServers       []string          `json:"mcp_servers,omitempty"`
	ExtraEnv         map[string]string `json:"extra_env,omitempty"`
	InstanceType     string            `json:"instance_type,omitempty"`
	Region           string            `json:"region,omitempty"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
}

// handleCreateProject responds 201 as soon as the project row (and, in
// worker mode, the worker row) exists; sandbox creation itself always
// continues in the background, since even local-mode creation can take up
// to the 120s gateway-health budget.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.ProjectName(req.Name); err != nil {
		writeError(w, err)
		return
	}
	if req.LLMAPIKey == "" {
		writeError(w, apierr.Validationf("llm_api_key is required"))
		return
	}

	llmCt, err := s.box.Seal([]byte(req.LLMAPIKey))
	if err != nil {
		writeError(w, err)
		return
	}

	extraCt := ""
	if len(req.ExtraEnv) > 0 {
		raw, err := json.Marshal(req.ExtraEnv)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, err, "encode extra_env"))
			return
		}
		extraCt, err = s.box.Seal(raw)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	project, err := s.store.CreateProject(r.Context(), req.Name, llmCt, extraCt, req.MCPServers)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.InstanceType != "" {
		if s.provisioner == nil {
			writeError(w, apierr.New(apierr.KindValidation, "worker provisioning not configured on this control plane"))
			return
		}
		region := req.Region
		if region == "" {
			region = s.cfg.DefaultRegion
		}
		az := req.AvailabilityZone
		if az == "" {
			az = s.cfg.DefaultAvailabilityZone
		}

		worker, token, err := s.provisioner.Provision(r.Context(), project.Name, req.InstanceType, region, az)
		if err != nil {
			_ = s.store.UpdateProjectStatus(r.Context(), project.Name, store.ProjectError)
			writeError(w, err)
			return
		}
		tokenCt, err := s.box.Seal([]byte(token))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.UpsertSecret(r.Context(), project.Name, provisioner.WorkerTokenSecretKey, tokenCt); err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.AttachWorker(r.Context(), project.Name, worker.InstanceID, req.InstanceType); err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.UpdateProjectStatus(r.Context(), project.Name, store.ProjectProvisioning); err != nil {
			writeError(w, err)
			return
		}
		go s.awaitWorkerThenCreateSandbox(context.Background(), project.Name)
	} else {
		if err := s.store.UpdateProjectStatus(r.Context(), project.Name, store.ProjectProvisioning); err != nil {
			writeError(w, err)
			return
		}
		go s.createSandboxBestEffort(context.Background(), project.Name)
	}

	audit.Record(audit.DecisionAllow, "project.create", "", "operator", project.Name)

	project, err = s.store.GetProject(r.Context(), project.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.projectViewFor(r.Context(), project))
}

// awaitWorkerThenCreateSandbox polls until a project's worker leaves
// provisioning, then creates the sandbox — ContainerManager's routing rule
// only treats a worker as remote once it reports ready, so sandbox
// creation must wait for that transition rather than racing it.
func (s *Server) awaitWorkerThenCreateSandbox(ctx context.Context, projectName string) {
	ctx, cancel := context.WithTimeout(ctx, workerReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(workerReadyPollInterval)
	defer ticker.Stop()
	for {
		worker, err := s.store.GetWorkerByProject(ctx, projectName)
		if err == nil {
			switch worker.Status {
			case store.WorkerReady:
				s.createSandboxBestEffort(context.Background(), projectName)
				return
			case store.WorkerError:
				_ = s.store.UpdateProjectStatus(context.Background(), projectName, store.ProjectError)
				return
			}
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("timed out waiting for worker readiness", "project", projectName)
			_ = s.store.UpdateProjectStatus(context.Background(), projectName, store.ProjectError)
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) createSandboxBestEffort(ctx context.Context, projectName string) {
	project, err := s.store.GetProject(ctx, projectName)
	if err != nil {
		s.logger.Warn("create sandbox: project vanished before sandbox creation", "project", projectName, "error", err)
		return
	}
	if err := s.containers.CreateSandbox(ctx, project); err != nil {
		s.logger.Warn("create sandbox failed", "project", projectName, "error", err)
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, s.projectViewFor(r.Context(), p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	project, err := s.store.GetProject(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"project": s.projectViewFor(r.Context(), project)}
	if worker, err := s.store.GetWorkerByProject(r.Context(), name); err == nil {
		resp["worker"] = worker
	}
	if raw, err := s.containers.ReadWorkspaceFile(r.Context(), name, ".task.json"); err == nil {
		var t task.Task
		if json.Unmarshal([]byte(raw), &t) == nil {
			resp["task"] = t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.store.GetProject(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	if err := s.containers.DestroySandbox(r.Context(), name, true); err != nil {
		s.logger.Warn("destroy sandbox during project delete failed", "project", name, "error", err)
	}
	if worker, err := s.store.GetWorkerByProject(r.Context(), name); err == nil && s.provisioner != nil {
		if err := s.provisioner.Terminate(r.Context(), worker.InstanceID); err != nil {
			s.logger.Warn("terminate worker during project delete failed", "project", name, "error", err)
		}
	}
	if err := s.store.DeleteProject(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "project.delete", "", "operator", name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRestartProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	project, err := s.store.GetProject(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.containers.RestartSandbox(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type resizeRequest struct {
	InstanceType string `json:"instance_type"`
}

// handleResizeProject accepts immediately and performs the stop-modify-
// start-recreate cycle in the background: WorkerProvisioner.Resize alone
// can block for minutes waiting on instance state transitions.
func (s *Server) handleResizeProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.InstanceType == "" {
		writeError(w, apierr.Validationf("instance_type is required"))
		return
	}
	if s.provisioner == nil {
		writeError(w, apierr.New(apierr.KindValidation, "worker provisioning not configured on this control plane"))
		return
	}
	worker, err := s.store.GetWorkerByProject(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateProjectStatus(r.Context(), name, store.ProjectResizing); err != nil {
		writeError(w, err)
		return
	}
	go s.resizeAndRecreate(context.Background(), name, worker.InstanceID, req.InstanceType)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": "resizing"})
}

func (s *Server) resizeAndRecreate(ctx context.Context, projectName, instanceID, newType string) {
	if err := s.provisioner.Resize(ctx, instanceID, newType); err != nil {
		s.logger.Warn("resize failed", "project", projectName, "error", err)
		_ = s.store.UpdateProjectStatus(ctx, projectName, store.ProjectError)
		return
	}
	if err := s.store.AttachWorker(ctx, projectName, instanceID, newType); err != nil {
		s.logger.Warn("attach resized worker failed", "project", projectName, "error", err)
	}
	project, err := s.store.GetProject(ctx, projectName)
	if err != nil {
		s.logger.Warn("recreate sandbox after resize: project vanished", "project", projectName, "error", err)
		return
	}
	if err := s.containers.RestartSandbox(ctx, project); err != nil {
		s.logger.Warn("recreate sandbox after resize failed", "project", projectName, "error", err)
	}
}

type execRequest struct {
	Cmd []string `json:"cmd"`
}

func (s *Server) handleExecProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Cmd) == 0 {
		writeError(w, apierr.Validationf("cmd must be a non-empty array"))
		return
	}
	result, err := s.containers.Exec(r.Context(), name, req.Cmd, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
