package controlapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/exla-ai/synv2/internal/apierr"
	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/task"
	"github.com/exla-ai/synv2/internal/validate"
)

type createTaskRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        task.Type    `json:"type"`
	Goal        task.Goal    `json:"goal"`
	Limits      *task.Limits `json:"limits,omitempty"`
}

// handleTaskCreate validates the raw body against the JSON Schema before
// decoding it, per spec: strict schema validation on every mutating
// endpoint, not just Go-struct-tag-level checks.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Validationf("read request body: %v", err))
		return
	}
	if err := validate.TaskCreateBody(raw); err != nil {
		writeError(w, err)
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.Validationf("invalid request body: %v", err))
		return
	}

	limits := task.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
		if limits.MaxIdleTurns == 0 {
			limits.MaxIdleTurns = task.DefaultLimits().MaxIdleTurns
		}
	}

	t := task.Task{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Goal:        req.Goal,
		Limits:      limits,
		Status:      task.StatusRunning,
		StartedAt:   time.Now(),
		Questions:   []task.Question{},
	}

	if err := s.saveTask(r.Context(), name, &t); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "task.create", "", "operator", name)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) loadTask(ctx context.Context, name string) (*task.Task, error) {
	var t task.Task
	if err := s.loadWorkspaceJSON(ctx, name, ".task.json", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// saveTask always goes through ContainerManager.WriteTask rather than the
// generic workspace-file helper: remote mode routes task writes to
// WorkerAgent's dedicated endpoint instead of an exec-based file write.
func (s *Server) saveTask(ctx context.Context, name string, t *task.Task) error {
	body, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "encode task document")
	}
	return s.containers.WriteTask(ctx, name, body)
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, err := s.loadTask(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	t.Status = task.StatusStopped
	if err := s.saveTask(r.Context(), name, t); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "task.stop", "", "operator", name)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, err := s.loadTask(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	t.Status = task.StatusRunning
	if err := s.saveTask(r.Context(), name, t); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "task.resume", "", "operator", name)
	writeJSON(w, http.StatusOK, t)
}

type respondRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// handleTaskRespond answers a pending question and, if that was the task's
// last pending blocking question, resumes a task that had been stopped
// waiting on it.
func (s *Server) handleTaskRespond(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req respondRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.QuestionID == "" || req.Answer == "" {
		writeError(w, apierr.Validationf("question_id and answer are required"))
		return
	}

	t, err := s.loadTask(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	found := false
	now := time.Now()
	for i := range t.Questions {
		if t.Questions[i].ID == req.QuestionID {
			t.Questions[i].Answer = req.Answer
			t.Questions[i].AnsweredAt = &now
			found = true
			break
		}
	}
	if !found {
		writeError(w, apierr.NotFoundf("question %q not found", req.QuestionID))
		return
	}
	if t.Status == task.StatusStopped && len(t.PendingBlockingQuestions()) == 0 {
		t.Status = task.StatusRunning
	}

	if err := s.saveTask(r.Context(), name, t); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(audit.DecisionAllow, "task.respond", "", "operator", name)
	writeJSON(w, http.StatusOK, t)
}
