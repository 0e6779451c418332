// Package controlapi is the operator-facing HTTP+WS surface (C9): bearer
// authentication backed by Store's hashed-token table, a REST surface over
// projects/secrets/tasks/directives, a project-chat WebSocket relay into
// each project's Gateway, and a periodic fleet-health sweep that reconciles
// stale worker heartbeats. It holds no state of its own beyond what Store,
// SecretBox, and ContainerManager already track.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/exla-ai/synv2/internal/containermanager"
	"github.com/exla-ai/synv2/internal/otelsetup"
	"github.com/exla-ai/synv2/internal/provisioner"
	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
)

// Config configures one ControlAPI server.
type Config struct {
	// OperatorTokenSeed, if set and no operator token exists yet, is hashed
	// and inserted as the first operator token at startup.
	OperatorTokenSeed string

	// FleetHealthSweepCron is a 5-field cron expression for the
	// stale-worker reconciliation sweep. Empty defaults to every 2 minutes.
	FleetHealthSweepCron string

	// HeartbeatStaleAfter is how long a ready worker may go without a
	// heartbeat before the sweep marks it errored.
	HeartbeatStaleAfter time.Duration

	// DefaultRegion/DefaultAvailabilityZone seed worker provisioning when a
	// project create request omits them.
	DefaultRegion           string
	DefaultAvailabilityZone string

	Logger *slog.Logger
}

func (c Config) withFallbacks() Config {
	if c.FleetHealthSweepCron == "" {
		c.FleetHealthSweepCron = "*/2 * * * *"
	}
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = 3 * time.Minute
	}
	return c
}

// Server is the ControlAPI.
type Server struct {
	store       *store.Store
	box         *secretbox.Box
	containers  *containermanager.Manager
	provisioner *provisioner.WorkerProvisioner
	cfg         Config
	logger      *slog.Logger
	otel        *otelsetup.Provider
	metrics     *otelsetup.FleetMetrics
}

// New constructs a ControlAPI server. provisioner may be nil if this
// deployment never provisions dedicated workers (local-only mode).
func New(st *store.Store, box *secretbox.Box, containers *containermanager.Manager, wp *provisioner.WorkerProvisioner, cfg Config, otelProvider *otelsetup.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:       st,
		box:         box,
		containers:  containers,
		provisioner: wp,
		cfg:         cfg.withFallbacks(),
		logger:      logger,
		otel:        otelProvider,
	}
	if otelProvider != nil {
		if metrics, err := otelsetup.NewFleetMetrics(otelProvider.Meter); err == nil {
			s.metrics = metrics
		} else {
			logger.Warn("controlapi: failed to register fleet metrics", "error", err)
		}
	}
	return s
}

// Bootstrap seeds the first operator token from Config.OperatorTokenSeed if
// no token exists yet. Safe to call on every startup; it's a no-op once a
// token has been created, whether by this path or a later rotation.
func (s *Server) Bootstrap(ctx context.Context) error {
	if s.cfg.OperatorTokenSeed == "" {
		return nil
	}
	seeded, err := s.store.HasAnyOperatorToken(ctx)
	if err != nil {
		return err
	}
	if seeded {
		return nil
	}
	return s.store.CreateOperatorToken(ctx, s.cfg.OperatorTokenSeed, "operator")
}

// Handler returns the HTTP handler for the full ControlAPI surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /api/projects", s.authorized(s.handleCreateProject))
	mux.Handle("GET /api/projects", s.authorized(s.handleListProjects))
	mux.Handle("GET /api/projects/{name}", s.authorized(s.handleGetProject))
	mux.Handle("DELETE /api/projects/{name}", s.authorized(s.handleDeleteProject))
	mux.Handle("POST /api/projects/{name}/restart", s.authorized(s.handleRestartProject))
	mux.Handle("POST /api/projects/{name}/resize", s.authorized(s.handleResizeProject))
	mux.Handle("POST /api/projects/{name}/exec", s.authorized(s.handleExecProject))

	mux.Handle("POST /api/projects/{name}/task", s.authorized(s.handleTaskCreate))
	mux.Handle("POST /api/projects/{name}/task/stop", s.authorized(s.handleTaskStop))
	mux.Handle("POST /api/projects/{name}/task/resume", s.authorized(s.handleTaskResume))
	mux.Handle("POST /api/projects/{name}/task/respond", s.authorized(s.handleTaskRespond))

	mux.Handle("POST /api/projects/{name}/secrets", s.authorized(s.handleSecretCreate))
	mux.Handle("GET /api/projects/{name}/secrets", s.authorized(s.handleSecretList))
	mux.Handle("DELETE /api/projects/{name}/secrets/{key}", s.authorized(s.handleSecretDelete))

	mux.Handle("POST /api/projects/{name}/supervisor", s.authorized(s.handleSupervisorForward))
	mux.Handle("GET /api/projects/{name}/memory", s.authorized(s.handleMemory))
	mux.Handle("GET /api/projects/{name}/logs", s.authorized(s.handleLogs))
	mux.Handle("POST /api/projects/{name}/message", s.authorized(s.handleMessage))

	mux.Handle("GET /api/projects/{name}/directives", s.authorized(s.handleDirectiveList))
	mux.Handle("POST /api/projects/{name}/directives", s.authorized(s.handleDirectiveCreate))
	mux.Handle("DELETE /api/projects/{name}/directives/{id}", s.authorized(s.handleDirectiveDelete))

	mux.Handle("POST /api/workers/{project}/heartbeat", http.HandlerFunc(s.handleWorkerHeartbeat))

	mux.HandleFunc("/ws/projects/{name}/chat", s.handleChatRelay)

	return mux
}
