// Package workeragent implements the per-instance HTTP+WS server that owns
// one Sandbox and bridges the control plane to the in-sandbox Gateway: it
// authenticates every request with its worker_token, proxies container
// lifecycle and task operations into the sandbox, and heartbeats the
// control plane at a fixed cadence.
package workeragent

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"github.com/exla-ai/synv2/internal/sandbox"
)

// Config configures one WorkerAgent instance.
type Config struct {
	ListenAddr       string
	WorkerToken      string // plaintext; verified constant-time against incoming requests
	ControlPlaneURL  string
	ProjectName      string
	WorkerID         string
	GatewayAddr      string // sandbox-internal address:port the in-sandbox gateway listens on
	HostCPUs         float64
	HostMemoryMB     int64
	Sandbox          sandbox.Sandbox
	Logger           *slog.Logger
}

// Server is the WorkerAgent.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	containerRunning bool
	env              map[string]string
}

// New constructs a WorkerAgent server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the HTTP handler for all WorkerAgent endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /container/create", s.authorized(s.handleContainerCreate))
	mux.Handle("POST /container/restart", s.authorized(s.handleContainerRestart))
	mux.Handle("POST /container/destroy", s.authorized(s.handleContainerDestroy))
	mux.Handle("POST /exec", s.authorized(s.handleExec))
	mux.Handle("POST /task", s.authorized(s.handleTaskWrite))
	mux.Handle("GET /memory", s.authorized(s.handleMemory))
	mux.Handle("GET /logs", s.authorized(s.handleLogs))
	mux.Handle("POST /supervisor/control", s.authorized(s.handleSupervisorControl))
	mux.Handle("POST /message", s.authorized(s.handleMessage))
	mux.Handle("GET /gateway", s.authorized(s.handleGatewayRelay))
	return mux
}

// authorized wraps a handler with constant-time worker_token verification.
func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := bearerToken(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.WorkerToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) setContainerRunning(running bool, env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerRunning = running
	if running {
		s.env = env
	} else {
		s.env = nil
	}
}

func (s *Server) isContainerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerRunning
}

// Close releases the underlying sandbox resources; used on process shutdown.
func (s *Server) Close(ctx context.Context) error {
	if closer, ok := s.cfg.Sandbox.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
