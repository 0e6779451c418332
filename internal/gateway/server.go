package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Config configures one Gateway instance, bound to a single sandbox.
type Config struct {
	// ListenAddr is the local address the gateway's HTTP/WS endpoints bind to.
	ListenAddr string

	// UpstreamEndpoint is the local LLM engine's WebSocket URL.
	UpstreamEndpoint string

	// SessionKeyPrefix and ProjectName compose the fixed upstream session key.
	SessionKeyPrefix string
	ProjectName      string

	// BearerToken authorizes downstream HTTP and WS clients.
	BearerToken string

	EngineAuth EngineAuth

	Logger *slog.Logger
}

// Server is the Gateway: one upstream engine session fanned out to any
// number of downstream WebSocket clients, plus HTTP side-channels for
// health checks, one-shot message sends, and supervisor control.
type Server struct {
	cfg    Config
	logger *slog.Logger

	upstream *upstreamSession

	historyMu sync.Mutex
	history   historyRing

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	taskStatusMu sync.Mutex
	taskStatus   string // empty until known

	busyMu sync.Mutex
	busy   bool
}

// client is one downstream WebSocket connection: a human browser tab or
// the in-container Supervisor process.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	role Role
}

func (c *client) send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// New constructs a Gateway server. Start must be called to begin serving.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	sessionKey := sessionKeyFor(cfg.SessionKeyPrefix, cfg.ProjectName)
	s.upstream = newUpstreamSession(cfg.UpstreamEndpoint, sessionKey, cfg.EngineAuth, logger, s.onUpstreamEvent, s.onBusyChange)
	return s
}

// Start runs the upstream session loop until ctx is canceled. Call this in
// its own goroutine; it blocks.
func (s *Server) Start(ctx context.Context) {
	s.upstream.run(ctx)
}

func (s *Server) onUpstreamEvent(e Event) {
	s.historyMu.Lock()
	s.history.append(e)
	s.historyMu.Unlock()

	s.broadcast(context.Background(), e)
}

func (s *Server) onBusyChange(busy bool) {
	s.busyMu.Lock()
	s.busy = busy
	s.busyMu.Unlock()
	s.broadcastStatus(context.Background())
}

// SetTaskStatus updates the status relayed to newly connecting and already
// connected clients. Called by the in-process Supervisor/task-enforcement
// code when the task document changes status.
func (s *Server) SetTaskStatus(status string) {
	s.taskStatusMu.Lock()
	s.taskStatus = status
	s.taskStatusMu.Unlock()
	s.broadcastTaskStatus(context.Background())
}

func (s *Server) isBusy() bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy
}

func (s *Server) statusFrame() StatusFrame {
	supervisorConnected, humanCount := s.presence()
	return StatusFrame{
		Type:                "status",
		AgentBusy:           s.isBusy(),
		HumanCount:          humanCount,
		SupervisorConnected: supervisorConnected,
		OCConnected:         s.upstream.Connected(),
	}
}

// presence reports whether a supervisor client is connected and how many
// human clients are connected.
func (s *Server) presence() (supervisorConnected bool, humanCount int) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		switch c.role {
		case RoleSupervisor:
			supervisorConnected = true
		case RoleHuman:
			humanCount++
		}
	}
	return supervisorConnected, humanCount
}

func (s *Server) broadcast(ctx context.Context, e Event) {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.send(ctx, e); err != nil {
			s.logger.Debug("dropping unresponsive client", "error", err)
		}
	}
}

func (s *Server) broadcastStatus(ctx context.Context) {
	frame := s.statusFrame()
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range targets {
		_ = c.send(ctx, frame)
	}
}

func (s *Server) broadcastTaskStatus(ctx context.Context) {
	s.taskStatusMu.Lock()
	status := s.taskStatus
	s.taskStatusMu.Unlock()
	if status == "" {
		return
	}
	frame := TaskStatusFrame{Type: "task_status", Status: status}
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range targets {
		_ = c.send(ctx, frame)
	}
}

func (s *Server) broadcastClientChange(ctx context.Context) {
	supervisorConnected, humanCount := s.presence()
	frame := ClientChangeFrame{Type: "client_change", Humans: humanCount, SupervisorConnected: supervisorConnected}
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range targets {
		_ = c.send(ctx, frame)
	}
}

// SendUserMessage forwards operator-authored text upstream. Returns an
// error if the upstream session has not completed its handshake yet.
func (s *Server) SendUserMessage(ctx context.Context, content string) error {
	return s.upstream.Send(ctx, content)
}

// DispatchSupervisorControl forwards a pause/resume/stop/restart action to
// whichever downstream client identified itself as the supervisor.
func (s *Server) DispatchSupervisorControl(ctx context.Context, action string) bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if c.role == RoleSupervisor {
			_ = c.send(ctx, SupervisorControlFrame{Type: "supervisor_control", Action: action})
			return true
		}
	}
	return false
}

const writeTimeout = 5 * time.Second
