package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler returns the HTTP handler serving both the downstream WebSocket
// endpoint and the HTTP side-channels, all on one plain mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /send-message", s.handleSendMessage)
	mux.HandleFunc("POST /supervisor/control", s.handleSupervisorControl)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.BearerToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) && strings.TrimPrefix(auth, prefix) == s.cfg.BearerToken {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.BearerToken
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          true,
		"ocConnected": s.upstream.Connected(),
		"agentBusy":   s.isBusy(),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.SendUserMessage(r.Context(), body.Content); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSupervisorControl(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch body.Action {
	case "pause", "resume", "stop", "restart":
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if !s.DispatchSupervisorControl(r.Context(), body.Action) {
		http.Error(w, "no supervisor connected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("ws accept failed", "error", err)
		return
	}

	c := &client{conn: conn, role: RoleUnknown}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		s.broadcastClientChange(context.Background())
	}()

	ctx := r.Context()
	s.sendOnConnect(ctx, c)

	for {
		var frame clientInboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		s.handleClientFrame(ctx, c, frame)
	}
}

func (s *Server) sendOnConnect(ctx context.Context, c *client) {
	s.historyMu.Lock()
	history := s.history.snapshot()
	s.historyMu.Unlock()
	_ = c.send(ctx, HistoryFrame{Type: "history", Events: history})

	_ = c.send(ctx, s.statusFrame())

	s.taskStatusMu.Lock()
	status := s.taskStatus
	s.taskStatusMu.Unlock()
	if status != "" {
		_ = c.send(ctx, TaskStatusFrame{Type: "task_status", Status: status})
	}
}

func (s *Server) handleClientFrame(ctx context.Context, c *client, frame clientInboundFrame) {
	switch frame.Type {
	case "identify":
		switch frame.Role {
		case RoleSupervisor, RoleHuman:
			c.role = frame.Role
		default:
			c.role = RoleUnknown
		}
		s.broadcastClientChange(ctx)
	case "user_message":
		if !s.upstream.Connected() {
			_ = c.send(ctx, map[string]any{"type": "error", "message": "engine not connected yet, please wait"})
			return
		}
		if err := s.upstream.Send(ctx, frame.Content); err != nil {
			_ = c.send(ctx, map[string]any{"type": "error", "message": err.Error()})
		}
	}
}
