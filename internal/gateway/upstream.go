package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// sessionKeyFor builds the single fixed session key used for the lifetime
// of a project: every message sent on it lands in the same conversational
// session, which is how context is shared across all downstream clients.
func sessionKeyFor(prefix, project string) string {
	return fmt.Sprintf("main:webchat:%s-%s", prefix, project)
}

// upstreamFrame is the narrow wire shape the engine speaks; only the
// handful of message kinds the gateway needs to recognize are modeled.
type upstreamFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Text      string          `json:"text,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      int             `json:"code,omitempty"`

	// connect.challenge / connect handshake fields.
	ClientID        string `json:"client_id,omitempty"`
	ProtocolMin     int    `json:"protocol_min,omitempty"`
	ProtocolMax     int    `json:"protocol_max,omitempty"`
	Role            string `json:"role,omitempty"`
	Password        string `json:"password,omitempty"`
	Token           string `json:"token,omitempty"`
	IdempotencyNonce string `json:"idempotency_nonce,omitempty"`
}

// upstreamSession owns the single persistent WebSocket to the local LLM
// engine. Reconnects happen with exponential backoff; the attempt counter
// resets only on a completed handshake, not on mere socket-open.
type upstreamSession struct {
	endpoint  string
	sessionKey string
	auth      EngineAuth

	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool // handshake completed, not just socket-open

	onEvent func(Event)
	onBusyChange func(bool)
}

// EngineAuth carries the identity material the connect handshake sends.
// Password is preferred; token is accepted as a fallback.
type EngineAuth struct {
	ClientID string
	Password string
	Token    string
}

func newUpstreamSession(endpoint, sessionKey string, auth EngineAuth, logger *slog.Logger, onEvent func(Event), onBusyChange func(bool)) *upstreamSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &upstreamSession{
		endpoint:     endpoint,
		sessionKey:   sessionKey,
		auth:         auth,
		logger:       logger,
		onEvent:      onEvent,
		onBusyChange: onBusyChange,
	}
}

// run drives the connect/reconnect loop until ctx is canceled. Exactly one
// upstream session exists per Gateway process: run must only be called once.
func (u *upstreamSession) run(ctx context.Context) {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		handshakeOK, err := u.connectAndServe(ctx)
		if err != nil {
			u.logger.Warn("upstream session disconnected", "error", err, "retry_in", backoff)
		}
		u.setConnected(false)
		if handshakeOK {
			backoff = 2 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !handshakeOK {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// connectAndServe dials the engine, completes the connect handshake, and
// serves frames until the connection drops or ctx is canceled. handshakeOK
// reports whether connect.ok was reached, so run can reset its backoff even
// though the session later failed while serving frames.
func (u *upstreamSession) connectAndServe(ctx context.Context) (handshakeOK bool, err error) {
	conn, _, err := websocket.Dial(ctx, u.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial upstream engine: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "gateway shutting down")

	var challenge upstreamFrame
	if err := wsjson.Read(ctx, conn, &challenge); err != nil {
		return false, fmt.Errorf("read connect.challenge: %w", err)
	}
	if challenge.Type != "connect.challenge" {
		return false, fmt.Errorf("expected connect.challenge, got %q", challenge.Type)
	}

	connectReq := upstreamFrame{
		Type:        "connect",
		ClientID:    u.auth.ClientID,
		ProtocolMin: 1,
		ProtocolMax: 1,
		Role:        "operator",
		Password:    u.auth.Password,
		Token:       u.auth.Token,
	}
	if err := wsjson.Write(ctx, conn, connectReq); err != nil {
		return false, fmt.Errorf("write connect: %w", err)
	}

	var ack upstreamFrame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return false, fmt.Errorf("read connect ack: %w", err)
	}
	if ack.Type != "connect.ok" {
		return false, fmt.Errorf("engine rejected connect: %s", ack.Message)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	u.setConnected(true)

	for {
		var frame upstreamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return true, fmt.Errorf("read upstream frame: %w", err)
		}
		u.handleFrame(frame)
	}
}

func (u *upstreamSession) handleFrame(frame upstreamFrame) {
	switch frame.Type {
	case "text_delta":
		u.emit(Event{Type: EventTextDelta, Text: frame.Text})
	case "agent_tool":
		switch frame.Phase {
		case "start":
			u.emit(Event{Type: EventToolStart, Tool: frame.Tool})
		case "result":
			u.emit(Event{Type: EventToolUse, Tool: frame.Tool, Input: string(frame.Input)})
			u.emit(Event{Type: EventToolResult, Tool: frame.Tool, Output: frame.Output})
		}
	case "final", "done":
		u.emit(Event{Type: EventDone})
		u.setBusy(false)
	case "error":
		u.emit(Event{Type: EventError, Message: frame.Message, Code: frame.Code})
		u.setBusy(false)
	case "aborted":
		u.setBusy(false)
	}
}

func (u *upstreamSession) emit(e Event) {
	if u.onEvent != nil {
		u.onEvent(e)
	}
}

func (u *upstreamSession) setBusy(busy bool) {
	if u.onBusyChange != nil {
		u.onBusyChange(busy)
	}
}

func (u *upstreamSession) setConnected(connected bool) {
	u.mu.Lock()
	u.connected = connected
	u.mu.Unlock()
}

// Connected reports whether the handshake has completed (ocConnected).
func (u *upstreamSession) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

// Send forwards a user message on the fixed session key, with a fresh
// idempotency nonce. Returns an error if no connection is established.
func (u *upstreamSession) Send(ctx context.Context, content string) error {
	u.mu.Lock()
	conn := u.conn
	connected := u.connected
	u.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("upstream engine not connected")
	}

	frame := upstreamFrame{
		Type:             "chat.send",
		SessionID:        u.sessionKey,
		Text:             content,
		IdempotencyNonce: uuid.NewString(),
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	u.setBusy(true)
	return nil
}
