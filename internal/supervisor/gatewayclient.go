package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/exla-ai/synv2/internal/cronutil"
	"github.com/exla-ai/synv2/internal/gateway"
)

// gatewayFrame is the narrow subset of Gateway's outbound frame shapes
// Supervisor needs to recognize, keyed by "type".
type gatewayFrame struct {
	Type string `json:"type"`

	// status
	AgentBusy           bool `json:"agentBusy"`
	HumanCount          int  `json:"humanCount"`
	SupervisorConnected bool `json:"supervisorConnected"`
	OCConnected         bool `json:"ocConnected"`

	// client_change
	Humans int `json:"humans"`

	// history
	Events []gateway.Event `json:"events"`

	// single event frame (broadcast individually, not wrapped)
	gateway.Event

	// task_status
	Status string `json:"status"`

	// supervisor_control
	Action string `json:"action"`
}

// gatewayClient is Supervisor's WS connection to its local Gateway,
// identifying as "supervisor" and treating every status/client_change
// frame as the sole source of truth for presence and engine state.
type gatewayClient struct {
	addr   string
	logger *slog.Logger

	mu                  sync.Mutex
	conn                *websocket.Conn
	ocConnected         bool
	agentBusy           bool
	humanCount          int
	supervisorConnected bool

	onEvent          func(gateway.Event)
	onClientChange   func()
	onTaskStatus     func(status string)
	onControl        func(action string)
}

func newGatewayClient(addr string, logger *slog.Logger) *gatewayClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &gatewayClient{addr: addr, logger: logger}
}

// run dials the Gateway and processes frames until ctx is canceled,
// reconnecting with backoff on disconnect.
func (g *gatewayClient) run(ctx context.Context) {
	backoff := cronutil.NewBackoff(2*time.Second, 30*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := g.connectAndServe(ctx); err != nil {
			g.logger.Warn("supervisor gateway connection dropped", "error", err)
		}
		g.setConnected(false)
		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (g *gatewayClient) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+g.addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "identify", "role": "supervisor"}); err != nil {
		return fmt.Errorf("identify as supervisor: %w", err)
	}

	for {
		var frame gatewayFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read gateway frame: %w", err)
		}
		g.handleFrame(frame)
	}
}

func (g *gatewayClient) handleFrame(frame gatewayFrame) {
	switch frame.Type {
	case "status":
		g.mu.Lock()
		g.agentBusy = frame.AgentBusy
		g.humanCount = frame.HumanCount
		g.supervisorConnected = frame.SupervisorConnected
		g.ocConnected = frame.OCConnected
		g.mu.Unlock()
	case "client_change":
		g.mu.Lock()
		g.humanCount = frame.Humans
		g.supervisorConnected = frame.SupervisorConnected
		g.mu.Unlock()
		if g.onClientChange != nil {
			g.onClientChange()
		}
	case "history":
		for _, e := range frame.Events {
			if g.onEvent != nil {
				g.onEvent(e)
			}
		}
	case "task_status":
		if g.onTaskStatus != nil {
			g.onTaskStatus(frame.Status)
		}
	case "supervisor_control":
		if g.onControl != nil {
			g.onControl(frame.Action)
		}
	case string(gateway.EventTextDelta), string(gateway.EventToolStart), string(gateway.EventToolUse), string(gateway.EventToolResult), string(gateway.EventDone), string(gateway.EventError):
		if g.onEvent != nil {
			ev := frame.Event
			ev.Type = gateway.EventType(frame.Type)
			g.onEvent(ev)
		}
	}
}

func (g *gatewayClient) setConnected(_ bool) {
	g.mu.Lock()
	g.ocConnected = false
	g.mu.Unlock()
}

// Presence reports the live values Gateway last reported.
func (g *gatewayClient) Presence() (ocConnected, agentBusy bool, humanCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ocConnected, g.agentBusy, g.humanCount
}

// Send forwards prompt text upstream via the Gateway's user_message frame.
func (g *gatewayClient) Send(ctx context.Context, content string) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to gateway")
	}
	return wsjson.Write(ctx, conn, map[string]string{"type": "user_message", "content": content})
}
