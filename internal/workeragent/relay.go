package workeragent

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// handleGatewayRelay upgrades the incoming request and relays frames
// bidirectionally between the caller and the in-sandbox gateway's own WS
// endpoint, so a remote ControlAPI client can reach the Gateway through
// WorkerAgent without a direct network path into the sandbox.
func (s *Server) handleGatewayRelay(w http.ResponseWriter, r *http.Request) {
	downstream, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("gateway relay accept failed", "error", err)
		return
	}
	defer downstream.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	upstream, _, err := websocket.Dial(ctx, "ws://"+s.cfg.GatewayAddr+"/ws", nil)
	if err != nil {
		downstream.Close(websocket.StatusInternalError, "gateway unreachable")
		return
	}
	defer upstream.Close(websocket.StatusNormalClosure, "")

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go relayFrames(relayCtx, cancel, downstream, upstream)
	relayFrames(relayCtx, cancel, upstream, downstream)
}

func relayFrames(ctx context.Context, cancel context.CancelFunc, from, to *websocket.Conn) {
	defer cancel()
	for {
		typ, data, err := from.Read(ctx)
		if err != nil {
			return
		}
		if err := to.Write(ctx, typ, data); err != nil {
			return
		}
	}
}
