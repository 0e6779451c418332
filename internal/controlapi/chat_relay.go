package controlapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// closeReasonMaxBytes is the wire limit a WebSocket close frame's reason
// may carry.
const closeReasonMaxBytes = 123

// handleChatRelay upgrades an operator connection and relays frames
// bidirectionally with the project's Gateway, reached through
// ContainerManager so the same code path works whether the sandbox is
// local or sits behind a remote WorkerAgent. Authentication is via the
// token query parameter since browsers cannot set an Authorization header
// on a WebSocket upgrade request.
func (s *Server) handleChatRelay(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.wsToken(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, unauthorizedErr)
		return
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("chat relay accept failed", "project", name, "error", err)
		return
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	upstream, err := s.containers.DialGateway(r.Context(), name)
	if err != nil {
		client.Close(websocket.StatusInternalError, truncateReason(err.Error()))
		return
	}
	defer upstream.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go relayUpstreamToClient(ctx, cancel, upstream, client)
	relayClientToUpstream(ctx, cancel, client, upstream)
}

// relayClientToUpstream passes client frames and close codes through to
// the gateway unmodified: the spec's close-code translation rule only
// applies in the upstream-to-client direction.
func relayClientToUpstream(ctx context.Context, cancel context.CancelFunc, client, upstream *websocket.Conn) {
	defer cancel()
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				_ = upstream.Close(code, truncateReason(closeReasonFromErr(err)))
			}
			return
		}
		if err := upstream.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

// relayUpstreamToClient translates the Gateway's close code before closing
// the client side: 1000 and the 3000-4999 application range pass through
// verbatim, anything else (including a non-close read error, where
// CloseStatus reports -1) becomes 1011.
func relayUpstreamToClient(ctx context.Context, cancel context.CancelFunc, upstream, client *websocket.Conn) {
	defer cancel()
	for {
		typ, data, err := upstream.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				_ = client.Close(websocket.StatusInternalError, truncateReason(err.Error()))
				return
			}
			_ = client.Close(translateCloseCode(code), truncateReason(closeReasonFromErr(err)))
			return
		}
		if err := client.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

func translateCloseCode(code websocket.StatusCode) websocket.StatusCode {
	if code == websocket.StatusNormalClosure || (code >= 3000 && code <= 4999) {
		return code
	}
	return websocket.StatusNormalClosure
}

func closeReasonFromErr(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}

func truncateReason(reason string) string {
	if len(reason) <= closeReasonMaxBytes {
		return reason
	}
	return reason[:closeReasonMaxBytes]
}
