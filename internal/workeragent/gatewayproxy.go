package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const gatewayHealthTimeout = 5 * time.Second

// gatewayHealth probes the in-sandbox gateway's own /health endpoint.
func (s *Server) gatewayHealth(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, gatewayHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.cfg.GatewayAddr+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// waitGatewayReady polls the in-sandbox gateway health endpoint every 2s
// until it reports ok or ctx expires.
func (s *Server) waitGatewayReady(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := s.gatewayHealth(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// postToGateway relays a JSON body to the in-sandbox gateway's HTTP side
// channel and returns the upstream status code.
func (s *Server) postToGateway(ctx context.Context, path string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+s.cfg.GatewayAddr+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// sendSingleMessage opens a short-lived WS to the in-sandbox gateway,
// delivers one user_message frame, then closes.
func (s *Server) sendSingleMessage(ctx context.Context, content string) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+s.cfg.GatewayAddr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "message delivered")

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "identify", "role": "unknown"}); err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, map[string]string{"type": "user_message", "content": content})
}
