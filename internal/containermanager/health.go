package containermanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/exla-ai/synv2/internal/apierr"
)

// waitGatewayReadyRemote polls a remote WorkerAgent's own /health (which in
// turn reflects the in-sandbox gateway's health) every 2s for up to 120s.
func (m *Manager) waitGatewayReadyRemote(ctx context.Context, client *workerAgentClient) error {
	ctx, cancel := context.WithTimeout(ctx, gatewayHealthRetryBudget)
	defer cancel()
	ticker := time.NewTicker(gatewayHealthRetryInterval)
	defer ticker.Stop()
	for {
		if err := client.health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.New(apierr.KindTimeout, "gateway did not become healthy within 120s")
		case <-ticker.C:
		}
	}
}

// waitGatewayReadyLocal polls the local sandbox's gateway /health directly.
func (m *Manager) waitGatewayReadyLocal(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, gatewayHealthRetryBudget)
	defer cancel()
	ticker := time.NewTicker(gatewayHealthRetryInterval)
	defer ticker.Stop()
	for {
		if err := m.localGatewayHealthy(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.New(apierr.KindTimeout, "gateway did not become healthy within 120s")
		case <-ticker.C:
		}
	}
}

func (m *Manager) localGatewayHealthy(ctx context.Context) error {
	ip, err := m.local.IP(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.KindTransientUpstream, "local gateway not healthy yet")
	}
	return nil
}

// gatewayHTTPCall posts a JSON body to the local sandbox gateway's own HTTP
// side channel (used for SupervisorControl/SendMessage in local mode).
func (m *Manager) gatewayHTTPCall(ctx context.Context, path string, body any) error {
	if m.local == nil {
		return apierr.New(apierr.KindFatalInit, "no local sandbox backend configured")
	}
	ip, err := m.local.IP(ctx)
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "resolve local sandbox address")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "encode gateway request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", ip, path), bytes.NewReader(raw))
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpc.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindTransientUpstream, err, "local gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(apierr.KindTransientUpstream, fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, string(msg)))
	}
	return nil
}
