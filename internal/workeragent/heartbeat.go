package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/exla-ai/synv2/internal/cronutil"
)

const (
	heartbeatInterval     = 60 * time.Second
	heartbeatInitialDelay = 10 * time.Second
)

// StartHeartbeat begins the background loop that POSTs a heartbeat to the
// control plane at a fixed cadence (~60s) after a 10s initial delay,
// until ctx is canceled.
func (s *Server) StartHeartbeat(ctx context.Context) {
	cronutil.NewTicker(heartbeatInterval, heartbeatInitialDelay, s.logger, s.sendHeartbeat).Run(ctx)
}

func (s *Server) sendHeartbeat(ctx context.Context) {
	body := map[string]any{
		"worker_id":         s.cfg.WorkerID,
		"container_running": s.isContainerRunning(),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("heartbeat: encode body failed", "error", err)
		return
	}

	url := fmt.Sprintf("%s/api/workers/%s/heartbeat", s.cfg.ControlPlaneURL, s.cfg.ProjectName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		s.logger.Error("heartbeat: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.WorkerToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.logger.Warn("heartbeat: request failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("heartbeat: control plane rejected heartbeat", "status", resp.StatusCode)
	}
}
