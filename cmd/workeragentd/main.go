// Command workeragentd runs on a dedicated worker instance: it owns exactly
// one project's Docker sandbox, exposes the WorkerAgent HTTP+WS surface the
// control plane drives it through, and heartbeats the control plane at a
// fixed cadence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/telemetry"
	"github.com/exla-ai/synv2/internal/workeragent"
)

func main() {
	listenAddr := flag.String("listen", envOr("SYNV2_WORKERAGENT_LISTEN_ADDR", ":7700"), "address this WorkerAgent binds to")
	homeDir := flag.String("home", envOr("SYNV2_HOME", "/var/lib/synv2-worker"), "directory for this worker's component log")
	logLevel := flag.String("log-level", envOr("SYNV2_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	projectName := flag.String("project", os.Getenv("SYNV2_PROJECT_NAME"), "project this worker is dedicated to")
	workerID := flag.String("worker-id", os.Getenv("SYNV2_WORKER_ID"), "this worker's instance id, as recorded by the control plane")
	controlPlaneURL := flag.String("control-plane-url", os.Getenv("SYNV2_CONTROL_PLANE_URL"), "base URL of the fleet control plane")
	gatewayAddr := flag.String("gateway-addr", envOr("SYNV2_GATEWAY_ADDR", "127.0.0.1:8090"), "sandbox-internal address:port the in-sandbox gateway listens on")
	sandboxImage := flag.String("sandbox-image", os.Getenv("SYNV2_SANDBOX_IMAGE"), "docker image for this project's sandbox")
	sandboxNetwork := flag.String("sandbox-network", os.Getenv("SYNV2_SANDBOX_NETWORK"), "docker network mode for this project's sandbox")
	hostCPUs := flag.Float64("host-cpus", floatEnv("SYNV2_HOST_CPUS", 4), "raw CPU count reported to the control plane's resource heuristic")
	hostMemoryMB := flag.Int64("host-memory-mb", intEnv("SYNV2_HOST_MEMORY_MB", 16384), "raw memory in MB reported to the control plane's resource heuristic")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := telemetry.NewLogger(*homeDir, "workeragent", *logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	workerToken := strings.TrimSpace(os.Getenv("SYNV2_WORKER_TOKEN"))
	if workerToken == "" {
		fatalStartup(logger, "E_WORKER_TOKEN_MISSING", fmt.Errorf("SYNV2_WORKER_TOKEN must be set"))
	}
	if *projectName == "" || *workerID == "" || *controlPlaneURL == "" {
		fatalStartup(logger, "E_CONFIG_MISSING", fmt.Errorf("project, worker-id, and control-plane-url are all required"))
	}

	box, err := sandbox.NewDockerSandbox(*projectName, *sandboxImage, *sandboxNetwork)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}

	srv := workeragent.New(workeragent.Config{
		ListenAddr:      *listenAddr,
		WorkerToken:     workerToken,
		ControlPlaneURL: *controlPlaneURL,
		ProjectName:     *projectName,
		WorkerID:        *workerID,
		GatewayAddr:     *gatewayAddr,
		HostCPUs:        *hostCPUs,
		HostMemoryMB:    *hostMemoryMB,
		Sandbox:         box,
		Logger:          logger,
	})

	go srv.StartHeartbeat(ctx)

	httpSrv := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = srv.Close(shutdownCtx)
	}()

	logger.Info("workeragent listening", "addr", *listenAddr, "project", *projectName, "worker", *workerID)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatalStartup(logger, "E_LISTEN", err)
	}
	logger.Info("workeragent stopped")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"workeragent","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
