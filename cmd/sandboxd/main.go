// Command sandboxd is the process that runs as PID 1 inside a project's
// sandbox container: it starts the in-sandbox Gateway (the single upstream
// session to the local LLM engine, fanned out to downstream chat clients)
// and the Supervisor turn-driver that keeps the task moving, wired together
// over a loopback WebSocket exactly as a human chat client would connect.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exla-ai/synv2/internal/gateway"
	"github.com/exla-ai/synv2/internal/supervisor"
	"github.com/exla-ai/synv2/internal/telemetry"
)

func main() {
	listenAddr := envOr("GATEWAY_LISTEN_ADDR", "127.0.0.1:8090")
	workspace := envOr("WORKSPACE", "/workspace")
	projectName := os.Getenv("PROJECT_NAME")
	engineEndpoint := envOr("SYNV2_ENGINE_ENDPOINT", "ws://127.0.0.1:8091/ws")
	sessionKeyPrefix := envOr("SYNV2_SESSION_KEY_PREFIX", "webchat:synv2")
	logLevel := envOr("SYNV2_LOG_LEVEL", "info")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := telemetry.NewLogger(workspace, "sandbox", logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if projectName == "" {
		fatalStartup(logger, "E_PROJECT_NAME_MISSING", fmt.Errorf("PROJECT_NAME must be set"))
	}

	gw := gateway.New(gateway.Config{
		ListenAddr:       listenAddr,
		UpstreamEndpoint: engineEndpoint,
		SessionKeyPrefix: sessionKeyPrefix,
		ProjectName:      projectName,
		// BearerToken stays empty: this gateway binds only to the
		// container's loopback interface and is reached either directly by
		// the control plane's DialGateway in local mode, or proxied through
		// WorkerAgent's own authenticated /gateway relay in remote mode.
		EngineAuth: gateway.EngineAuth{
			ClientID: projectName,
			Token:    strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		},
		Logger: logger.With("component", "gateway"),
	})

	go gw.Start(ctx)

	httpSrv := &http.Server{
		Addr:    listenAddr,
		Handler: gw.Handler(),
	}
	go func() {
		logger.Info("sandbox gateway listening", "addr", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server exited", "error", err)
		}
	}()

	machine := supervisor.New(supervisor.Config{
		ProjectName:   projectName,
		WorkspaceRoot: workspace,
		GatewayAddr:   listenAddr,
		Logger:        logger.With("component", "supervisor"),
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("supervisor starting", "project", projectName, "workspace", workspace)
	if err := machine.Run(ctx); err != nil && err != context.Canceled {
		logger.Warn("supervisor exited with error", "error", err)
	}
	logger.Info("sandboxd stopped")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
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
			`{"timestamp":"%s","level":"ERROR","component":"sandbox","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
