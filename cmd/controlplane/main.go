// Command controlplane runs the fleet control plane: Store, SecretBox,
// ContainerManager, an optional WorkerProvisioner, and the ControlAPI HTTP+WS
// surface. It is the only process that sees the SQLite fleet database and
// the master secret; WorkerAgent and the in-sandbox processes reach it only
// through ControlAPI's bearer-authenticated surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/exla-ai/synv2/internal/audit"
	"github.com/exla-ai/synv2/internal/containermanager"
	"github.com/exla-ai/synv2/internal/controlapi"
	"github.com/exla-ai/synv2/internal/otelsetup"
	"github.com/exla-ai/synv2/internal/sandbox"
	"github.com/exla-ai/synv2/internal/secretbox"
	"github.com/exla-ai/synv2/internal/store"
	"github.com/exla-ai/synv2/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	listenAddr := flag.String("listen", envOr("SYNV2_LISTEN_ADDR", ":8080"), "address the ControlAPI binds to")
	homeDir := flag.String("home", envOr("SYNV2_HOME", defaultHomeDir()), "data directory for the fleet database, audit log, and component logs")
	dbPath := flag.String("db", os.Getenv("SYNV2_DB_PATH"), "path to the fleet SQLite database (default: <home>/fleet.db)")
	logLevel := flag.String("log-level", envOr("SYNV2_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	sandboxImage := flag.String("sandbox-image", os.Getenv("SYNV2_SANDBOX_IMAGE"), "docker image for the local sandbox backend")
	sandboxNetwork := flag.String("sandbox-network", os.Getenv("SYNV2_SANDBOX_NETWORK"), "docker network mode for the local sandbox backend")
	otelEnabled := flag.Bool("otel-enabled", os.Getenv("SYNV2_OTEL_ENABLED") == "1", "export traces and metrics")
	otelExporter := flag.String("otel-exporter", envOr("SYNV2_OTEL_EXPORTER", "none"), "otlp-http, stdout, or none")
	otelEndpoint := flag.String("otel-endpoint", os.Getenv("SYNV2_OTEL_ENDPOINT"), "otlp-http collector endpoint")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := audit.Init(*homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(*homeDir, "controlplane", *logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready")

	otelProvider, err := otelsetup.Init(ctx, otelsetup.Config{
		Enabled:     *otelEnabled,
		Exporter:    *otelExporter,
		Endpoint:    *otelEndpoint,
		ServiceName: "synv2-controlplane",
		SampleRate:  1.0,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	resolvedDBPath := *dbPath
	if resolvedDBPath == "" {
		resolvedDBPath = filepath.Join(*homeDir, "fleet.db")
	}
	st, err := store.Open(resolvedDBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_ready", "db", resolvedDBPath)

	masterSecret := strings.TrimSpace(os.Getenv("SYNV2_MASTER_SECRET"))
	if masterSecret == "" {
		fatalStartup(logger, "E_MASTER_SECRET_MISSING", fmt.Errorf("SYNV2_MASTER_SECRET must be set"))
	}
	box, err := secretbox.New(masterSecret)
	if err != nil {
		fatalStartup(logger, "E_SECRETBOX_INIT", err)
	}

	// No CloudProvider implementation is wired in yet (see DESIGN.md), so
	// WorkerProvisioner stays nil below and every project routes to this
	// single local Docker sandbox backend.
	local, err := sandbox.NewDockerSandbox("local", *sandboxImage, *sandboxNetwork)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}

	containers := containermanager.New(st, box, local, containermanager.Defaults{}, logger.With("component", "containermanager"))

	apiCfg := controlapi.Config{
		OperatorTokenSeed:       strings.TrimSpace(os.Getenv("SYNV2_OPERATOR_TOKEN")),
		FleetHealthSweepCron:    os.Getenv("SYNV2_FLEET_HEALTH_SWEEP_CRON"),
		HeartbeatStaleAfter:     durationEnv("SYNV2_HEARTBEAT_STALE_AFTER", 3*time.Minute),
		DefaultRegion:           os.Getenv("SYNV2_DEFAULT_REGION"),
		DefaultAvailabilityZone: os.Getenv("SYNV2_DEFAULT_AZ"),
		Logger:                  logger.With("component", "controlapi"),
	}
	api := controlapi.New(st, box, containers, nil, apiCfg, otelProvider, apiCfg.Logger)

	if err := api.Bootstrap(ctx); err != nil {
		fatalStartup(logger, "E_OPERATOR_TOKEN_BOOTSTRAP", err)
	}

	go api.StartFleetHealthSweep(ctx)

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: api.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("controlplane listening", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatalStartup(logger, "E_LISTEN", err)
	}
	logger.Info("controlplane stopped")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".synv2"
	}
	return filepath.Join(home, ".synv2")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionFatal, "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"controlplane","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
