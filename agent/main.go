package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapline-labs/tapline/internal/artifacts"
	"github.com/tapline-labs/tapline/internal/capture"
	"github.com/tapline-labs/tapline/internal/notify"
	"github.com/tapline-labs/tapline/internal/platform/env"
	"github.com/tapline-labs/tapline/internal/platform/httpserver"
	"github.com/tapline-labs/tapline/internal/platform/objectstore"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TAPLINE_AGENT_HTTP_ADDR", ":9000")
	shutdownTimeout, err := env.Duration("TAPLINE_AGENT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	drainTimeout, err := env.Duration("TAPLINE_DRAIN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	pipelineTimeout, err := env.Duration("TAPLINE_PIPELINE_TIMEOUT", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	grantTTL, err := env.Duration("TAPLINE_GRANT_TTL", 24*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadTries, err := env.Int("TAPLINE_UPLOAD_MAX_TRIES", 5)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	webhookURL, err := env.Require("TAPLINE_WEBHOOK_URL")
	if err != nil {
		logger.Error("missing webhook endpoint", "error", err)
		os.Exit(2)
	}
	webhookSecret := env.String("TAPLINE_WEBHOOK_SECRET", "")
	webhookTimeout, err := env.Duration("TAPLINE_WEBHOOK_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	store, err := artifacts.NewMinioStore(storeClient, storeCfg)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	notifier, err := notify.NewClient(webhookURL, webhookSecret, webhookTimeout)
	if err != nil {
		logger.Error("webhook client init failed", "error", err)
		os.Exit(2)
	}

	runner, err := capture.NewTcpdumpRunner(logger)
	if err != nil {
		logger.Error("capture runner init failed", "error", err)
		os.Exit(2)
	}

	captureCfg := capture.Config{
		Interface:       env.String("TAPLINE_CAPTURE_IFACE", "vxlan0"),
		SubnetIPv4:      env.String("TAPLINE_RUNNER_SUBNET", "10.10.1.0/24"),
		SubnetIPv6:      env.String("TAPLINE_RUNNER_SUBNET6", "fd00:1::/64"),
		PcapDir:         env.String("TAPLINE_PCAP_DIR", "/var/lib/tapline/pcaps"),
		DrainTimeout:    drainTimeout,
		PipelineTimeout: pipelineTimeout,
		GrantTTL:        grantTTL,
		UploadRetry:     retry.Config{MaxTries: uint(uploadTries)},
	}

	// A crashed prior session may have left pcaps behind.
	capture.CleanupStale(logger, captureCfg.PcapDir)

	manager, err := capture.NewManager(logger, captureCfg, runner, store, notifier)
	if err != nil {
		logger.Error("capture manager init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("capture-agent"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"capture-agent",
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)
	newAgentAPI(logger, manager).register(mux)

	cfg := httpserver.Config{
		Service:         "capture-agent",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "capture-agent", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
