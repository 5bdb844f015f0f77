// Command dfmsd runs a single dfms node manager, exposing the manager
// surface over NATS request/reply so a coordinator can deploy graph
// partitions onto it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	internalnats "github.com/cnwangfeng/dfms/internal/nats"
	"github.com/cnwangfeng/dfms/internal/tracing"
	"github.com/cnwangfeng/dfms/pkg/apps"
	"github.com/cnwangfeng/dfms/pkg/manager"
	"github.com/cnwangfeng/dfms/pkg/remote"
)

func main() {
	var (
		managerID  = flag.String("id", envOr("DFMS_MANAGER_ID", ""), "manager identifier, unique across the deployment (required)")
		natsURL    = flag.String("nats", envOr("DFMS_NATS_URL", "nats://localhost:4222"), "NATS server URL")
		capacity   = flag.Int("capacity", 1024, "maximum number of live plus reserved nodes")
		storageDir = flag.String("storage-dir", "", "directory for file-backed node data (default: OS temp dir)")
		timeout    = flag.Duration("request-timeout", 5*time.Second, "timeout for outbound manager-to-manager requests")
		traceTo    = flag.String("otlp-endpoint", envOr("DFMS_OTLP_ENDPOINT", ""), "OTLP HTTP endpoint for traces (empty disables tracing)")
		devLog     = flag.Bool("dev", false, "use development logging")
	)
	flag.Parse()

	logger, err := buildLogger(*devLog)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if *managerID == "" {
		logger.Fatal("manager id is required (-id)")
	}
	logger = logger.With(zap.String("manager_id", *managerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *traceTo != "" {
		cfg := tracing.DefaultConfig("dfmsd")
		cfg.OTLPEndpoint = *traceTo
		shutdown, err := tracing.Setup(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to set up tracing", zap.Error(err))
		}
		defer tracing.Shutdown(shutdown, logger)
	}

	connCfg := internalnats.DefaultConnectionConfig(*natsURL)
	connCfg.Name = "dfmsd-" + *managerID
	connCfg.RequestTimeout = *timeout
	conn, err := internalnats.Connect(ctx, connCfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer internalnats.Close(conn)
	logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))

	transport, err := remote.NewNATSTransport(conn, connCfg.RequestTimeout)
	if err != nil {
		logger.Fatal("Failed to create transport", zap.Error(err))
	}

	// Peers are addressed by convention, so an empty static table is
	// enough for subject resolution.
	discovery := remote.NewStaticDiscovery(nil)

	remotes, err := remote.NewRemotes(transport, discovery, logger)
	if err != nil {
		logger.Fatal("Failed to create remote access layer", zap.Error(err))
	}

	cfg := manager.DefaultConfig(*managerID)
	cfg.Capacity = *capacity
	cfg.StorageDir = *storageDir

	mgr, err := manager.New(cfg, apps.NewRegistry(), remotes, logger)
	if err != nil {
		logger.Fatal("Failed to create manager", zap.Error(err))
	}

	server, err := remote.NewServer(mgr, transport, discovery, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Manager online",
		zap.Int("capacity", cfg.Capacity),
		zap.String("storage_dir", cfg.StorageDir))

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := server.Stop(); err != nil {
		logger.Warn("Error stopping server", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
