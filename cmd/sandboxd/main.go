package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/armanisadeghi/matrx-sandbox/pkg/api"
	"github.com/armanisadeghi/matrx-sandbox/pkg/config"
	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/events"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/manager"
	"github.com/armanisadeghi/matrx-sandbox/pkg/metrics"
	"github.com/armanisadeghi/matrx-sandbox/pkg/objectstore"
	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandbox orchestrator control plane",
	Long: `sandboxd provisions per-user agent sandboxes on a container engine,
leases them against a TTL, and fronts them with a REST API.

Each sandbox gets a hot tier of user files synced from S3 at startup and
back at shutdown, plus a lazily mounted cold tier.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sandboxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("store", cfg.SandboxStoreBackend).
		Str("engine", cfg.Engine).
		Msg("Starting sandboxd")

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	drv, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer drv.Close()

	var gw objectstore.Gateway
	if cfg.ObjectStoreBucket != "" {
		s3gw, err := objectstore.New(ctx, objectstore.Options{
			Bucket:   cfg.ObjectStoreBucket,
			Region:   cfg.ObjectStoreRegion,
			Endpoint: cfg.ObjectStoreEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize object store: %w", err)
		}
		if err := verifyGateway(ctx, s3gw); err != nil {
			return err
		}
		logger.Info().Str("bucket", cfg.ObjectStoreBucket).Msg("Object store verified")
		gw = s3gw
	} else {
		logger.Warn().Msg("No object store bucket configured, user storage disabled")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	stopLogSink := events.LogSink(broker)
	defer stopLogSink()
	stopMetricsSink := metrics.EventSink(broker)
	defer stopMetricsSink()

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	mgr := manager.New(cfg, st, drv, gw, broker)
	mgr.Start()
	defer mgr.Stop()

	server := api.NewServer(cfg, mgr, gw, Version)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	}

	// Drain the API first so no new work lands while the manager and
	// its loops wind down; the deferred stops handle the rest in
	// reverse start order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown did not drain cleanly")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// verifyGateway fails startup when the bucket is unreachable, so a bad
// credential or bucket name surfaces immediately instead of on the
// first sandbox create.
func verifyGateway(ctx context.Context, gw objectstore.Gateway) error {
	if err := gw.HealthCheck(ctx); err != nil {
		return fmt.Errorf("object store bucket unreachable: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.SandboxStoreBackend {
	case config.StorePostgres:
		// NewPostgresStore ensures the schema; sandbox-migrate exists
		// for operators who want to review the DDL first.
		st, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return st, nil
	case config.StoreBolt:
		st, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return st, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func openDriver(ctx context.Context, cfg *config.Config) (driver.Driver, error) {
	switch cfg.Engine {
	case config.EngineContainerd:
		return driver.NewContainerdDriver("")
	default:
		return driver.NewDockerDriver(ctx)
	}
}
