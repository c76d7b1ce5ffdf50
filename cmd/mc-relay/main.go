package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/discovery"
	"github.com/KennLDN/mc-panel-docker/internal/fleet"
	"github.com/KennLDN/mc-panel-docker/internal/health"
	"github.com/KennLDN/mc-panel-docker/internal/intercept"
	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
	"github.com/KennLDN/mc-panel-docker/internal/relay"
	"github.com/KennLDN/mc-panel-docker/internal/server"
	"github.com/KennLDN/mc-panel-docker/internal/store"
	"github.com/KennLDN/mc-panel-docker/internal/tracing"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	metricsHeaderTimeout   = 30 * time.Second
)

var (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionRequestedError is returned when the version flag is set.
type VersionRequestedError struct{}

func (e VersionRequestedError) Error() string {
	return "version requested"
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mc-relay",
		Short: "mc-relay - console relay for Minecraft server panels",
		Long: `mc-relay discovers game server consoles on the network, keeps one
upstream connection per server and fans its output out to any number of
panel observers.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("config", "c", "", "Path to configuration file (defaults and MC_RELAY_* variables when empty)")
	cmd.Flags().BoolP("version", "v", false, "Show version information")
	cmd.Flags().String("log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(adminCmd())

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	if err := handleVersionFlag(cmd); err != nil {
		var errVersionRequested VersionRequestedError
		if errors.As(err, &errVersionRequested) {
			return nil
		}

		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}

	servers, serverErrChan := startServers(ctx, cfg, components, logger)

	return waitForShutdownAndCleanup(cancel, cfg, servers, components, serverErrChan, logger)
}

// Components are the long-lived parts of a running relay.
type Components struct {
	Store       store.Store
	Registry    *registry.Registry
	Sessions    *lifecycle.Manager
	Interceptor *intercept.Interceptor
	Probe       *discovery.Probe
	Fleet       *fleet.Coordinator
	Health      *health.Checker
	Tracer      *tracing.Tracer
	Metrics     *metrics.Registry
}

// Servers are the HTTP listeners.
type Servers struct {
	Relay   *server.Server
	Metrics *http.Server
	Health  *health.Server
}

func handleVersionFlag(cmd *cobra.Command) error {
	showVersion, err := cmd.Flags().GetBool("version")
	if err != nil {
		return fmt.Errorf("failed to get version flag: %w", err)
	}

	if showVersion {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "mc-relay\n")
		_, _ = fmt.Fprintf(out, "Version: %s\n", Version)
		_, _ = fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
		_, _ = fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)

		return VersionRequestedError{}
	}

	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func setupLogger(cmd *cobra.Command, cfg *config.Config) (*zap.Logger, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}

func syncLogger(logger *zap.Logger) {
	if syncErr := logger.Sync(); syncErr != nil {
		// zap cannot sync a terminal or pipe inside containers.
		if syncErr.Error() != "sync /dev/stderr: invalid argument" &&
			syncErr.Error() != "sync /dev/stdout: invalid argument" {
			fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", syncErr)
		}
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	logger.Info("Initializing relay components", zap.String("version", Version))

	metricsRegistry := metrics.InitializeMetricsRegistry()

	cfg.Tracing.ServiceVersion = Version

	tracer, err := tracing.Init(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry store: %w", err)
	}

	reg := registry.New(st, cfg.Store.Key, logger, metricsRegistry)

	dialer := lifecycle.NewWebSocketDialer(lifecycle.DialerConfigFromConfig(cfg.Lifecycle), logger)
	sessions := lifecycle.NewManager(dialer, lifecycle.Options{
		Backoff:         lifecycle.PolicyFromConfig(cfg.Lifecycle.Backoff),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, metricsRegistry)

	rl := relay.New(sessions, logger, metricsRegistry)

	interceptor, err := createInterceptor(cfg.Interceptor, logger, metricsRegistry)
	if err != nil {
		_ = st.Close()

		return nil, err
	}

	sources, err := discovery.CreateSources(cfg.Discovery, logger)
	if err != nil {
		_ = st.Close()

		return nil, fmt.Errorf("failed to create discovery sources: %w", err)
	}

	probe := discovery.NewProbe(reg, sources, discovery.ProbeConfigFromConfig(cfg.Discovery), logger, metricsRegistry)

	coordinator := fleet.New(reg, sessions, rl, interceptor, logger, metricsRegistry)
	probe.SetHandler(coordinator)

	if err := coordinator.Restore(ctx); err != nil {
		_ = st.Close()

		return nil, fmt.Errorf("failed to restore service registry: %w", err)
	}

	if err := probe.Start(ctx); err != nil {
		sessions.Shutdown()
		_ = st.Close()

		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}

	checker := health.NewChecker(reg, sessions, probe, Version, logger)

	return &Components{
		Store:       st,
		Registry:    reg,
		Sessions:    sessions,
		Interceptor: interceptor,
		Probe:       probe,
		Fleet:       coordinator,
		Health:      checker,
		Tracer:      tracer,
		Metrics:     metricsRegistry,
	}, nil
}

// createInterceptor builds the tap. Chat matching and the webhook are only
// wired when enabled so the interceptor sees true nil interfaces otherwise.
func createInterceptor(cfg config.InterceptorConfig, logger *zap.Logger, m *metrics.Registry) (*intercept.Interceptor, error) {
	if !cfg.Chat.Enabled {
		return intercept.New(cfg.HistorySize, nil, nil, logger, m), nil
	}

	matcher, err := intercept.NewRegexMatcher(cfg.Chat.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat pattern: %w", err)
	}

	if cfg.Chat.WebhookURL == "" {
		logger.Warn("Chat matching enabled without a webhook; matches are only counted")

		return intercept.New(cfg.HistorySize, matcher, nil, logger, m), nil
	}

	sink := intercept.NewWebhookSink(intercept.WebhookSinkConfigFromConfig(cfg.Chat), logger, m)

	return intercept.New(cfg.HistorySize, matcher, sink, logger, m), nil
}

func startServers(ctx context.Context, cfg *config.Config, components *Components, logger *zap.Logger) (*Servers, <-chan error) {
	relayServer := server.New(cfg, components.Fleet, components.Tracer, logger, components.Metrics)

	servers := &Servers{
		Relay:  relayServer,
		Health: health.NewServer(components.Health, cfg.Server.Host, cfg.Server.HealthPort, logger),
	}

	if cfg.Metrics.Enabled && cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, components.Metrics.Handler())

		servers.Metrics = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort)),
			Handler:           mux,
			ReadHeaderTimeout: metricsHeaderTimeout,
		}

		go func() {
			logger.Info("Starting metrics server", zap.String("address", servers.Metrics.Addr))

			if err := servers.Metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	go components.Health.RunChecks(ctx, cfg.Discovery.HealthInterval)

	go func() {
		if err := servers.Health.Start(); err != nil {
			logger.Error("Health server error", zap.Error(err))
		}
	}()

	serverErrChan := make(chan error, 1)

	go func() {
		logger.Info("Starting mc-relay",
			zap.String("version", Version),
			zap.Int("port", cfg.Server.Port),
			zap.Strings("providers", cfg.Discovery.Providers),
			zap.String("store", cfg.Store.Provider))

		serverErrChan <- relayServer.Start()
	}()

	return servers, serverErrChan
}

func waitForShutdownAndCleanup(
	cancel context.CancelFunc,
	cfg *config.Config,
	servers *Servers,
	components *Components,
	serverErrChan <-chan error,
	logger *zap.Logger,
) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-serverErrChan:
		if serveErr != nil {
			logger.Error("Relay server error", zap.Error(serveErr))
		}
	}

	performGracefulShutdown(cancel, cfg, servers, components, logger)

	return serveErr
}

// performGracefulShutdown stops intake first, then closes every upstream so
// observers get a normal close, then flushes telemetry and the store.
func performGracefulShutdown(
	cancel context.CancelFunc,
	cfg *config.Config,
	servers *Servers,
	components *Components,
	logger *zap.Logger,
) {
	logger.Info("Starting graceful shutdown")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	components.Probe.Stop()

	if err := servers.Relay.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down relay server", zap.Error(err))
	}

	components.Sessions.Shutdown()
	components.Interceptor.Close()

	if servers.Metrics != nil {
		if err := servers.Metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}
	}

	servers.Health.Stop(shutdownCtx)

	cancel()

	if err := components.Tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down tracer", zap.Error(err))
	}

	if err := components.Store.Close(); err != nil {
		logger.Error("Error closing registry store", zap.Error(err))
	}

	logger.Info("mc-relay shutdown complete")
}
