package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dturbay/secmgr/internal/api"
	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/auth/kerberos"
	"github.com/dturbay/secmgr/pkg/config"
	"github.com/dturbay/secmgr/pkg/session"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the secmgr server",
	Long: `Start the secmgr server with the specified configuration.

Use --config to specify a custom configuration file, or it will look for
config.yaml in /etc/secmgr and $HOME/.secmgr.

Examples:
  # Start with defaults (in-memory backend, loopback API)
  secmgr start

  # Start with custom config file
  secmgr start --config /etc/secmgr/config.yaml

  # Start with environment variable overrides
  SECMGR_LOGGING_LEVEL=DEBUG secmgr start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", configSource(GetConfigFile()))

	// Metrics (if enabled)
	var metrics *session.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics = session.NewMetrics(prometheus.DefaultRegisterer)
		metricsServer = newMetricsServer(cfg.Metrics.ListenAddr)
		go func() {
			logger.Info("Metrics server listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", logger.KeyError, err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Session store backend
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("Session store initialized",
		logger.KeyBackend, cfg.Session.Backend,
		"idle_ttl", cfg.Session.IdleTTL)

	// Kerberos delegation subsystem (if enabled)
	var provider *kerberos.Provider
	if cfg.Kerberos.Enabled {
		provider, err = kerberos.NewProvider(&cfg.Kerberos)
		if err != nil {
			return fmt.Errorf("failed to initialize kerberos provider: %w", err)
		}
		defer func() { _ = provider.Close() }()
		logger.Info("Kerberos delegation enabled", logger.KeyPrincipal, provider.ServicePrincipal())
	} else {
		logger.Info("Kerberos delegation disabled")
	}

	manager := session.NewManager(backend, provider, session.KerberosSettings{
		CcacheDir:     cfg.Kerberos.CcacheDir,
		TicketTimeout: cfg.Kerberos.TicketTimeout,
		TokenCacheTTL: cfg.Kerberos.TokenCacheTTL,
	}, metrics)

	// The reaper runs for every backend: redis expires sessions natively,
	// but the sweep still reconciles delegation contexts whose sessions
	// are gone.
	reaper := session.NewReaper(manager, cfg.Session.IdleTTL, cfg.Session.ReapInterval)
	reaper.Start()

	// Run the API server until a signal or a server error
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- api.NewServer(cfg.API, manager).Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.KeyError, err)
			runErr = err
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", logger.KeyError, err)
			runErr = err
		}
		cancel()
	}

	// Shutdown order: stop reaping, stop scraping, then release the backend.
	reaper.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", logger.KeyError, err)
		}
		shutdownCancel()
	}

	if err := manager.Close(); err != nil {
		logger.Error("Session manager shutdown error", logger.KeyError, err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// newBackend creates the session store backend selected by the configuration.
func newBackend(ctx context.Context, cfg *config.Config) (session.Backend, error) {
	switch cfg.Session.Backend {
	case "memory":
		return session.NewMemoryBackend(), nil
	case "redis":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		backend, err := session.NewRedisBackend(connectCtx,
			cfg.Session.Redis.Addr,
			cfg.Session.Redis.Password,
			cfg.Session.Redis.DB,
			cfg.Session.IdleTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Session.Redis.Addr, err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown session backend: %q (expected memory or redis)", cfg.Session.Backend)
	}
}

// newMetricsServer creates an HTTP server exposing Prometheus metrics at /metrics.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// configSource returns a description of where the config was loaded from.
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	return "defaults with SECMGR_* environment overrides"
}
