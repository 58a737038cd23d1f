// ovsdb-server -- a JSON-RPC database server modeled on OVSDB's ovsdb-server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/ovsdb-server/internal/config"
	ovsdbmetrics "github.com/dantte-lp/ovsdb-server/internal/metrics"
	"github.com/dantte-lp/ovsdb-server/internal/ovsdbsrv"
	"github.com/dantte-lp/ovsdb-server/internal/txn"
	appversion "github.com/dantte-lp/ovsdb-server/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("ovsdb-server starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("health_addr", cfg.Health.Addr),
		slog.String("control_socket", cfg.Control.SocketPath),
	)

	reg := prometheus.NewRegistry()
	collector := ovsdbmetrics.NewCollector(reg)

	srv := ovsdbsrv.New(cfg.Server.MaxSessions, cfg.Server.StatusInterval, nil, collector, logger)

	if err := openConfiguredDBs(srv, cfg); err != nil {
		logger.Error("failed to open configured databases", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, srv, reg, logger); err != nil {
		logger.Error("ovsdb-server exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("ovsdb-server stopped")
	return 0
}

// runServers sets up and runs the control socket, metrics, and health HTTP
// servers alongside the core server loop, using an errgroup with
// signal-aware context for graceful shutdown.
func runServers(cfg *config.Config, srv *ovsdbsrv.Server, reg *prometheus.Registry, logger *slog.Logger) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	healthSrv := newHealthServer(cfg.Health)
	ctl := ovsdbsrv.NewControlServer(srv, cfg.Control.SocketPath, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	for _, name := range cfg.Remotes {
		if err := srv.AddRemote(gCtx, name); err != nil {
			return fmt.Errorf("add configured remote %q: %w", name, err)
		}
		logger.Info("remote opened", slog.String("remote", name))
	}

	g.Go(func() error { return srv.Run(gCtx) })

	g.Go(func() error {
		logger.Info("control socket listening", slog.String("path", cfg.Control.SocketPath))
		if err := ctl.Serve(gCtx); err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		return nil
	})

	startHTTPServers(gCtx, g, cfg, metricsSrv, healthSrv, logger)
	startDaemonGoroutines(gCtx, g, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, healthSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the metrics and health HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	metricsSrv *http.Server,
	healthSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		logger.Info("health server listening", slog.String("addr", cfg.Health.Addr))
		return listenAndServe(ctx, &lc, healthSrv, cfg.Health.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog goroutine.
func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, logger *slog.Logger) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})
}

// openConfiguredDBs opens one in-memory database per path in cfg.DBs. The
// real log-structured schema-aware loader is out of scope (spec.md §1);
// this stands in for it so a configured `dbs:` list has somewhere to land.
func openConfiguredDBs(srv *ovsdbsrv.Server, cfg *config.Config) error {
	for _, path := range cfg.DBs {
		name := dbNameFromPath(path)
		db := txn.NewMemDB(name)
		if err := srv.AddDB(db); err != nil {
			return fmt.Errorf("open database %q: %w", path, err)
		}
	}
	return nil
}

func dbNameFromPath(path string) string {
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			name = path[i+1:]
			break
		}
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. Exits immediately if no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newHealthServer creates the ConnectRPC gRPC health endpoint
// (grpc.health.v1), kept as a metrics/status-only side channel — the data
// plane itself speaks the line-oriented JSON-RPC protocol, not ConnectRPC.
func newHealthServer(cfg config.HealthConfig) *http.Server {
	mux := http.NewServeMux()
	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
