package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/foreman/internal/audit"
	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/config"
	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/executor"
	"github.com/fentz26/foreman/internal/health"
	"github.com/fentz26/foreman/internal/locks"
	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/progress"
	"github.com/fentz26/foreman/internal/recovery"
	"github.com/fentz26/foreman/internal/store"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the foreman daemon",
	Long:  `Starts the foreman daemon: the HTTP API, the agent bridge and the health watchdog.`,
	RunE:  runDaemon,
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List worker CLIs found on PATH",
	RunE:  runBackends,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.AddCommand(backendsCmd)
}

func cfgPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath())
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(config.ParseLevel(cfg.Logging.Level))
	logger := config.NewLeveledLogger(cfg.Logging, os.Stderr, level)
	slog.SetDefault(logger)
	logger.Info("starting foreman daemon", "version", controlplane.Version)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	s, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := metrics.NewRegistry()

	go func() {
		err := config.Watch(ctx, cfgPath(), logger, func(c *config.Config) {
			level.Set(config.ParseLevel(c.Logging.Level))
		})
		if err != nil {
			logger.Debug("config reload disabled", "error", err)
		}
	}()

	ex, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	lm := locks.NewManager(s, reg, logger)
	tracker, err := progress.New(ctx, s, reg, logger)
	if err != nil {
		return err
	}
	br := bridge.New(cfg.BridgeConfig(), lm, tracker, ex, notifier, reg, logger)
	rm, err := recovery.New(ctx, cfg.RecoveryConfig(), s, br, notifier, reg, logger)
	if err != nil {
		return err
	}
	monitor := health.New(cfg.HealthConfig(), br, tracker, ex, rm, reg, logger)
	monitor.OnAnomaly(func(rec models.HealthRecord, previous models.Health) {
		logger.Warn("health anomaly", "agent", rec.Agent, "from", previous, "to", rec.Classification, "reason", rec.Reason)
	})

	service := controlplane.NewService(controlplane.Components{
		Store:    s,
		PDR:      audit.NewPDRWriter(s),
		Locks:    lm,
		Tracker:  tracker,
		Bridge:   br,
		Monitor:  monitor,
		Recovery: rm,
		Metrics:  reg,
	}, logger)
	server := controlplane.NewServer(service, cfg.Server.Listen, logger)

	if orphans := tracker.Active(); len(orphans) > 0 {
		logger.Warn("active tasks without sessions, the watchdog will resume them", "count", len(orphans))
	}
	monitor.Start()
	defer monitor.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newExecutor(cfg *config.Config, logger *slog.Logger) (executor.Executor, error) {
	local := cfg.LocalConfig("http://" + cfg.Server.Listen)
	if local.Command == "" {
		b, ok := executor.DefaultBackend()
		if !ok {
			return nil, fmt.Errorf("no worker CLI found on PATH; set executor.command in %s", config.DefaultPath())
		}
		local.Command = b.Command
		if len(local.Args) == 0 {
			local.Args = b.Args
		}
		logger.Info("using detected worker backend", "name", b.Name, "path", b.Path, "version", b.Version)
	}
	if local.WorkDir == "" {
		local.WorkDir, _ = os.Getwd()
	}
	ex := executor.NewLocal(local, logger)
	if !ex.IsAllowed(local.Command) {
		return nil, fmt.Errorf("executor.command %q is not in executor.allowed_commands", local.Command)
	}
	return ex, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Notify.Matrix.Enabled {
		m, err := notify.NewMatrix(cfg.MatrixConfig(), logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, m)
		logger.Info("matrix notifications enabled", "room", cfg.Notify.Matrix.RoomID)
	}
	return notifiers, nil
}

func runBackends(cmd *cobra.Command, args []string) error {
	found := executor.DetectBackends()
	if len(found) == 0 {
		fmt.Println("No worker CLIs found on PATH")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "NAME\tCOMMAND\tPATH\tVERSION")
	for _, b := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Name, b.Command, b.Path, b.Version)
	}
	return w.Flush()
}
