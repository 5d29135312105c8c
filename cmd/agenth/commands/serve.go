package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agenth/pkg/agenth/config"
	"github.com/jholhewres/agenth/pkg/agenth/paths"
	"github.com/jholhewres/agenth/pkg/agenth/server"
	"github.com/jholhewres/agenth/pkg/agenth/team"
	"github.com/jholhewres/agenth/pkg/agenth/telemetry"
)

// newServeCmd creates the `agenth serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon: API, scheduler and agent team",
		Long: `Start Agent-H as a daemon. It serves the HTTP API, runs the task
scheduler, ingests calendar events and starts the agent team with its
controllers (social mention pollers).

Examples:
  agenth serve
  agenth serve --addr :9090
  agenth serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout, slog.LevelInfo)

	// Audit before resolving: the raw values show hardcoded keys.
	for _, field := range config.PlaintextSecrets(cfg) {
		logger.Warn("plaintext secret in config file; prefer the keyring or an env reference", "field", field)
	}
	config.ResolveSecrets(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := paths.EnsureStateDirs(); err != nil {
		return fmt.Errorf("creating state dirs: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	if err := a.team.Start(ctx); err != nil {
		logger.Warn("team started degraded", "error", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.Close(context.Background())
		return fmt.Errorf("starting scheduler: %w", err)
	}

	if cfg.Watch.Enabled {
		restart := func() {
			logger.Info("configuration changed, restarting team")
			if err := a.team.Restart(ctx); err != nil {
				logger.Warn("team restart after change", "error", err)
			}
		}
		go config.NewWatcher(configPath, cfg.Watch.Interval, func(*config.Config) { restart() }, logger).Run(ctx)
		go config.NewFileWatcher(cfg.AgentsFile(), cfg.Watch.Interval, func(data []byte) error {
			_, err := team.ParseSpecs(data)
			return err
		}, restart, logger).Run(ctx)
	}

	srv := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		AuthTokenHash: cfg.Server.AuthTokenHash,
		ChatTimeout:   cfg.Server.ChatTimeout,
	}, a.router, a.scheduler, teamRestarter{m: a.team}, a.hub, logger)

	logger.Info("agenth running", "version", version, "config", configPath, "tools", a.registry.Len())
	serveErr := srv.ListenAndServe(ctx)
	stop()

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Close(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	logger.Info(a.usage.Global().Format("session"))
	return serveErr
}
