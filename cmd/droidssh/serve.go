package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"gitlab.bluewillows.net/root/droidssh/internal/health"
	"gitlab.bluewillows.net/root/droidssh/internal/metrics"
	"gitlab.bluewillows.net/root/droidssh/internal/tools"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	metrics.SetBuildInfo(Version, runtime.Version())

	logger.Info("droidssh starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("go_version", runtime.Version()),
		slog.String("config", cfg.Path),
		slog.Bool("device_configured", cfg.Device != nil && cfg.Device.Complete()),
		slog.Bool("connect_on_start", cfg.Global.ConnectOnStart),
	)
	if cfg.Created {
		logger.Info("wrote config template; run the setup tool or edit it", slog.String("path", cfg.Path))
	}
	for _, w := range cfg.Warnings {
		logger.Warn("configuration warning", slog.String("warning", w))
	}

	svc := tools.NewService(cfg,
		tools.WithLogger(logger),
		tools.WithClientOptions(sshutil.WithObserver(metrics.SessionObserver{})),
	)
	defer func() { _ = svc.Close() }()

	if cfg.Global.ConnectOnStart {
		if missing := svc.Missing(); len(missing) > 0 {
			return fmt.Errorf("connect_on_start requires a configured device, missing %s", strings.Join(missing, ", "))
		}
		if err := svc.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to device: %w", err)
		}
		logger.Info("connected to device")
	}

	if cfg.Global.HealthPort > 0 {
		healthServer := health.New(cfg.Global.HealthPort, health.WithLogger(logger))
		healthServer.RegisterDegradedChecker("ssh_session", health.SessionChecker(svc.State))
		healthServer.RegisterDegradedChecker("device", health.DeviceChecker(svc.Missing))
		if err := healthServer.Start(); err != nil {
			return fmt.Errorf("starting health server: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", slog.String("error", err.Error()))
			}
		}()
	}

	stdio := server.NewStdioServer(tools.NewMCPServer(svc, Version))
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))

	logger.Info("serving MCP over stdio")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving mcp: %w", err)
	}

	logger.Info("droidssh shutdown complete")
	return nil
}
