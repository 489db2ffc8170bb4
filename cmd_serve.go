package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/agent-relay/internal/agent"
	"github.com/zsprackett/agent-relay/internal/applog"
	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/hub"
	"github.com/zsprackett/agent-relay/internal/notify"
	"github.com/zsprackett/agent-relay/internal/reaper"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/share"
	"github.com/zsprackett/agent-relay/internal/slug"
	"github.com/zsprackett/agent-relay/internal/storage"
	"github.com/zsprackett/agent-relay/internal/webserver"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort  int
	serveHost  string
	echoDelay  time.Duration
	logConsole bool
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().DurationVar(&echoDelay, "echo-delay", 50*time.Millisecond, "pause between streamed words of the built-in agent")
	serveCmd.Flags().BoolVar(&logConsole, "log-stderr", true, "also write logs to stderr")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if err := config.EnsureJWTSecret(configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
	}

	initCfg := applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel, Format: cfg.LogFormat}
	if logConsole {
		initCfg.Console = os.Stderr
	}
	logger, logCloser, err := applog.Init(initCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Error("storage unavailable, sessions will not be persisted", "type", cfg.Storage.Type, "err", err)
		provider = nil
	}

	registry := session.NewRegistry(session.RegistryOptions{
		Provider:        provider,
		Hub:             hub.New(provider, hub.Options{Buffer: cfg.Sessions.ObserverBuffer, Logger: logger}),
		Agents:          agent.NewEcho(echoDelay),
		WorkspaceRoot:   cfg.Workspace.WorkingDirectory,
		IsolateSessions: cfg.Workspace.IsolateSessions,
		CleanupTimeout:  config.Duration(cfg.Sessions.CleanupTimeout, 10*time.Second),
		Concurrency:     cfg.Sessions.Concurrency,
		Logger:          logger,
		Notifier:        notify.New(cfg.Notifications, logger),
	})

	gen, err := slug.New(cfg.Slug)
	if err != nil {
		logger.Warn("slug generator disabled", "err", err)
		gen = nil
	}
	shareSvc := share.New(share.Config{
		ProviderURL: cfg.Share.Provider,
		StaticPath:  cfg.Server.StaticPath,
		Timeout:     config.Duration(cfg.Share.Timeout, 60*time.Second),
	}, provider, share.WithLogger(logger))

	srv := webserver.New(webserver.Options{
		Config:   cfg.Server,
		Registry: registry,
		Share:    shareSvc,
		Slugs:    gen,
		Info:     *serverInfo(),
		Logger:   logger,
	})
	if err := srv.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return err
	}

	if cfg.Reaper.Schedule != "" {
		r, err := reaper.New(registry, cfg.Reaper.Schedule, config.Duration(cfg.Reaper.MaxIdle, 2*time.Hour), logger)
		if err != nil {
			logger.Warn("idle reaper disabled", "err", err)
		} else {
			r.Start()
			defer r.Stop()
		}
	}

	logger.Info("agent-relay started",
		"version", version,
		"addr", srv.Addr(),
		"storage", storageKind(provider),
		"workspace", cfg.Workspace.WorkingDirectory,
		"share_provider", cfg.Share.Provider != "",
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "err", err)
		return err
	}
	return nil
}

func storageKind(p storage.Provider) string {
	if p == nil {
		return storage.KindNone.String()
	}
	return p.Kind().String()
}
