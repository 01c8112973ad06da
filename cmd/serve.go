package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/permission"
	"github.com/kilnhq/kiln/internal/pin"
	"github.com/kilnhq/kiln/internal/plugin"
	"github.com/kilnhq/kiln/internal/provider"
	"github.com/kilnhq/kiln/internal/server"
	"github.com/kilnhq/kiln/internal/session"
	"github.com/kilnhq/kiln/internal/status"
	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/internal/tool"
	"github.com/kilnhq/kiln/internal/trace"
	"github.com/kilnhq/kiln/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := config.ResolvePath(cfgFile)
	cfg, err := config.NewService(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	defer cfg.Close()
	if err := cfg.Watch(); err != nil {
		slog.Warn("config watcher unavailable, edits need a restart", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := trace.Init(ctx, cfg.Get().Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		traceShutdown = func(context.Context) error { return nil }
	}

	store, err := openStorage(cfg.Get().Storage)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	workdir, err := os.Getwd()
	if err != nil {
		workdir = "."
	}

	b := bus.New()
	log := session.NewLog(store, b)
	locks := session.NewLocks(b)
	sessions := session.NewManager(store, b, log, locks)

	dataDir := cfg.Get().Storage.Dir
	broker := permission.NewBroker(b, permission.Options{
		Config:   cfg,
		Pins:     pin.NewStore(dataDir),
		Plugins:  plugin.NewRegistry(),
		Status:   status.NewTracker(nil),
		ParentOf: sessions.ParentOf,
	})

	providers := provider.NewRegistry(cfg.Get().Providers)
	if len(providers.IDs()) == 0 {
		slog.Warn("no provider API keys configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	tools := tool.NewRegistry()
	tools.Register(tool.NewBashTool(workdir))
	tools.Register(tool.NewReadTool(workdir))
	tools.Register(tool.NewWriteTool(workdir))
	tools.Register(tool.NewEditTool(workdir))
	tools.Register(tool.NewWebfetchTool())

	runner := session.NewRunner(b, session.RunnerOptions{
		Sessions:  sessions,
		Config:    cfg,
		Providers: providers,
		Tools:     tools,
		Broker:    broker,
		Workdir:   workdir,
	})
	tools.Register(session.NewTaskTool(runner))

	srv := server.New(server.Options{
		Config:   cfg,
		Bus:      b,
		Sessions: sessions,
		Runner:   runner,
		Broker:   broker,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("server exited", "error", err)
	}

	// Drain: reject pending gates, cancel running turns, flush events.
	slog.Info("shutting down")
	broker.Shutdown()
	locks.Shutdown()
	b.Publish(protocol.EventShutdown, nil)
	b.Close()
	if err := traceShutdown(context.Background()); err != nil {
		slog.Debug("trace shutdown", "error", err)
	}
}

func openStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.NewSqlite(filepath.Join(cfg.Dir, "kiln.db"))
	default:
		return storage.NewFile(filepath.Join(cfg.Dir, "storage"))
	}
}
