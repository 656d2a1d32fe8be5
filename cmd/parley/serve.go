package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/llms"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/permission"
	"github.com/parley-ai/parley/pkg/presence"
	"github.com/parley-ai/parley/pkg/server"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tools"
	"github.com/parley-ai/parley/pkg/version"
)

type serveCmd struct{}

func (s *serveCmd) Run(root *cli) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	if root.LogLevel != "" {
		cfg.Logger.Level = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Logger.Format = root.LogFormat
	}

	logCloser, err := logger.Setup(cfg.Logger)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	slog.Info("starting parley", "version", version.Version, "config", root.Config)
	ctx := context.Background()

	hist, err := history.NewSQLStore(&cfg.History)
	if err != nil {
		return err
	}
	defer hist.Close()

	var pres presence.Store
	if cfg.Presence.Addr != "" {
		pres, err = presence.NewRedisStore(ctx, &cfg.Presence)
		if err != nil {
			return err
		}
	} else {
		slog.Info("no presence address configured, using in-memory store")
		pres = presence.NewMemoryStore()
	}
	defer pres.Close()

	sessions := session.NewManager(hist, pres, &cfg.Session)
	providers := llms.NewRegistry(&cfg.LLM)

	registry := tools.NewRegistry(&cfg.Tools)
	defer registry.Close()

	// Discovery is network bound; connect the configured servers in
	// parallel. A failing server is logged, not fatal.
	var g errgroup.Group
	for _, srv := range cfg.Tools.Servers {
		g.Go(func() error {
			if err := registry.Register(ctx, srv); err != nil {
				slog.Error("tool server registration failed", "server_id", srv.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	consent := permission.NewCoordinator(&cfg.Permission)
	defer consent.Close()

	events := stream.NewCoordinator(&cfg.Stream)
	defer events.Close()

	contexts := agent.NewContextRegistry()
	adapter := tools.NewAdapter(registry, consent, events, contexts, cfg.Permission.DefaultTimeout())

	agents := agent.NewManager(providers, registry, adapter, hist, pres, sessions,
		events, contexts, &cfg.AgentManager, &cfg.LLM, cfg.History.MessageCacheTTL())
	defer agents.Close()

	metrics := observability.New(func() float64 {
		return float64(agents.Stats().Total)
	})
	events.OnDrop(func(string) { metrics.StreamDrops.Inc() })
	agents.OnEvict(func() { metrics.AgentEvictions.Inc() })
	registry.OnChange(func(serverID string) {
		affected := agents.ReloadForServer(serverID)
		slog.Info("tool catalog changed", "server_id", serverID, "sessions_reloaded", len(affected))
	})

	// A shared presence backend means multiple nodes; replicate events so a
	// subscriber on any node sees the session's stream.
	if cfg.Presence.Addr != "" {
		bridge, err := stream.NewBridge(ctx, events, pres)
		if err != nil {
			return err
		}
		defer bridge.Close()
	}

	if cfg.Tools.ServersFile != "" {
		sync := newServerFileSync(registry, cfg.Tools.ServersFile)
		if err := sync.Apply(ctx); err != nil {
			slog.Error("tool servers file load failed", "path", cfg.Tools.ServersFile, "error", err)
		}
		if cfg.Tools.Watch {
			stopWatch, err := sync.Watch(ctx)
			if err != nil {
				slog.Error("tool servers file watch failed", "path", cfg.Tools.ServersFile, "error", err)
			} else {
				defer stopWatch()
			}
		}
	}

	srv := server.New(&cfg.Server, sessions, agents, consent, events, registry, adapter, hist, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx,
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
