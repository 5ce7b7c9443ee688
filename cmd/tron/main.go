package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/mhismail3/tron/internal/config"
	"github.com/mhismail3/tron/internal/logrec"
	"github.com/mhismail3/tron/internal/server"
	"github.com/mhismail3/tron/internal/service"
	"github.com/mhismail3/tron/internal/service/session"
	"github.com/mhismail3/tron/internal/store"
)

var (
	name    = "tron"
	version = "v0.0.0"
)

// providerFactory builds the LLM provider adapter. Left nil in the
// core build: provider adapters live outside the engine and register
// themselves here from their own main packages.
var providerFactory func(ctx context.Context, cfg *config.Config) (service.TurnProvider, service.ToolRegistry, error)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eventStore, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer eventStore.Close()

	// Tee application logs into the store so they are searchable next
	// to the sessions they concern.
	slog.SetDefault(slog.New(logrec.New(slog.Default().Handler(), eventStore)))

	toolTimeout, err := config.Duration(cfg.Engine.ToolTimeout, 0)
	if err != nil {
		return err
	}

	logRetention, err := config.Duration(cfg.Engine.LogRetention, 0)
	if err != nil {
		return err
	}

	maintenanceInterval, err := config.Duration(cfg.Engine.MaintenanceInterval, 0)
	if err != nil {
		return err
	}

	projector := session.NewProjector(eventStore)
	contextMan := session.NewContextManager(eventStore, projector, nil,
		cfg.Engine.ContextWindow, cfg.Engine.CompactThreshold)
	sessions := session.NewManager(cfg.Engine.MaxActiveSessions)

	managers := &server.Managers{
		Store:     eventStore,
		Sessions:  sessions,
		Context:   contextMan,
		Projector: projector,
	}

	srv, err := server.New(ctx, cfg.Server, managers)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// The orchestrator publishes through the hub, so it is wired after
	// the server. Without a registered provider factory the agent.*
	// family answers NOT_AVAILABLE.
	if providerFactory != nil {
		provider, tools, err := providerFactory(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create provider: %w", err)
		}

		managers.Orchestrator = session.NewOrchestrator(eventStore, projector, contextMan,
			provider, tools, srv.Hub(), cfg.Engine.MaxTurns, toolTimeout)
	}

	maintenance := session.NewMaintenance(eventStore, maintenanceInterval, logRetention)
	go maintenance.Start(ctx)

	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}
