package main

import (
	"context"

	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"go.uber.org/zap"
)

// openStore connects to PostgreSQL when a DSN is configured. A nil store
// selects the in-memory backends.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) *pgstore.Store {
	if cfg.Database.Postgres.DSN == "" {
		return nil
	}
	ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		return nil
	}
	return ps
}

// buildProviders registers config providers, then any stored ones, and
// applies bindings and fallbacks.
func buildProviders(ctx context.Context, cfg *config.Config, ps *pgstore.Store, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(logger)
	register := func(pc provider.ProviderConfig) {
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(pc, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(pc, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	for _, pc := range cfg.Providers {
		register(pc.Provider())
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	if ps != nil {
		rows, err := ps.ListProviders(ctx)
		if err != nil {
			logger.Debug("stored providers skipped", zap.Error(err))
		}
		for _, row := range rows {
			register(row.Config)
			if row.IsDefault {
				router.SetDefault(row.Config.ID)
			}
		}
	}

	for agentID, providerID := range cfg.Bindings {
		router.Bind(agentID, providerID)
	}
	for agentID, ids := range cfg.Fallbacks {
		router.SetFallbacks(agentID, ids)
	}
	return router
}

// agentSource layers database agents over the configured seeds.
func agentSource(cfg *config.Config, ps *pgstore.Store) registry.Source {
	if ps == nil {
		return cfg.AgentSource()
	}
	return registry.MergedSource{cfg.AgentSource(), ps}
}
