package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/checkpoint"
	"github.com/nidhogg/nuka-conductor/internal/events"
	"github.com/nidhogg/nuka-conductor/internal/lineage"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background cache sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if port != 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting conductor...")
			codec := checkpoint.NewCodec(cfg.CheckpointLimits())
			m := metrics.New()

			var stateStore orchestrator.StateStore = checkpoint.NewMemoryStore(codec)
			ps := openStore(ctx, cfg, logger)
			if ps != nil {
				defer ps.Close()
				if err := ps.Migrate(ctx, pgstore.Migrations()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				stateStore = ps.Checkpoints(codec)
			}
			var handlerOpts []api.Option
			if ps != nil {
				handlerOpts = append(handlerOpts, api.WithProbe("postgres", ps.Ping))
			}

			llm := buildProviders(ctx, cfg, ps, logger)
			logger.Info("providers ready", zap.Strings("ids", llm.IDs()), zap.String("default", llm.DefaultID()))
			handlerOpts = append(handlerOpts, api.WithProbe("providers", llm.Ping))
			reg := registry.New(agentSource(cfg, ps), cfg.RegistryOptions(), logger)
			if err := reg.Refresh(ctx); err != nil {
				logger.Warn("initial agent load failed", zap.Error(err))
			}

			var observers []orchestrator.Observer
			if url := cfg.Database.Redis.URL; url != "" {
				pub, err := events.NewPublisher(ctx, url, logger)
				if err != nil {
					logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
				} else {
					defer pub.Close()
					observers = append(observers, pub)
					handlerOpts = append(handlerOpts, api.WithEventFeed(pub), api.WithProbe("redis", pub.Ping))
				}
			}
			if n := cfg.Database.Neo4j; n.URI != "" {
				rec, err := lineage.NewRecorder(n.URI, n.User, n.Password, logger)
				if err == nil {
					err = rec.Ping(ctx)
				}
				if err != nil {
					logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
				} else {
					defer rec.Close(context.Background())
					observers = append(observers, rec)
					handlerOpts = append(handlerOpts, api.WithLineage(rec), api.WithProbe("neo4j", rec.Ping))
				}
			}

			asm := orchestrator.NewAssembler(reg, llm, cfg.AssemblerOptions(), m, logger)
			cache := orchestrator.NewGraphCache(asm.Assemble, cfg.CacheOptions(), m, logger)
			cache.Start()
			defer cache.Shutdown()
			conductor := orchestrator.NewConductor(cache, stateStore, m, logger, observers...)

			handlerOpts = append(handlerOpts, api.WithMetrics(m.Handler()))
			handler := api.NewHandler(conductor, reg, logger, handlerOpts...)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           handler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("Conductor listening", zap.Int("port", cfg.Server.Port))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutting down conductor...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}
