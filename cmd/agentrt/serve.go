package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/capability"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-runtime/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime: load agents, start background workers and the ops API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if err := a.agents.LoadDir(ctx, cfg.Runtime.AgentsDir); err != nil {
		a.logger.Warn("agents loaded with errors", zap.Error(err))
	}

	deps := server.Deps{
		Agents:   a.agents,
		Tools:    a.tools,
		Budgets:  a.budgets,
		Contexts: a.contexts,
		Gatherer: a.reg,
		Health:   func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	}
	if cfg.Runtime.PluginDir != "" {
		deps.ReloadPlugins = func(ctx context.Context) (*capability.DiscoveryReport, error) {
			return a.discoverPlugins(ctx)
		}
	}
	if len(cfg.Auth.AdminPublicKey) > 0 {
		key, err := capability.ParseRSAPublicKey(cfg.Auth.AdminPublicKey)
		if err != nil {
			return fmt.Errorf("admin public key: %w", err)
		}
		deps.Validator = auth.NewRSAValidator(key)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps, a.logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Фоновые воркеры живут до отмены gctx
	g.Go(func() error {
		a.contexts.ListenInvalidations(gctx)
		return nil
	})
	g.Go(func() error {
		a.contexts.RunGC(gctx, cfg.Runtime.CleanupInterval, cfg.Runtime.ContextRetention)
		return nil
	})
	if cfg.Runtime.PluginDir != "" && cfg.Runtime.WatchPlugins {
		g.Go(func() error {
			err := a.tools.WatchPlugins(gctx, cfg.Runtime.PluginDir, func(r *capability.DiscoveryReport) {
				logReport(a.logger, r)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				// без hot reload рантайм продолжает работать
				a.logger.Error("plugin watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info("ops API started", zap.String("addr", srv.Addr), zap.Bool("admin_api", deps.Validator != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("runtime stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("runtime exited", zap.Error(err))
	return err
}
