package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-runtime/internal/agent"
	"github.com/xela07ax/spaceai-agent-runtime/internal/audit"
	"github.com/xela07ax/spaceai-agent-runtime/internal/budget"
	"github.com/xela07ax/spaceai-agent-runtime/internal/capability"
	"github.com/xela07ax/spaceai-agent-runtime/internal/contextmgr"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-agent-runtime/internal/repository/postgres"
	"github.com/xela07ax/spaceai-agent-runtime/internal/service"
	"github.com/xela07ax/spaceai-agent-runtime/internal/statestore"
	"go.uber.org/zap"
)

// app хранит собранный рантайм. Порядок сборки: инфраструктура → подсистемы → агенты.
type app struct {
	cfg    *infra.Config
	logger *zap.Logger
	rdb    *redis.Client
	pool   *pgxpool.Pool
	reg    *prometheus.Registry

	budgets  *budget.Controller
	contexts *contextmgr.Manager
	tools    *capability.Registry
	trail    *audit.Trail
	agents   *service.AgentService
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.reg)
	keys := infra.NewKeys(cfg.Redis.Namespace)

	// 1. Инфраструктура
	a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		a.close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
	}

	var (
		store        statestore.Store = statestore.NewMemory()
		auditStorage audit.Storage    = audit.NewLogStorage(logger)
	)
	if cfg.Database.URL != "" {
		a.pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, a.pool); err != nil {
			a.close()
			return nil, err
		}
		store = postgres.NewStateRepo(a.pool)
		auditStorage = postgres.NewAuditRepo(a.pool)
	} else {
		logger.Warn("database.url is empty: state snapshots are kept in memory, audit goes to the log")
	}

	// 2. Подсистемы
	a.trail = audit.NewTrail(auditStorage, cfg.Runtime.AuditBufferSize, m, logger)
	a.trail.Start()

	a.budgets = budget.NewController(a.rdb, keys, m, logger)
	a.contexts = contextmgr.NewManager(a.rdb, keys, m, logger)
	a.contexts.SetReleaseHook(releaseClosers(logger))

	a.tools = capability.NewRegistry(a.rdb, keys, capability.ReliabilityFromConfig(cfg.Capability), a.trail, m, logger)
	if len(cfg.Auth.GrantPublicKey) > 0 {
		key, err := capability.ParseRSAPublicKey(cfg.Auth.GrantPublicKey)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("grant public key: %w", err)
		}
		a.tools.SetGrantVerifier(capability.NewGrantVerifier(key))
	}
	if err := capability.RegisterBuiltins(a.tools, a.rdb, keys); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Runtime.PluginDir != "" {
		a.discoverPlugins(ctx)
	}

	// 3. Агенты
	a.agents = service.NewAgentService(agent.Deps{
		Budget:   a.budgets,
		Contexts: a.contexts,
		Registry: a.tools,
		Store:    store,
		Metrics:  m,
	}, a.contexts, logger)
	return a, nil
}

func (a *app) discoverPlugins(ctx context.Context) (*capability.DiscoveryReport, error) {
	report, err := a.tools.DiscoverPlugins(ctx, a.cfg.Runtime.PluginDir)
	if err != nil {
		a.logger.Warn("plugin discovery failed", zap.String("dir", a.cfg.Runtime.PluginDir), zap.Error(err))
		return nil, err
	}
	logReport(a.logger, report)
	return report, nil
}

func logReport(logger *zap.Logger, report *capability.DiscoveryReport) {
	for _, f := range report.Failures {
		logger.Warn("plugin skipped", zap.String("path", f.Path), zap.String("tool", f.Tool), zap.Error(f.Err))
	}
	logger.Info("plugins discovered", zap.Strings("loaded", report.Loaded), zap.Int("failed", len(report.Failures)))
}

// close освобождает ресурсы в обратном порядке. Безопасен для частично собранного app.
func (a *app) close() {
	if a.agents != nil {
		ctx := context.Background()
		for _, out := range a.agents.Shutdown(ctx) {
			if out.Failed() {
				a.logger.Warn("agent shutdown incomplete", zap.String("op", out.Op), zap.Error(out.Err))
			}
		}
	}
	if a.trail != nil {
		a.trail.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.logger.Sync()
}

// releaseClosers закрывает приватные ресурсы контекста, умеющие закрываться
// (актуально для live-хендлов с изоляцией NONE/SHALLOW).
func releaseClosers(logger *zap.Logger) contextmgr.ReleaseFunc {
	return func(_ context.Context, c *domain.AgentContext) {
		for name, res := range c.PrivateResources {
			closer, ok := res.(io.Closer)
			if !ok {
				continue
			}
			if err := closer.Close(); err != nil {
				logger.Warn("private resource close failed", zap.String("context_id", c.ID), zap.String("resource", name), zap.Error(err))
			}
		}
	}
}
