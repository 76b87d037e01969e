package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-agent-runtime/internal/capability"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-runtime/internal/service"
	"go.uber.org/zap"
)

// AgentRunner — AgentService с точки зрения ops API
type AgentRunner interface {
	List() []service.AgentInfo
	Info(name string) (service.AgentInfo, bool)
	Execute(ctx context.Context, name string, task interface{}, ext map[string]interface{}) (*domain.AgentResult, error)
}

type ToolCatalog interface {
	ListTools() []capability.ToolDefinition
}

type BudgetReader interface {
	GetUsage(ctx context.Context, id string, resource domain.ResourceType) ([]domain.ResourceUsage, error)
	GetBudgetHierarchy(ctx context.Context, id string) (*domain.BudgetHierarchy, error)
}

type ContextReader interface {
	GetContext(ctx context.Context, id string) (*domain.AgentContext, error)
}

// Deps — зависимости сервера. Validator == nil: /v1 не монтируется.
type Deps struct {
	Agents   AgentRunner
	Tools    ToolCatalog
	Budgets  BudgetReader
	Contexts ContextReader

	// ReloadPlugins — повторное обнаружение плагинов (nil: роут отключен)
	ReloadPlugins func(ctx context.Context) (*capability.DiscoveryReport, error)
	// Health — проверка зависимостей для /healthz (nil: всегда ok)
	Health func(ctx context.Context) error

	Validator auth.TokenValidator
	Gatherer  prometheus.Gatherer
}

// Server — ops-сервер рантайма: метрики, health и административный /v1.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *zap.Logger
}

func New(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.Named("ops-api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Инфраструктурные middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Get("/healthz", s.health)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. Защищенный периметр (RS256 токен оператора) ---
	if s.deps.Validator == nil {
		s.logger.Warn("admin public key is not configured, /v1 API disabled")
		return
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeRead))
			r.Get("/agents", s.listAgents)
			r.Get("/agents/{name}", s.getAgent)
			r.Get("/tools", s.listTools)
			r.Get("/budgets/{id}/usage", s.budgetUsage)
			r.Get("/budgets/{id}/hierarchy", s.budgetHierarchy)
			r.Get("/contexts/{id}", s.getContext)
		})

		r.With(auth.RequireScope(auth.ScopeExecute)).Post("/agents/{name}/execute", s.execute)

		if s.deps.ReloadPlugins != nil {
			r.With(auth.RequireScope(auth.ScopeAdmin)).Post("/plugins/reload", s.reloadPlugins)
		}
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
