package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-agent-runtime/internal/agent"
	"github.com/xela07ax/spaceai-agent-runtime/internal/agentspec"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"go.uber.org/zap"
)

// ErrAgentNotFound — агент с таким именем не загружен
var ErrAgentNotFound = errors.New("agent not found")

// MetaBudgetID — ключ AgentConfig.Metadata с id бюджета (по умолчанию: имя агента)
const MetaBudgetID = "budget_id"

// ContextLifecycle — часть Context Manager, которой сервис выдает агентам корневые контексты.
type ContextLifecycle interface {
	CreateContext(ctx context.Context, agentID string, isolation domain.IsolationLevel, initial *domain.ContextData) (string, error)
	ActivateContext(ctx context.Context, id string) error
	TerminateContext(ctx context.Context, id string, cleanup bool) error
}

// AgentInfo — сводка для ops API
type AgentInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Strategy     string            `json:"strategy"`
	State        domain.AgentState `json:"state"`
	Executions   int64             `json:"executions"`
	Capabilities []string          `json:"capabilities"`
	BudgetID     string            `json:"budget_id"`
	ContextID    string            `json:"context_id,omitempty"`
}

type hosted struct {
	agent     *agent.Agent
	budgetID  string
	contextID string
}

// AgentService держит экземпляры агентов рантайма по имени конфигурации.
type AgentService struct {
	deps     agent.Deps
	contexts ContextLifecycle
	logger   *zap.Logger

	// loadMu упорядочивает Load/Unload: проверка существования и вставка
	// агента не должны разрываться параллельной загрузкой того же имени.
	loadMu sync.Mutex

	mu     sync.RWMutex
	agents map[string]*hosted
}

// NewAgentService — contexts может быть nil: агенты работают без прикрепленного контекста.
func NewAgentService(deps agent.Deps, contexts ContextLifecycle, logger *zap.Logger) *AgentService {
	return &AgentService{
		deps:     deps,
		contexts: contexts,
		logger:   logger.Named("agent-service"),
		agents:   make(map[string]*hosted),
	}
}

// LoadDir загружает конфигурации каталога. Битые файлы не мешают остальным.
func (s *AgentService) LoadDir(ctx context.Context, dir string) error {
	cfgs, specErr := agentspec.LoadDir(dir)
	if specErr != nil {
		s.logger.Warn("some agent specs were rejected", zap.String("dir", dir), zap.Error(specErr))
	}
	if cfgs == nil {
		return specErr
	}
	return errors.Join(specErr, s.Load(ctx, cfgs))
}

// Load синхронизирует набор агентов с конфигурациями: новые создаются,
// существующие перезагружаются, исчезнувшие выгружаются.
func (s *AgentService) Load(ctx context.Context, cfgs map[string]*domain.AgentConfig) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	var errs []error
	for name, cfg := range cfgs {
		if err := s.upsert(ctx, name, cfg); err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", name, err))
		}
	}

	s.mu.RLock()
	var stale []string
	for name := range s.agents {
		if _, ok := cfgs[name]; !ok {
			stale = append(stale, name)
		}
	}
	s.mu.RUnlock()
	for _, name := range stale {
		s.unload(ctx, name)
	}
	return errors.Join(errs...)
}

// upsert вызывается под loadMu
func (s *AgentService) upsert(ctx context.Context, name string, cfg *domain.AgentConfig) error {
	s.mu.RLock()
	h, exists := s.agents[name]
	s.mu.RUnlock()

	if exists {
		return h.agent.ReloadConfig(ctx, cfg)
	}

	budgetID := name
	if id, ok := cfg.Metadata[MetaBudgetID].(string); ok && id != "" {
		budgetID = id
	}
	h = &hosted{agent: agent.New(name, budgetID, s.deps, s.logger), budgetID: budgetID}
	if err := h.agent.LoadConfig(ctx, cfg); err != nil {
		return err
	}

	if s.contexts != nil {
		id, err := s.rootContext(ctx, name)
		if err != nil {
			// агент работает и без контекста
			s.logger.Warn("root context not created", zap.String("agent", name), zap.Error(err))
		} else {
			h.contextID = id
			h.agent.AttachContext(id)
		}
	}

	s.mu.Lock()
	s.agents[name] = h
	s.mu.Unlock()
	s.logger.Info("agent loaded", zap.String("agent", name), zap.String("budget_id", budgetID), zap.String("context_id", h.contextID))
	return nil
}

func (s *AgentService) rootContext(ctx context.Context, name string) (string, error) {
	id, err := s.contexts.CreateContext(ctx, name, domain.IsolationDeep, &domain.ContextData{
		Metadata: map[string]interface{}{"root": true},
	})
	if err != nil {
		return "", err
	}
	if err := s.contexts.ActivateContext(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Unload снимает агента: финальный снимок, освобождение инструментов и контекста.
func (s *AgentService) Unload(ctx context.Context, name string) domain.Outcome {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.unload(ctx, name)
}

func (s *AgentService) unload(ctx context.Context, name string) domain.Outcome {
	s.mu.Lock()
	h, ok := s.agents[name]
	delete(s.agents, name)
	s.mu.Unlock()
	if !ok {
		return domain.Outcome{Op: "unload:" + name}
	}

	out := h.agent.Cleanup(ctx)
	if h.contextID != "" && s.contexts != nil {
		if err := s.contexts.TerminateContext(ctx, h.contextID, true); err != nil {
			s.logger.Warn("root context not terminated", zap.String("agent", name), zap.Error(err))
		}
	}
	s.logger.Info("agent unloaded", zap.String("agent", name))
	return out
}

// Shutdown выгружает всех агентов.
func (s *AgentService) Shutdown(ctx context.Context) []domain.Outcome {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	var outs []domain.Outcome
	for _, name := range s.names() {
		outs = append(outs, s.unload(ctx, name))
	}
	return outs
}

func (s *AgentService) Get(name string) (*agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.agents[name]
	if !ok {
		return nil, false
	}
	return h.agent, true
}

func (s *AgentService) List() []AgentInfo {
	names := s.names()
	out := make([]AgentInfo, 0, len(names))
	for _, name := range names {
		if info, ok := s.Info(name); ok {
			out = append(out, info)
		}
	}
	return out
}

func (s *AgentService) Info(name string) (AgentInfo, bool) {
	s.mu.RLock()
	h, ok := s.agents[name]
	s.mu.RUnlock()
	if !ok {
		return AgentInfo{}, false
	}

	info := AgentInfo{
		Name:         name,
		State:        h.agent.GetState(),
		Executions:   h.agent.ExecutionCount(),
		Capabilities: h.agent.Capabilities(),
		BudgetID:     h.budgetID,
		ContextID:    h.contextID,
	}
	if cfg := h.agent.Config(); cfg != nil {
		info.Version = cfg.Version
		info.Strategy = string(cfg.ExecutionStrategy)
	}
	return info, true
}

// Execute запускает задачу на агенте. Ошибка: только если агента нет;
// сбои исполнения приходят в AgentResult.
func (s *AgentService) Execute(ctx context.Context, name string, task interface{}, ext map[string]interface{}) (*domain.AgentResult, error) {
	a, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a.Execute(ctx, task, ext), nil
}

func (s *AgentService) names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}
