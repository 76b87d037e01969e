package agent

/*
Файл agent.go реализует Configurable Agent: движок исполнения декларативно
описанного агента.

Ключевые особенности:
- Execute никогда не возвращает ошибку: любой сбой шага превращается в FAILED
  AgentResult с сообщением и временем исполнения.
- Бюджет проверяется до исполнения и списывается после него. Атомарность и
  лимиты: забота Budget Controller, агент свои исполнения не сериализует.
- Чекпоинты, хуки и финальный снимок выполняются best-effort: их результат фиксируется
  как domain.Outcome и попадает в метаданные, но не меняет поток управления.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-runtime/internal/capability"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"github.com/xela07ax/spaceai-agent-runtime/internal/statestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/xela07ax/spaceai-agent-runtime/internal/agent"

// OperationExecute — операция, которую агент проверяет в прикрепленном контексте
const OperationExecute = "execute"

// BudgetController — часть Budget Controller, нужная агенту.
type BudgetController interface {
	CheckBudget(ctx context.Context, id string, resource domain.ResourceType, amount float64) (bool, error)
	ConsumeBudget(ctx context.Context, id string, resource domain.ResourceType, amount float64) (*domain.ResourceUsage, error)
}

// ContextManager — часть Context Manager, нужная агенту.
type ContextManager interface {
	GetContext(ctx context.Context, id string) (*domain.AgentContext, error)
	ValidateOperation(ctx context.Context, id, op string) (bool, error)
}

// CapabilityRegistry — часть Capability Registry, нужная агенту.
type CapabilityRegistry interface {
	BindCapability(ctx context.Context, agent capability.Agent, cfg domain.CapabilityConfig) error
	UnbindAll(ctx context.Context, agent capability.Agent) int
	Invoke(ctx context.Context, agentID, tool string, args map[string]interface{}) (interface{}, error)
}

// Executor — внешний механизм исполнения промпта (LLM и т.п.).
// Возвращает строку или структурированную мапу.
type Executor interface {
	Execute(ctx context.Context, template string, execCtx map[string]interface{}, constraints domain.ResourceConstraints) (interface{}, error)
}

// ExecutorFunc адаптирует функцию к Executor
type ExecutorFunc func(ctx context.Context, template string, execCtx map[string]interface{}, constraints domain.ResourceConstraints) (interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, template string, execCtx map[string]interface{}, constraints domain.ResourceConstraints) (interface{}, error) {
	return f(ctx, template, execCtx, constraints)
}

// Deps — подключаемые подсистемы. Любая может быть nil.
type Deps struct {
	Budget   BudgetController
	Contexts ContextManager
	Registry CapabilityRegistry
	Store    statestore.Store
	Executor Executor
	Metrics  *metrics.Metrics
}

// metricCounter: сколько раз метрика прошла порог и последнее значение
type metricCounter struct {
	Passed int64
	Failed int64
	Last   float64
}

type Agent struct {
	id       string
	budgetID string
	deps     Deps
	logger   *zap.Logger
	tracer   trace.Tracer

	executions atomic.Int64

	mu           sync.RWMutex
	config       *domain.AgentConfig
	contextID    string
	state        map[string]interface{}
	capabilities map[string]capability.Tool
	counters     map[string]*metricCounter
	bindFailures []domain.Outcome
}

// New создает агента. budgetID == "": бюджет с id агента.
func New(id, budgetID string, deps Deps, logger *zap.Logger) *Agent {
	if budgetID == "" {
		budgetID = id
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Agent{
		id:           id,
		budgetID:     budgetID,
		deps:         deps,
		logger:       logger.Named("agent").With(zap.String("agent_id", id)),
		tracer:       otel.Tracer(tracerName),
		state:        make(map[string]interface{}),
		capabilities: make(map[string]capability.Tool),
		counters:     make(map[string]*metricCounter),
	}
}

func (a *Agent) AgentID() string { return a.id }

// SetCapability / RemoveCapability — capability.CapabilityTable
func (a *Agent) SetCapability(name string, t capability.Tool) {
	a.mu.Lock()
	a.capabilities[name] = t
	a.mu.Unlock()
}

func (a *Agent) RemoveCapability(name string) {
	a.mu.Lock()
	delete(a.capabilities, name)
	a.mu.Unlock()
}

// Capabilities — имена привязанных инструментов
func (a *Agent) Capabilities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.capabilities)
}

// AttachContext связывает агента с контекстом Context Manager (id == "": отвязать).
func (a *Agent) AttachContext(contextID string) {
	a.mu.Lock()
	a.contextID = contextID
	a.mu.Unlock()
}

// SetExecutor подключает внешний механизм исполнения.
func (a *Agent) SetExecutor(e Executor) {
	a.mu.Lock()
	a.deps.Executor = e
	a.mu.Unlock()
}

// Config возвращает текущую конфигурацию (nil, если не загружена).
func (a *Agent) Config() *domain.AgentConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// State — копия внутреннего состояния
func (a *Agent) State() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.state)
}

// MetricCounters — копия счетчиков метрик успеха
func (a *Agent) MetricCounters() map[string]metricCounter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]metricCounter, len(a.counters))
	for k, v := range a.counters {
		out[k] = *v
	}
	return out
}

// BindFailures — привязки, пропущенные при последней загрузке конфигурации
func (a *Agent) BindFailures() []domain.Outcome {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Outcome(nil), a.bindFailures...)
}

// ExecutionCount — число начатых исполнений
func (a *Agent) ExecutionCount() int64 { return a.executions.Load() }

// GetState — производное состояние: COMPLETED после первого исполнения, иначе IDLE.
// Незавершенные параллельные исполнения не отслеживаются.
func (a *Agent) GetState() domain.AgentState {
	if a.executions.Load() > 0 {
		return domain.AgentCompleted
	}
	return domain.AgentIdle
}

// LoadConfig валидирует и применяет конфигурацию, привязывает инструменты.
// Сбой привязки отдельного инструмента не фатален.
func (a *Agent) LoadConfig(ctx context.Context, cfg *domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.apply(ctx, cfg, nil)
	return nil
}

// ReloadConfig заменяет конфигурацию. Из прежнего состояния сохраняются только
// поля из нового RequiredFields, привязки и метрики строятся заново.
func (a *Agent) ReloadConfig(ctx context.Context, cfg *domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.RLock()
	prev := maps.Clone(a.state)
	a.mu.RUnlock()

	preserved := make(map[string]interface{})
	for _, f := range cfg.StateSchema.RequiredFields {
		if v, ok := prev[f]; ok {
			preserved[f] = v
		}
	}

	if a.deps.Registry != nil {
		a.deps.Registry.UnbindAll(ctx, a)
	}
	a.apply(ctx, cfg, preserved)
	a.logger.Info("agent config reloaded", zap.String("version", cfg.Version), zap.Int("preserved_fields", len(preserved)))
	return nil
}

func (a *Agent) apply(ctx context.Context, cfg *domain.AgentConfig, preserved map[string]interface{}) {
	state := make(map[string]interface{})
	for _, f := range cfg.StateSchema.RequiredFields {
		state[f] = nil
	}
	for _, f := range cfg.StateSchema.OutputFields {
		state[f] = nil
	}
	maps.Copy(state, preserved)

	counters := make(map[string]*metricCounter, len(cfg.SuccessMetrics))
	for _, m := range cfg.SuccessMetrics {
		counters[m.Metric] = &metricCounter{}
	}

	a.mu.Lock()
	a.config = cfg
	a.state = state
	a.counters = counters
	a.capabilities = make(map[string]capability.Tool)
	a.bindFailures = nil
	a.mu.Unlock()

	var failures []domain.Outcome
	if a.deps.Registry != nil {
		for _, cc := range cfg.Capabilities {
			if err := a.deps.Registry.BindCapability(ctx, a, cc); err != nil {
				a.logger.Warn("capability skipped", zap.String("tool", cc.Tool), zap.Error(err))
				failures = append(failures, domain.Outcome{Op: "bind:" + cc.Tool, Attempted: true, Err: err, At: time.Now().UTC()})
			}
		}
		if len(cfg.Capabilities) > 0 && len(failures) == len(cfg.Capabilities) {
			a.logger.Warn("no declared capability could be bound, agent runs with reduced functionality")
		}
	}

	a.mu.Lock()
	a.bindFailures = failures
	a.mu.Unlock()

	a.logger.Info("agent config loaded",
		zap.String("name", cfg.Name),
		zap.String("version", cfg.Version),
		zap.String("strategy", string(cfg.ExecutionStrategy)),
		zap.Int("capabilities", len(cfg.Capabilities)-len(failures)))
}

// Execute прогоняет одну задачу через протокол исполнения.
func (a *Agent) Execute(ctx context.Context, task interface{}, extContext map[string]interface{}) *domain.AgentResult {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "agent.Execute", trace.WithAttributes(attribute.String("agent.id", a.id)))
	defer span.End()

	a.mu.RLock()
	cfg := a.config
	a.mu.RUnlock()

	// 1. Конфигурация обязательна
	if cfg == nil {
		return a.finish(ctx, span, nil, start, nil, domain.ErrConfigNotLoaded, nil)
	}
	n := a.executions.Add(1)
	execID := uuid.NewString()
	span.SetAttributes(attribute.String("agent.execution_id", execID), attribute.Int64("agent.execution_number", n))
	meta := map[string]interface{}{
		domain.MetaConfigVersion:   cfg.Version,
		domain.MetaExecutionNumber: n,
		domain.MetaExecutionID:     execID,
	}

	result, err := a.run(ctx, cfg, n, task, extContext, start, meta)
	return a.finish(ctx, span, cfg, start, result, err, meta)
}

// run: шаги 2–9. Ошибка любого шага прерывает исполнение.
func (a *Agent) run(ctx context.Context, cfg *domain.AgentConfig, n int64, task interface{}, extContext map[string]interface{}, start time.Time, meta map[string]interface{}) (map[string]interface{}, error) {
	// 2. Проверка бюджета (без списания)
	if err := a.checkBudget(ctx, cfg); err != nil {
		return nil, err
	}

	// 3. Контекст исполнения
	execCtx, err := a.buildContext(ctx, n, task, extContext)
	if err != nil {
		return nil, err
	}

	a.runHook(ctx, cfg, domain.HookBeforeExecute, map[string]interface{}{"task": task}, meta)

	// 4. Исполнение
	raw, err := a.dispatch(ctx, cfg, task, execCtx)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}

	// 5. Нормализация
	result := NormalizeResult(raw, cfg.StateSchema.OutputFields)

	// 6. Обновление состояния
	if err := a.storeOutputs(cfg, result); err != nil {
		return result, err
	}

	// 7. Чекпоинт (best-effort)
	if cfg.StateSchema.CheckpointEnabled(n) {
		meta[domain.MetaCheckpoint] = a.checkpoint(ctx, cfg, n).Summary()
	}

	// 8. Списание бюджета
	if err := a.consumeBudget(ctx, result); err != nil {
		return result, err
	}

	// 9. Метрики успеха
	passed, metricResults := a.evaluateMetrics(cfg, result, time.Since(start))
	meta[domain.MetaMetricResults] = metricResults
	if !passed {
		return result, errMetricsFailed
	}
	return result, nil
}

var errMetricsFailed = errors.New("success metrics not met")

// finish собирает AgentResult (шаг 10)
func (a *Agent) finish(ctx context.Context, span trace.Span, cfg *domain.AgentConfig, start time.Time, result map[string]interface{}, err error, meta map[string]interface{}) *domain.AgentResult {
	elapsed := time.Since(start)
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta[domain.MetaExecutionTime] = elapsed.Seconds()

	res := &domain.AgentResult{
		AgentID:   a.id,
		Result:    result,
		State:     domain.AgentCompleted,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.State = domain.AgentFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if cfg != nil {
		event := domain.HookAfterExecute
		if err != nil {
			event = domain.HookOnError
		}
		payload := map[string]interface{}{"state": string(res.State), "result": result}
		if err != nil {
			payload["error"] = err.Error()
		}
		a.runHook(ctx, cfg, event, payload, meta)
	}

	a.deps.Metrics.Executions.WithLabelValues(a.id, string(res.State)).Inc()
	a.deps.Metrics.ExecutionDuration.WithLabelValues(a.id).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("agent.state", string(res.State)))

	if err != nil {
		a.logger.Warn("execution failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		a.logger.Debug("execution completed", zap.Duration("elapsed", elapsed))
	}
	return res
}

func (a *Agent) checkBudget(ctx context.Context, cfg *domain.AgentConfig) error {
	if a.deps.Budget == nil {
		return nil
	}
	checks := []struct {
		resource domain.ResourceType
		amount   float64
	}{
		{domain.ResourceLLMCalls, 1},
		{domain.ResourceLLMTokens, float64(cfg.ResourceConstraints.MaxTokens)},
	}
	for _, c := range checks {
		ok, err := a.deps.Budget.CheckBudget(ctx, a.budgetID, c.resource, c.amount)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if !ok {
			return fmt.Errorf("insufficient budget %q for %s (need %v)", a.budgetID, c.resource, c.amount)
		}
	}
	return nil
}

func (a *Agent) consumeBudget(ctx context.Context, result map[string]interface{}) error {
	if a.deps.Budget == nil {
		return nil
	}
	if _, err := a.deps.Budget.ConsumeBudget(ctx, a.budgetID, domain.ResourceLLMCalls, 1); err != nil {
		return fmt.Errorf("budget consume: %w", err)
	}
	if _, err := a.deps.Budget.ConsumeBudget(ctx, a.budgetID, domain.ResourceLLMTokens, estimateTokens(result)); err != nil {
		return fmt.Errorf("budget consume: %w", err)
	}
	return nil
}

// estimateTokens грубо оценивает токены: ~4 символа на токен
func estimateTokens(result map[string]interface{}) float64 {
	raw, err := json.Marshal(result)
	if err != nil {
		return 0
	}
	return float64(len(raw) / 4)
}

// buildContext (шаг 3): переменные прикрепленного контекста, внешний контекст,
// состояние, задача, id агента и номер исполнения.
func (a *Agent) buildContext(ctx context.Context, n int64, task interface{}, ext map[string]interface{}) (map[string]interface{}, error) {
	a.mu.RLock()
	contextID := a.contextID
	state := maps.Clone(a.state)
	caps := sortedKeys(a.capabilities)
	a.mu.RUnlock()

	execCtx := make(map[string]interface{})
	if contextID != "" && a.deps.Contexts != nil {
		ok, err := a.deps.Contexts.ValidateOperation(ctx, contextID, OperationExecute)
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", contextID, err)
		}
		if !ok {
			return nil, &domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("%q is not permitted in context %q", OperationExecute, contextID)}
		}
		c, err := a.deps.Contexts.GetContext(ctx, contextID)
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", contextID, err)
		}
		if c != nil {
			maps.Copy(execCtx, c.Variables)
			execCtx["context_id"] = c.ID
		}
	}
	maps.Copy(execCtx, ext)

	execCtx["state"] = state
	execCtx["task"] = task
	execCtx["agent_id"] = a.id
	execCtx["execution_count"] = n
	execCtx["capabilities"] = caps
	return execCtx, nil
}

func (a *Agent) dispatch(ctx context.Context, cfg *domain.AgentConfig, task interface{}, execCtx map[string]interface{}) (interface{}, error) {
	a.mu.RLock()
	executor := a.deps.Executor
	a.mu.RUnlock()

	if executor != nil {
		return executor.Execute(ctx, cfg.PromptTemplate, execCtx, cfg.ResourceConstraints)
	}
	return a.runStrategy(ctx, cfg.ExecutionStrategy, task, execCtx)
}

// storeOutputs (шаг 6): объявленные выходные поля попадают в состояние
func (a *Agent) storeOutputs(cfg *domain.AgentConfig, result map[string]interface{}) error {
	updates := make(map[string]interface{})
	for _, f := range cfg.StateSchema.OutputFields {
		v, ok := result[f]
		rule, hasRule := cfg.StateSchema.ValidationRules[f]
		if !ok {
			if hasRule && rule.Required {
				return &domain.ValidationError{Field: f, Reason: "required output is missing"}
			}
			continue
		}
		if hasRule {
			if err := validateValue(f, v, rule); err != nil {
				return err
			}
		}
		updates[f] = v
	}

	a.mu.Lock()
	maps.Copy(a.state, updates)
	a.mu.Unlock()
	return nil
}

func (a *Agent) checkpoint(ctx context.Context, cfg *domain.AgentConfig, n int64) domain.Outcome {
	out := domain.Outcome{Op: "checkpoint", At: time.Now().UTC()}
	if a.deps.Store == nil {
		return out
	}
	out.Attempted = true
	out.Err = a.deps.Store.SaveState(ctx, a.id, statestore.KindCheckpoint, a.State(), map[string]interface{}{
		domain.MetaExecutionNumber: n,
		domain.MetaConfigVersion:   cfg.Version,
	})
	if out.Err != nil {
		a.logger.Warn("checkpoint failed", zap.Int64("execution", n), zap.Error(out.Err))
	}
	return out
}

// runHook вызывает инструмент, назначенный на событие. Результат: в meta["hooks"].
func (a *Agent) runHook(ctx context.Context, cfg *domain.AgentConfig, event string, payload map[string]interface{}, meta map[string]interface{}) {
	tool, ok := cfg.Hooks[event]
	if !ok || tool == "" || a.deps.Registry == nil {
		return
	}
	args := map[string]interface{}{"event": event, "agent_id": a.id}
	maps.Copy(args, payload)

	_, err := a.deps.Registry.Invoke(ctx, a.id, tool, args)
	out := domain.Outcome{Op: "hook:" + event, Attempted: true, Err: err, At: time.Now().UTC()}
	if err != nil {
		a.logger.Warn("hook failed", zap.String("event", event), zap.String("tool", tool), zap.Error(err))
	}

	hooks, _ := meta["hooks"].([]map[string]interface{})
	meta["hooks"] = append(hooks, out.Summary())
}

// Cleanup сохраняет финальный снимок и очищает таблицы агента. Очистка
// выполняется независимо от результата записи снимка.
func (a *Agent) Cleanup(ctx context.Context) domain.Outcome {
	out := domain.Outcome{Op: "final_state", At: time.Now().UTC()}

	a.mu.RLock()
	cfg := a.config
	state := maps.Clone(a.state)
	a.mu.RUnlock()

	if a.deps.Store != nil {
		out.Attempted = true
		meta := map[string]interface{}{domain.MetaExecutionNumber: a.executions.Load()}
		if cfg != nil {
			meta[domain.MetaConfigVersion] = cfg.Version
		}
		out.Err = a.deps.Store.SaveState(ctx, a.id, statestore.KindFinal, state, meta)
		if out.Err != nil {
			a.logger.Warn("final state snapshot failed", zap.Error(out.Err))
		}
	}

	if a.deps.Registry != nil {
		a.deps.Registry.UnbindAll(ctx, a)
	}

	a.mu.Lock()
	a.state = make(map[string]interface{})
	a.capabilities = make(map[string]capability.Tool)
	a.counters = make(map[string]*metricCounter)
	a.mu.Unlock()

	a.logger.Info("agent cleaned up", zap.Bool("snapshot_saved", out.Attempted && out.Err == nil))
	return out
}
