package capability

/*
Файл registry.go реализует Capability Registry: единственную точку, через которую
агенты получают доступ к инструментам.

Ключевые особенности:
- Каталог инструментов: явный экземпляр, без глобального состояния.
- Привязка (agent, tool) создается только после проверки конфигурации и прав.
  Любое невыполненное требование: CapabilityBindingError, ничего не записано.
- Вариант обработчика разрешается один раз при привязке, в привязке хранится
  готовый Tool, обернутый в ReliabilityWrapper.
- Каждый вызов проходит аудит (LIVE/SANDBOX) и попадает в метрики.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-runtime/internal/audit"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Agent — минимальная идентичность владельца привязок.
type Agent interface {
	AgentID() string
}

// AgentRef — Agent по одному id, для вызывающих без собственной таблицы.
type AgentRef string

func (r AgentRef) AgentID() string { return string(r) }

// CapabilityTable реализуется агентами, которые держат локальную таблицу инструментов.
type CapabilityTable interface {
	SetCapability(name string, t Tool)
	RemoveCapability(name string)
}

// Auditor принимает события вызовов. Реализация не должна блокировать.
type Auditor interface {
	Record(e audit.ToolEvent)
}

// Binding — привязка инструмента к агенту.
type Binding struct {
	AgentID string
	Tool    string
	Config  domain.CapabilityConfig
	BoundAt time.Time

	tool    Tool
	wrapper *ReliabilityWrapper
}

// mirroredBinding: то, что зеркалируется в Redis (без грантов)
type mirroredBinding struct {
	Tool    string                 `json:"tool"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Sandbox bool                   `json:"sandbox"`
	BoundAt time.Time              `json:"bound_at"`
}

type Registry struct {
	rdb      *redis.Client // nil: без зеркалирования
	keys     infra.Keys
	rel      ReliabilityConfig
	auditor  Auditor
	verifier *GrantVerifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	tools    map[string]ToolDefinition
	bindings map[string]map[string]*Binding // agent → tool → binding
}

func NewRegistry(rdb *redis.Client, keys infra.Keys, rel ReliabilityConfig, auditor Auditor, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		rdb:      rdb,
		keys:     keys,
		rel:      rel,
		auditor:  auditor,
		metrics:  m,
		logger:   logger.Named("capabilities"),
		tools:    make(map[string]ToolDefinition),
		bindings: make(map[string]map[string]*Binding),
	}
}

// SetGrantVerifier включает прием подписанных грантов (GrantToken).
func (r *Registry) SetGrantVerifier(v *GrantVerifier) {
	r.mu.Lock()
	r.verifier = v
	r.mu.Unlock()
}

// RegisterTool — идемпотентный upsert в каталог. Перезапись логируется.
func (r *Registry) RegisterTool(def ToolDefinition) error {
	if err := def.validate(); err != nil {
		return &domain.ConfigurationError{Field: "tool", Reason: err.Error()}
	}
	r.mu.Lock()
	_, existed := r.tools[def.Name]
	r.tools[def.Name] = def
	r.mu.Unlock()

	if existed {
		r.logger.Warn("tool definition overwritten", zap.String("tool", def.Name))
	} else {
		r.logger.Debug("tool registered", zap.String("tool", def.Name), zap.String("category", def.Category))
	}
	return nil
}

func (r *Registry) GetTool(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// ListTools возвращает каталог, отсортированный по имени.
func (r *Registry) ListTools() []ToolDefinition {
	r.mu.RLock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ToolDefinition) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// ValidateCapability: инструмент есть, обязательные ключи config заданы,
// sandbox запрошен только для sandboxable инструмента.
func (r *Registry) ValidateCapability(cfg domain.CapabilityConfig) bool {
	_, err := r.checkConfig(cfg)
	return err == nil
}

func (r *Registry) checkConfig(cfg domain.CapabilityConfig) (ToolDefinition, error) {
	def, ok := r.GetTool(cfg.Tool)
	if !ok {
		return def, &domain.CapabilityNotFoundError{Tool: cfg.Tool}
	}
	for _, key := range def.requiredConfigKeys() {
		if _, ok := cfg.Config[key]; !ok {
			return def, &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: fmt.Sprintf("missing required config key %q", key)}
		}
	}
	if cfg.Sandbox && !def.Sandboxable {
		return def, &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: "tool is not sandboxable"}
	}
	return def, nil
}

// BindCapability проверяет конфигурацию и права, разрешает обработчик и
// регистрирует привязку. Если agent реализует CapabilityTable, инструмент
// добавляется в его таблицу.
func (r *Registry) BindCapability(ctx context.Context, agent Agent, cfg domain.CapabilityConfig) error {
	agentID := agent.AgentID()
	def, err := r.checkConfig(cfg)
	if err != nil {
		return err
	}

	if cfg.Sandbox {
		grant, err := r.effectiveGrant(cfg, agentID)
		if err != nil {
			return &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: err.Error()}
		}
		if missing := MissingPermissions(def.PermissionsRequired, grant); len(missing) > 0 {
			return &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: fmt.Sprintf("missing permissions %v", missing)}
		}
	}

	tool, err := def.Handler.resolve(ctx, cfg.Config)
	if err != nil {
		return &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: fmt.Sprintf("handler init failed: %v", err)}
	}
	if tool == nil {
		return &domain.CapabilityBindingError{Tool: cfg.Tool, Reason: "handler produced no tool"}
	}

	b := &Binding{
		AgentID: agentID,
		Tool:    cfg.Tool,
		Config:  cfg,
		BoundAt: time.Now().UTC(),
		tool:    tool,
		wrapper: NewReliabilityWrapper(agentID+"/"+cfg.Tool, tool, r.rel, r.onBreakerState),
	}

	if err := r.mirror(ctx, b); err != nil {
		closeTool(r.logger, cfg.Tool, tool)
		return err
	}

	r.mu.Lock()
	perAgent := r.bindings[agentID]
	if perAgent == nil {
		perAgent = make(map[string]*Binding)
		r.bindings[agentID] = perAgent
	}
	prev := perAgent[cfg.Tool]
	perAgent[cfg.Tool] = b
	r.mu.Unlock()

	if prev != nil {
		closeTool(r.logger, prev.Tool, prev.tool)
	}
	if table, ok := agent.(CapabilityTable); ok {
		table.SetCapability(cfg.Tool, b.wrapped(r))
	}

	r.logger.Info("capability bound",
		zap.String("agent_id", agentID),
		zap.String("tool", cfg.Tool),
		zap.Bool("sandbox", cfg.Sandbox))
	return nil
}

// effectiveGrant: подписанный грант имеет приоритет над inline permissions
func (r *Registry) effectiveGrant(cfg domain.CapabilityConfig, agentID string) (map[string]interface{}, error) {
	if cfg.GrantToken == "" {
		return cfg.Permissions, nil
	}
	r.mu.RLock()
	v := r.verifier
	r.mu.RUnlock()
	if v == nil {
		return nil, fmt.Errorf("signed grant supplied but no grant verifier configured")
	}
	claims, err := v.Verify(cfg.GrantToken, agentID)
	if err != nil {
		return nil, err
	}
	return claims.Permissions, nil
}

// UnbindCapability удаляет привязку и вызывает Close инструмента.
func (r *Registry) UnbindCapability(ctx context.Context, agent Agent, tool string) error {
	agentID := agent.AgentID()

	r.mu.Lock()
	b := r.bindings[agentID][tool]
	if b != nil {
		delete(r.bindings[agentID], tool)
		if len(r.bindings[agentID]) == 0 {
			delete(r.bindings, agentID)
		}
	}
	r.mu.Unlock()

	if b == nil {
		return &domain.CapabilityNotFoundError{Tool: tool, AgentID: agentID}
	}
	r.release(ctx, agent, b)
	return nil
}

// UnbindAll снимает все привязки агента. Возвращает число снятых.
func (r *Registry) UnbindAll(ctx context.Context, agent Agent) int {
	agentID := agent.AgentID()

	r.mu.Lock()
	perAgent := r.bindings[agentID]
	delete(r.bindings, agentID)
	r.mu.Unlock()

	for _, b := range perAgent {
		r.release(ctx, agent, b)
	}
	if r.rdb != nil {
		if err := r.rdb.Del(ctx, r.keys.Bindings(agentID)).Err(); err != nil {
			r.logger.Warn("failed to clear mirrored bindings", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return len(perAgent)
}

func (r *Registry) release(ctx context.Context, agent Agent, b *Binding) {
	if table, ok := agent.(CapabilityTable); ok {
		table.RemoveCapability(b.Tool)
	}
	closeTool(r.logger, b.Tool, b.tool)
	if r.rdb != nil {
		if err := r.rdb.HDel(ctx, r.keys.Bindings(b.AgentID), b.Tool).Err(); err != nil {
			r.logger.Warn("failed to remove mirrored binding", zap.String("agent_id", b.AgentID), zap.String("tool", b.Tool), zap.Error(err))
		}
	}
	r.logger.Info("capability unbound", zap.String("agent_id", b.AgentID), zap.String("tool", b.Tool))
}

// Bindings — имена инструментов, привязанных к агенту.
func (r *Registry) Bindings(agentID string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.bindings[agentID]))
	for name := range r.bindings[agentID] {
		out = append(out, name)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Invoke вызывает привязанный инструмент через ReliabilityWrapper с аудитом.
func (r *Registry) Invoke(ctx context.Context, agentID, tool string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	b := r.bindings[agentID][tool]
	r.mu.RUnlock()

	if b == nil {
		err := &domain.CapabilityNotFoundError{Tool: tool, AgentID: agentID}
		r.record(ctx, agentID, tool, audit.ModeLive, args, nil, audit.StatusDenied, 0, err)
		return nil, err
	}
	return b.invoke(ctx, r, args)
}

func (b *Binding) invoke(ctx context.Context, r *Registry, args map[string]interface{}) (interface{}, error) {
	mode := audit.ModeLive
	if b.Config.Sandbox {
		mode = audit.ModeSandbox
	}

	start := time.Now()
	res, attempts, err := b.wrapper.Call(WithAgentID(ctx, b.AgentID), args)
	elapsed := time.Since(start)
	r.metrics.ToolDuration.WithLabelValues(b.Tool).Observe(elapsed.Seconds())

	status := audit.StatusSuccess
	switch {
	case err == nil:
	case attempts == 0:
		// до инструмента не дошли: rate limit или разомкнутый CB
		status = audit.StatusDenied
	default:
		status = audit.StatusFailed
	}
	r.record(ctx, b.AgentID, b.Tool, mode, args, res, status, elapsed, err)

	if err != nil {
		r.logger.Warn("tool call failed",
			zap.String("agent_id", b.AgentID),
			zap.String("tool", b.Tool),
			zap.Uint("attempts", attempts),
			zap.Error(err))
		return nil, fmt.Errorf("capability %q: %w", b.Tool, err)
	}
	return res, nil
}

// wrapped возвращает Tool для таблицы агента с тем же путем аудита и надежности, что у Invoke
func (b *Binding) wrapped(r *Registry) Tool {
	return ToolFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return b.invoke(ctx, r, args)
	})
}

func (r *Registry) record(ctx context.Context, agentID, tool, mode string, args map[string]interface{}, res interface{}, status string, elapsed time.Duration, err error) {
	r.metrics.ToolCalls.WithLabelValues(tool, mode, status).Inc()
	if r.auditor == nil {
		return
	}
	e := audit.ToolEvent{
		AgentID:    agentID,
		Tool:       tool,
		Args:       args,
		Mode:       mode,
		Status:     status,
		Response:   res,
		DurationMs: elapsed.Milliseconds(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	if err != nil {
		e.Error = err.Error()
	}
	r.auditor.Record(e)
}

func (r *Registry) mirror(ctx context.Context, b *Binding) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(mirroredBinding{
		Tool:    b.Tool,
		Config:  b.Config.Config,
		Sandbox: b.Config.Sandbox,
		BoundAt: b.BoundAt,
	})
	if err != nil {
		return &domain.CapabilityBindingError{Tool: b.Tool, Reason: fmt.Sprintf("config is not serializable: %v", err)}
	}
	if err := r.rdb.HSet(ctx, r.keys.Bindings(b.AgentID), b.Tool, data).Err(); err != nil {
		return fmt.Errorf("capability: mirror binding: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Registry) onBreakerState(name string, to gobreaker.State) {
	r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	r.logger.Warn("circuit breaker state changed", zap.String("breaker", name), zap.String("state", to.String()))
}

func closeTool(logger *zap.Logger, name string, t Tool) {
	c, ok := t.(Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("tool cleanup failed", zap.String("tool", name), zap.Error(err))
	}
}
