package contextmgr

/*
Файл manager.go реализует Context Manager: изоляцию состояния исполнения агентов.

Ключевые особенности:
- Запись контекста в Redis авторитетна для состояния, временных меток, лимитов и
  наборов операций. Чтение-изменение-запись одной записи идет под WATCH.
- Разделяемые ссылки (NONE/SHALLOW) физически невозможны через сериализующее
  хранилище, поэтому менеджер держит live-таблицу мап полезной нагрузки для
  контекстов, созданных в этом процессе. GetContext подставляет в копию записи
  снимки live-мап.
- Другие реплики узнают о завершении/удалении/изменении контекста через Pub/Sub
  и сбрасывают свои live-хендлы (см. invalidation.go).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"go.uber.org/zap"
)

const maxTxAttempts = 10

// ReleaseFunc вызывается при TerminateContext(cleanup=true) до очистки private_resources.
type ReleaseFunc func(ctx context.Context, c *domain.AgentContext)

// payload: live-мапы полезной нагрузки одного контекста
type payload struct {
	variables   map[string]interface{}
	shared      map[string]interface{}
	private     map[string]interface{}
	constraints map[string]interface{}
}

type Manager struct {
	rdb     *redis.Client
	keys    infra.Keys
	logger  *zap.Logger
	metrics *metrics.Metrics

	// instanceID отличает свои сигналы инвалидации от чужих
	instanceID string

	mu        sync.RWMutex
	live      map[string]*payload
	onRelease ReleaseFunc
}

func NewManager(rdb *redis.Client, keys infra.Keys, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		rdb:        rdb,
		keys:       keys,
		logger:     logger.Named("contexts"),
		metrics:    m,
		instanceID: uuid.NewString(),
		live:       make(map[string]*payload),
	}
}

// SetReleaseHook регистрирует освобождение приватных ресурсов при terminate.
func (m *Manager) SetReleaseHook(fn ReleaseFunc) {
	m.mu.Lock()
	m.onRelease = fn
	m.mu.Unlock()
}

// CreateContext выделяет новый контекст в состоянии CREATED и индексирует его по агенту.
// Мапы из initial переходят во владение контекста без копирования.
func (m *Manager) CreateContext(ctx context.Context, agentID string, isolation domain.IsolationLevel, initial *domain.ContextData) (string, error) {
	if agentID == "" {
		return "", &domain.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	if isolation == "" {
		isolation = domain.IsolationDeep
	}
	if !isolation.Valid() {
		return "", &domain.ValidationError{Field: "isolation_level", Reason: fmt.Sprintf("unknown level %q", isolation)}
	}
	if initial == nil {
		initial = &domain.ContextData{}
	}

	now := time.Now().UTC()
	c := &domain.AgentContext{
		ID:                   uuid.NewString(),
		AgentID:              agentID,
		IsolationLevel:       isolation,
		State:                domain.ContextCreated,
		Variables:            orEmpty(initial.Variables),
		SharedResources:      orEmpty(initial.SharedResources),
		PrivateResources:     orEmpty(initial.PrivateResources),
		Constraints:          orEmpty(initial.Constraints),
		MaxExecutionTime:     initial.MaxExecutionTime,
		MaxMemory:            initial.MaxMemory,
		AllowedOperations:    slices.Clone(initial.AllowedOperations),
		RestrictedOperations: slices.Clone(initial.RestrictedOperations),
		CreatedAt:            now,
		UpdatedAt:            now,
		Metadata:             initial.Metadata,
	}

	if err := m.insert(ctx, c); err != nil {
		return "", err
	}
	m.logger.Debug("context created",
		zap.String("context_id", c.ID),
		zap.String("agent_id", agentID),
		zap.String("isolation", string(isolation)))
	return c.ID, nil
}

// ForkContext создает дочерний контекст. Наследование применяется отдельно по
// каждой категории (variables, shared_resources, constraints) при выставленном флаге:
// DEEP дает структурную копию, SHALLOW копию верхнего уровня, NONE ту же ссылку,
// SANDBOXED всегда пусто. Переопределения заменяют унаследованное целиком.
func (m *Manager) ForkContext(ctx context.Context, parentID, childAgentID string, opts domain.ForkOptions) (string, error) {
	if childAgentID == "" {
		return "", &domain.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	level := opts.IsolationLevel
	if level == "" {
		level = domain.IsolationDeep
	}
	if !level.Valid() {
		return "", &domain.ValidationError{Field: "isolation_level", Reason: fmt.Sprintf("unknown level %q", level)}
	}

	parent, err := m.load(ctx, m.rdb, parentID)
	if err != nil {
		if errors.Is(err, domain.ErrContextNotFound) {
			return "", fmt.Errorf("fork from %q: %w", parentID, domain.ErrContextNotFound)
		}
		return "", err
	}

	now := time.Now().UTC()
	child := &domain.AgentContext{
		ID:                   uuid.NewString(),
		AgentID:              childAgentID,
		ParentID:             parentID,
		IsolationLevel:       level,
		State:                domain.ContextCreated,
		PrivateResources:     map[string]interface{}{},
		MaxExecutionTime:     parent.MaxExecutionTime,
		MaxMemory:            parent.MaxMemory,
		AllowedOperations:    slices.Clone(parent.AllowedOperations),
		RestrictedOperations: slices.Clone(parent.RestrictedOperations),
		CreatedAt:            now,
		UpdatedAt:            now,
		Metadata:             opts.Metadata,
	}

	// наследуем от live-мап: при NONE ребенок получает те же объекты
	m.mu.RLock()
	m.attachLive(parent)
	child.Variables = inherit(parent.Variables, opts.InheritVariables, level)
	child.SharedResources = inherit(parent.SharedResources, opts.InheritShared, level)
	child.Constraints = inherit(parent.Constraints, opts.InheritConstraints, level)
	m.mu.RUnlock()

	if level == domain.IsolationSandboxed {
		child.MaxExecutionTime, child.MaxMemory = nil, nil
		child.AllowedOperations, child.RestrictedOperations = nil, nil
	}
	if opts.MaxExecutionTime != nil {
		child.MaxExecutionTime = opts.MaxExecutionTime
	}
	if opts.MaxMemory != nil {
		child.MaxMemory = opts.MaxMemory
	}
	if opts.AllowedOperations != nil {
		child.AllowedOperations = slices.Clone(opts.AllowedOperations)
	}
	if opts.RestrictedOperations != nil {
		child.RestrictedOperations = slices.Clone(opts.RestrictedOperations)
	}

	if err := m.insert(ctx, child); err != nil {
		return "", err
	}
	m.logger.Debug("context forked",
		zap.String("context_id", child.ID),
		zap.String("parent_id", parentID),
		zap.String("agent_id", childAgentID),
		zap.String("isolation", string(level)))
	return child.ID, nil
}

// inherit применяет правило изоляции к одной категории данных
func inherit(src map[string]interface{}, enabled bool, level domain.IsolationLevel) map[string]interface{} {
	if !enabled || level == domain.IsolationSandboxed || src == nil {
		return map[string]interface{}{}
	}
	switch level {
	case domain.IsolationNone:
		return src
	case domain.IsolationShallow:
		return shallowMap(src)
	default:
		return CloneMap(src)
	}
}

// GetContext возвращает контекст или (nil, nil), если его нет.
// Мапы полезной нагрузки отдаются копиями верхнего уровня, снятыми под блокировкой;
// вложенные значения при NONE/SHALLOW остаются общими с родителем.
func (m *Manager) GetContext(ctx context.Context, id string) (*domain.AgentContext, error) {
	c, err := m.load(ctx, m.rdb, id)
	if err != nil {
		if errors.Is(err, domain.ErrContextNotFound) {
			return nil, nil
		}
		return nil, err
	}
	m.attach(c)
	return c, nil
}

// UpdateContext сливает непустые поля update в контекст и обновляет updated_at.
func (m *Manager) UpdateContext(ctx context.Context, id string, upd domain.ContextUpdate) error {
	err := m.mutate(ctx, id, func(c *domain.AgentContext) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		p := m.live[id]
		if p == nil {
			// контекст не наш: работаем с мапами из записи
			p = &payload{variables: c.Variables, shared: c.SharedResources, private: c.PrivateResources, constraints: c.Constraints}
		}
		p.variables = merge(p.variables, upd.Variables)
		p.shared = merge(p.shared, upd.SharedResources)
		p.private = merge(p.private, upd.PrivateResources)
		p.constraints = merge(p.constraints, upd.Constraints)
		if m.live[id] != nil {
			m.live[id] = p
		}

		c.Variables, c.SharedResources, c.PrivateResources, c.Constraints = p.variables, p.shared, p.private, p.constraints
		c.Metadata = merge(c.Metadata, upd.Metadata)
		if upd.MaxExecutionTime != nil {
			c.MaxExecutionTime = upd.MaxExecutionTime
		}
		if upd.MaxMemory != nil {
			c.MaxMemory = upd.MaxMemory
		}
		if upd.AllowedOperations != nil {
			c.AllowedOperations = slices.Clone(upd.AllowedOperations)
		}
		if upd.RestrictedOperations != nil {
			c.RestrictedOperations = slices.Clone(upd.RestrictedOperations)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.publishInvalidation(ctx, id)
	return nil
}

// ActivateContext: CREATED → ACTIVE
func (m *Manager) ActivateContext(ctx context.Context, id string) error {
	return m.transition(ctx, id, domain.ContextActive)
}

// SuspendContext: ACTIVE → SUSPENDED
func (m *Manager) SuspendContext(ctx context.Context, id string) error {
	return m.transition(ctx, id, domain.ContextSuspended)
}

// ResumeContext: SUSPENDED → ACTIVE
func (m *Manager) ResumeContext(ctx context.Context, id string) error {
	return m.transition(ctx, id, domain.ContextActive)
}

func (m *Manager) CompleteContext(ctx context.Context, id string) error {
	return m.transition(ctx, id, domain.ContextCompleted)
}

func (m *Manager) FailContext(ctx context.Context, id string) error {
	return m.transition(ctx, id, domain.ContextFailed)
}

// TerminateContext переводит контекст в TERMINATED. Повторный terminate: no-op.
// cleanup=true вызывает release-хук и очищает private_resources.
func (m *Manager) TerminateContext(ctx context.Context, id string, cleanup bool) error {
	var (
		already  bool
		snapshot *domain.AgentContext
	)
	err := m.mutate(ctx, id, func(c *domain.AgentContext) error {
		if c.State == domain.ContextTerminated {
			already = true
			return errNoChange
		}
		if !c.State.CanTransitionTo(domain.ContextTerminated) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.State, domain.ContextTerminated)
		}
		c.State = domain.ContextTerminated
		if cleanup {
			snap := *c
			snapshot = &snap
			c.PrivateResources = map[string]interface{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	m.metrics.ContextTransitions.WithLabelValues(string(domain.ContextTerminated)).Inc()
	if cleanup {
		m.mu.Lock()
		release := m.onRelease
		if p := m.live[id]; p != nil {
			p.private = map[string]interface{}{}
		}
		m.mu.Unlock()
		if release != nil && snapshot != nil {
			release(ctx, snapshot)
		}
	}
	m.publishInvalidation(ctx, id)
	m.logger.Info("context terminated", zap.String("context_id", id), zap.Bool("cleanup", cleanup))
	return nil
}

// GetChildContexts возвращает прямых потомков (в порядке создания не гарантируется).
func (m *Manager) GetChildContexts(ctx context.Context, parentID string) ([]*domain.AgentContext, error) {
	return m.collect(ctx, parentID, m.keys.ContextChildren(parentID))
}

// GetAgentContexts возвращает все контексты агента.
func (m *Manager) GetAgentContexts(ctx context.Context, agentID string) ([]*domain.AgentContext, error) {
	return m.collect(ctx, agentID, m.keys.AgentContexts(agentID))
}

func (m *Manager) collect(ctx context.Context, owner, indexKey string) ([]*domain.AgentContext, error) {
	ids, err := m.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, storeErr(owner, err)
	}
	slices.Sort(ids)

	out := make([]*domain.AgentContext, 0, len(ids))
	for _, id := range ids {
		c, err := m.GetContext(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// ValidateOperation: restricted всегда сильнее allowed, пустой allowed разрешает всё.
// Для отсутствующего контекста: (false, ErrContextNotFound).
func (m *Manager) ValidateOperation(ctx context.Context, id, op string) (bool, error) {
	c, err := m.load(ctx, m.rdb, id)
	if err != nil {
		return false, err
	}
	return c.Permits(op), nil
}

// CleanupCompletedContexts удаляет COMPLETED/TERMINATED контексты, обновленные
// раньше now-retention, вместе со всеми индексами. Возвращает число удаленных.
func (m *Manager) CleanupCompletedContexts(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	ids, err := m.rdb.ZRangeByScore(ctx, m.keys.ContextsUpdated(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, storeErr("gc", err)
	}

	removed := 0
	for _, id := range ids {
		c, err := m.load(ctx, m.rdb, id)
		if err != nil {
			if errors.Is(err, domain.ErrContextNotFound) {
				// осиротевшая запись индекса
				m.rdb.ZRem(ctx, m.keys.ContextsUpdated(), id)
				continue
			}
			m.logger.Warn("gc: skip unreadable context", zap.String("context_id", id), zap.Error(err))
			continue
		}
		if !c.State.Finished() {
			continue
		}

		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, m.keys.Context(id), m.keys.ContextChildren(id))
			pipe.SRem(ctx, m.keys.AgentContexts(c.AgentID), id)
			if c.ParentID != "" {
				pipe.SRem(ctx, m.keys.ContextChildren(c.ParentID), id)
			}
			pipe.ZRem(ctx, m.keys.ContextsUpdated(), id)
			return nil
		})
		if err != nil {
			return removed, storeErr("gc", err)
		}

		m.drop(id)
		m.publishInvalidation(ctx, id)
		m.metrics.ContextsCollected.Inc()
		removed++
	}

	if removed > 0 {
		m.logger.Info("finished contexts collected", zap.Int("count", removed), zap.Duration("retention", retention))
	}
	return removed, nil
}

// RunGC периодически собирает мусор до отмены ctx.
func (m *Manager) RunGC(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupCompletedContexts(ctx, retention); err != nil {
				m.logger.Error("context gc failed", zap.Error(err))
			}
		}
	}
}

// --- внутреннее ---

var errNoChange = errors.New("no change")

func (m *Manager) transition(ctx context.Context, id string, target domain.ContextState) error {
	err := m.mutate(ctx, id, func(c *domain.AgentContext) error {
		if !c.State.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.State, target)
		}
		c.State = target
		return nil
	})
	if err != nil {
		return err
	}
	m.metrics.ContextTransitions.WithLabelValues(string(target)).Inc()
	return nil
}

// mutate: оптимистичный read-modify-write одной записи под WATCH.
// fn может вернуть errNoChange, тогда запись не трогаем.
func (m *Manager) mutate(ctx context.Context, id string, fn func(c *domain.AgentContext) error) error {
	key := m.keys.Context(id)

	txf := func(tx *redis.Tx) error {
		c, err := m.load(ctx, tx, id)
		if err != nil {
			return err
		}
		m.attach(c)
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()

		m.mu.RLock()
		data, err := json.Marshal(c)
		m.mu.RUnlock()
		if err != nil {
			return &domain.ContextIsolationError{ContextID: id, Err: err}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, m.keys.ContextsUpdated(), redis.Z{Score: float64(c.UpdatedAt.UnixMilli()), Member: id})
			return nil
		})
		return err
	}

	for range maxTxAttempts {
		err := m.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil, errors.Is(err, errNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case isDomainErr(err):
			return err
		default:
			return storeErr(id, err)
		}
	}
	return &domain.ContextIsolationError{ContextID: id, Err: errors.New("too many concurrent updates")}
}

func isDomainErr(err error) bool {
	var iso *domain.ContextIsolationError
	return errors.Is(err, domain.ErrContextNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.As(err, &iso)
}

// load читает и декодирует запись. Отсутствие: ErrContextNotFound.
func (m *Manager) load(ctx context.Context, r redis.Cmdable, id string) (*domain.AgentContext, error) {
	raw, err := r.Get(ctx, m.keys.Context(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("context %q: %w", id, domain.ErrContextNotFound)
		}
		return nil, storeErr(id, err)
	}
	var c domain.AgentContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &domain.ContextIsolationError{ContextID: id, Err: fmt.Errorf("corrupt record: %w", err)}
	}
	return &c, nil
}

func (m *Manager) insert(ctx context.Context, c *domain.AgentContext) error {
	m.mu.Lock()
	m.live[c.ID] = &payload{
		variables:   c.Variables,
		shared:      c.SharedResources,
		private:     c.PrivateResources,
		constraints: c.Constraints,
	}
	data, err := json.Marshal(c)
	m.mu.Unlock()
	if err != nil {
		m.drop(c.ID)
		return &domain.ContextIsolationError{ContextID: c.ID, Err: err}
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.keys.Context(c.ID), data, 0)
		pipe.SAdd(ctx, m.keys.AgentContexts(c.AgentID), c.ID)
		if c.ParentID != "" {
			pipe.SAdd(ctx, m.keys.ContextChildren(c.ParentID), c.ID)
		}
		pipe.ZAdd(ctx, m.keys.ContextsUpdated(), redis.Z{Score: float64(c.UpdatedAt.UnixMilli()), Member: c.ID})
		return nil
	})
	if err != nil {
		m.drop(c.ID)
		return storeErr(c.ID, err)
	}
	m.metrics.ContextTransitions.WithLabelValues(string(domain.ContextCreated)).Inc()
	return nil
}

// attach подставляет снимок live-мап, если контекст создан в этом процессе.
// UpdateContext пишет в live-мапы под m.mu, поэтому наружу уходят только копии.
func (m *Manager) attach(c *domain.AgentContext) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.live[c.ID]; ok {
		c.Variables, c.SharedResources = maps.Clone(p.variables), maps.Clone(p.shared)
		c.PrivateResources, c.Constraints = maps.Clone(p.private), maps.Clone(p.constraints)
	}
}

// attachLive подставляет сами live-мапы. Вызывающий держит m.mu.
func (m *Manager) attachLive(c *domain.AgentContext) {
	if p, ok := m.live[c.ID]; ok {
		c.Variables, c.SharedResources, c.PrivateResources, c.Constraints = p.variables, p.shared, p.private, p.constraints
	}
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

func merge(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func storeErr(id string, err error) error {
	return &domain.ContextIsolationError{ContextID: id, Err: fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)}
}
