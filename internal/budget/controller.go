package budget

/*
Файл controller.go реализует Budget Controller: иерархический учет ресурсов агентов.

Ключевые особенности:
- Атомарность consume: проверка жесткого лимита и инкремент выполняются одним
  Lua-скриптом на стороне Redis, без клиентских блокировок. Конкурентные потребители
  одного бюджета (в т.ч. из разных процессов) не могут превысить hard limit.
- Счетчики usage живут в отдельном hash и адресуются независимо от записи бюджета.
- Иерархия: parent→children (set) и child→parent (string). Инвариант child ≤ parent
  проверяется один раз, при создании дочернего бюджета.
- Ошибки Redis отдаются вызывающему как ErrStoreUnavailable и не ретраятся.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"go.uber.org/zap"
)

// maxTxAttempts: сколько раз повторяем оптимистичную транзакцию при конфликте WATCH
const maxTxAttempts = 10

type Controller struct {
	rdb     *redis.Client
	keys    infra.Keys
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewController(rdb *redis.Client, keys infra.Keys, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Controller{
		rdb:     rdb,
		keys:    keys,
		logger:  logger.Named("budget"),
		metrics: m,
	}
}

// CreateBudget сохраняет лимиты и обнуляет счетчик по каждому типу ресурса.
// Существующий id: ConfigurationError (сначала DeleteBudget).
func (c *Controller) CreateBudget(ctx context.Context, id string, cfg domain.BudgetConfig) (*domain.Budget, error) {
	return c.create(ctx, id, "", cfg)
}

// create пишет запись через SETNX, затем одной транзакцией счетчики и, для
// дочернего бюджета, связь с родителем. Сбой транзакции откатывает запись.
func (c *Controller) create(ctx context.Context, id, parentID string, cfg domain.BudgetConfig) (*domain.Budget, error) {
	if id == "" {
		return nil, &domain.ConfigurationError{Field: "id", Reason: "budget id is required"}
	}
	if err := validateLimits(cfg.Limits); err != nil {
		return nil, err
	}

	b := &domain.Budget{
		ID:        id,
		Limits:    slices.Clone(cfg.Limits),
		Owner:     cfg.Owner,
		CreatedAt: time.Now().UTC(),
		Metadata:  cfg.Metadata,
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("budget: encode %s: %w", id, err)
	}

	// SETNX гарантирует уникальность id даже при гонке двух создателей
	created, err := c.rdb.SetNX(ctx, c.keys.Budget(id), data, 0).Result()
	if err != nil {
		return nil, storeErr("create", err)
	}
	if !created {
		return nil, &domain.ConfigurationError{Field: "id", Reason: fmt.Sprintf("budget %q already exists", id)}
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.keys.BudgetLimits(id), c.keys.BudgetUsage(id))
		if fields := limitFields(b.Limits); len(fields) > 0 {
			pipe.HSet(ctx, c.keys.BudgetLimits(id), fields)
		}
		for _, l := range b.Limits {
			pipe.HSet(ctx, c.keys.BudgetUsage(id), string(l.Resource), "0")
		}
		if parentID != "" {
			pipe.SAdd(ctx, c.keys.BudgetChildren(parentID), id)
			pipe.Set(ctx, c.keys.BudgetParent(id), parentID, 0)
		}
		return nil
	})
	if err != nil {
		// Откатываем запись, чтобы id можно было создать повторно
		if delErr := c.rdb.Del(context.Background(), c.keys.Budget(id)).Err(); delErr != nil {
			c.logger.Error("failed to roll back budget record", zap.String("budget_id", id), zap.Error(delErr))
		}
		return nil, storeErr("init counters", err)
	}

	c.logger.Info("budget created",
		zap.String("budget_id", id),
		zap.String("owner", b.Owner),
		zap.Int("limits", len(b.Limits)))
	return b, nil
}

// GetBudget возвращает запись бюджета (без usage).
func (c *Controller) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	raw, err := c.rdb.Get(ctx, c.keys.Budget(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("budget %q: %w", id, domain.ErrBudgetNotFound)
		}
		return nil, storeErr("get", err)
	}
	var b domain.Budget
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("budget: corrupt record %q: %w", id, err)
	}
	return &b, nil
}

// CheckBudget отвечает, уложится ли current+amount в жесткий лимит. Побочных эффектов нет.
// Ресурс без hard limit считается безлимитным.
func (c *Controller) CheckBudget(ctx context.Context, id string, resource domain.ResourceType, amount float64) (bool, error) {
	var (
		exists *redis.IntCmd
		used   *redis.StringCmd
		hard   *redis.StringCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, c.keys.Budget(id))
		used = pipe.HGet(ctx, c.keys.BudgetUsage(id), string(resource))
		hard = pipe.HGet(ctx, c.keys.BudgetLimits(id), hardField(resource))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, storeErr("check", err)
	}
	if exists.Val() == 0 {
		return false, fmt.Errorf("budget %q: %w", id, domain.ErrBudgetNotFound)
	}

	limit := hard.Val()
	if limit == "" {
		return true, nil
	}
	return parseFloat(used.Val())+amount <= parseFloat(limit), nil
}

// ConsumeBudget — основной примитив корректности. Вся логика "прочитать, сложить,
// сравнить с hard limit, записать" выполняется одним скриптом.
func (c *Controller) ConsumeBudget(ctx context.Context, id string, resource domain.ResourceType, amount float64) (*domain.ResourceUsage, error) {
	if amount < 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	keys := []string{c.keys.Budget(id), c.keys.BudgetLimits(id), c.keys.BudgetUsage(id)}
	reply, err := consumeScript.Run(ctx, c.rdb, keys, string(resource), formatFloat(amount)).StringSlice()
	if err != nil {
		return nil, storeErr("consume", err)
	}
	if len(reply) < 4 {
		return nil, fmt.Errorf("budget: unexpected consume reply %v", reply)
	}

	status, total, hard, soft := reply[0], parseFloat(reply[1]), reply[2], reply[3]
	switch status {
	case statusMissing:
		return nil, fmt.Errorf("budget %q: %w", id, domain.ErrBudgetNotFound)
	case statusExceeded:
		c.metrics.BudgetRejected.WithLabelValues(string(resource)).Inc()
		return nil, &domain.BudgetExceededError{
			BudgetID:  id,
			Resource:  resource,
			Attempted: total,
			Limit:     parseFloat(hard),
		}
	}

	c.metrics.BudgetConsumed.WithLabelValues(string(resource)).Add(amount)
	usage := snapshot(id, resource, total, hard, soft)
	if status == statusSoft {
		c.metrics.BudgetSoftLimit.WithLabelValues(string(resource)).Inc()
		c.logger.Warn("soft budget limit exceeded",
			zap.String("budget_id", id),
			zap.String("resource", string(resource)),
			zap.Float64("used", total),
			zap.String("soft_limit", soft))
	}
	return &usage, nil
}

// GetUsage возвращает снимки счетчиков; resource == "": все ресурсы бюджета.
func (c *Controller) GetUsage(ctx context.Context, id string, resource domain.ResourceType) ([]domain.ResourceUsage, error) {
	var (
		exists *redis.IntCmd
		usage  *redis.MapStringStringCmd
		limits *redis.MapStringStringCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, c.keys.Budget(id))
		usage = pipe.HGetAll(ctx, c.keys.BudgetUsage(id))
		limits = pipe.HGetAll(ctx, c.keys.BudgetLimits(id))
		return nil
	})
	if err != nil {
		return nil, storeErr("usage", err)
	}
	if exists.Val() == 0 {
		return nil, fmt.Errorf("budget %q: %w", id, domain.ErrBudgetNotFound)
	}

	used, lim := usage.Val(), limits.Val()
	if resource != "" {
		r := string(resource)
		return []domain.ResourceUsage{
			snapshot(id, resource, parseFloat(used[r]), lim[hardField(resource)], lim[softField(resource)]),
		}, nil
	}

	names := make([]string, 0, len(used))
	for r := range used {
		names = append(names, r)
	}
	slices.Sort(names)

	out := make([]domain.ResourceUsage, 0, len(names))
	for _, r := range names {
		rt := domain.ResourceType(r)
		out = append(out, snapshot(id, rt, parseFloat(used[r]), lim[hardField(rt)], lim[softField(rt)]))
	}
	return out, nil
}

// ResetBudget обнуляет счетчик ресурса (или все счетчики при resource == "").
func (c *Controller) ResetBudget(ctx context.Context, id string, resource domain.ResourceType) error {
	b, err := c.GetBudget(ctx, id)
	if err != nil {
		return err
	}

	fields := make(map[string]interface{})
	if resource != "" {
		fields[string(resource)] = "0"
	} else {
		names, err := c.rdb.HKeys(ctx, c.keys.BudgetUsage(id)).Result()
		if err != nil {
			return storeErr("reset", err)
		}
		for _, n := range names {
			fields[n] = "0"
		}
		for _, l := range b.Limits {
			fields[string(l.Resource)] = "0"
		}
	}
	if len(fields) == 0 {
		return nil
	}

	if err := c.rdb.HSet(ctx, c.keys.BudgetUsage(id), fields).Err(); err != nil {
		return storeErr("reset", err)
	}
	c.logger.Info("budget usage reset", zap.String("budget_id", id), zap.String("resource", string(resource)))
	return nil
}

// SetLimit заменяет лимит с тем же (resource, period, hard) или добавляет новый.
// Запись и hash лимитов меняются в одной MULTI-транзакции под WATCH.
func (c *Controller) SetLimit(ctx context.Context, id string, limit domain.ResourceLimit) error {
	if err := validateLimits([]domain.ResourceLimit{limit}); err != nil {
		return err
	}
	key := c.keys.Budget(id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("budget %q: %w", id, domain.ErrBudgetNotFound)
			}
			return err
		}
		var b domain.Budget
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("budget: corrupt record %q: %w", id, err)
		}

		replaced := false
		for i, l := range b.Limits {
			if l.Resource == limit.Resource && l.Period == limit.Period && l.Hard == limit.Hard {
				b.Limits[i] = limit
				replaced = true
			}
		}
		if !replaced {
			b.Limits = append(b.Limits, limit)
		}
		data, err := json.Marshal(&b)
		if err != nil {
			return err
		}

		fields := limitFields(b.LimitsFor(limit.Resource))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.HDel(ctx, c.keys.BudgetLimits(id), hardField(limit.Resource), softField(limit.Resource))
			pipe.HSet(ctx, c.keys.BudgetLimits(id), fields)
			pipe.HSetNX(ctx, c.keys.BudgetUsage(id), string(limit.Resource), "0")
			return nil
		})
		return err
	}

	for range maxTxAttempts {
		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // конкурентная правка записи: перечитываем
		}
		if err != nil {
			var cfgErr *domain.ConfigurationError
			if errors.Is(err, domain.ErrBudgetNotFound) || errors.As(err, &cfgErr) {
				return err
			}
			return storeErr("set limit", err)
		}
		c.logger.Info("budget limit updated",
			zap.String("budget_id", id),
			zap.String("resource", string(limit.Resource)),
			zap.Float64("limit", limit.Limit),
			zap.Bool("hard", limit.Hard))
		return nil
	}
	return fmt.Errorf("budget: set limit %q: too many concurrent updates", id)
}

// CreateChildBudget проверяет каждый лимит ребенка против ВСЕХ лимитов родителя
// того же ресурса. Превышение: ValidationError, значения не обрезаются.
func (c *Controller) CreateChildBudget(ctx context.Context, parentID, childID string, cfg domain.BudgetConfig) (*domain.Budget, error) {
	parent, err := c.GetBudget(ctx, parentID)
	if err != nil {
		return nil, err
	}

	for _, cl := range cfg.Limits {
		for _, pl := range parent.LimitsFor(cl.Resource) {
			if cl.Limit > pl.Limit {
				return nil, &domain.ValidationError{
					Field: string(cl.Resource),
					Reason: fmt.Sprintf("child limit %s exceeds parent %q limit %s",
						formatFloat(cl.Limit), parentID, formatFloat(pl.Limit)),
				}
			}
		}
	}

	child, err := c.create(ctx, childID, parentID, cfg)
	if err != nil {
		return nil, err
	}

	c.logger.Info("child budget created", zap.String("parent_id", parentID), zap.String("budget_id", childID))
	return child, nil
}

// GetParent возвращает id родителя ("" для корня).
func (c *Controller) GetParent(ctx context.Context, id string) (string, error) {
	parent, err := c.rdb.Get(ctx, c.keys.BudgetParent(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", storeErr("parent", err)
	}
	return parent, nil
}

// GetBudgetHierarchy рекурсивно восстанавливает поддерево с корнем id.
// Связи добавляются только при создании, поэтому циклов быть не может;
// visited защищает от битых данных.
func (c *Controller) GetBudgetHierarchy(ctx context.Context, id string) (*domain.BudgetHierarchy, error) {
	return c.hierarchy(ctx, id, make(map[string]struct{}))
}

func (c *Controller) hierarchy(ctx context.Context, id string, visited map[string]struct{}) (*domain.BudgetHierarchy, error) {
	if _, seen := visited[id]; seen {
		return nil, fmt.Errorf("budget: hierarchy cycle detected at %q", id)
	}
	visited[id] = struct{}{}

	b, err := c.GetBudget(ctx, id)
	if err != nil {
		return nil, err
	}
	usage, err := c.GetUsage(ctx, id, "")
	if err != nil {
		return nil, err
	}

	children, err := c.rdb.SMembers(ctx, c.keys.BudgetChildren(id)).Result()
	if err != nil {
		return nil, storeErr("children", err)
	}
	slices.Sort(children)

	node := &domain.BudgetHierarchy{Budget: b, Usage: usage}
	for _, childID := range children {
		sub, err := c.hierarchy(ctx, childID, visited)
		if err != nil {
			if errors.Is(err, domain.ErrBudgetNotFound) {
				c.logger.Warn("dangling child budget reference", zap.String("parent_id", id), zap.String("budget_id", childID))
				continue
			}
			return nil, err
		}
		node.Children = append(node.Children, sub)
	}
	return node, nil
}

// DeleteBudget удаляет запись, лимиты, счетчики и все свои индексы.
// Дети становятся корнями (их parent-указатель удаляется).
func (c *Controller) DeleteBudget(ctx context.Context, id string) error {
	if _, err := c.GetBudget(ctx, id); err != nil {
		return err
	}
	parent, err := c.GetParent(ctx, id)
	if err != nil {
		return err
	}
	children, err := c.rdb.SMembers(ctx, c.keys.BudgetChildren(id)).Result()
	if err != nil {
		return storeErr("delete", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			c.keys.Budget(id),
			c.keys.BudgetLimits(id),
			c.keys.BudgetUsage(id),
			c.keys.BudgetChildren(id),
			c.keys.BudgetParent(id),
		)
		if parent != "" {
			pipe.SRem(ctx, c.keys.BudgetChildren(parent), id)
		}
		for _, child := range children {
			pipe.Del(ctx, c.keys.BudgetParent(child))
		}
		return nil
	})
	if err != nil {
		return storeErr("delete", err)
	}

	c.logger.Info("budget deleted", zap.String("budget_id", id), zap.Int("orphaned_children", len(children)))
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("budget: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
