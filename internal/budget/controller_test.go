package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"go.uber.org/zap"
)

func newTestController(t *testing.T) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewController(rdb, infra.NewKeys("test"), nil, zap.NewNop()), mr
}

func hardLimit(r domain.ResourceType, v float64) domain.ResourceLimit {
	return domain.ResourceLimit{Resource: r, Limit: v, Hard: true}
}

func TestCreateBudget_DuplicateRejected(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "b1", domain.BudgetConfig{Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 10)}})
	require.NoError(t, err)

	_, err = c.CreateBudget(ctx, "b1", domain.BudgetConfig{})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	usage, err := c.GetUsage(ctx, "b1", domain.ResourceLLMCalls)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Zero(t, usage[0].Used)
	assert.Equal(t, 10.0, usage[0].Limit)
	assert.Equal(t, 10.0, usage[0].Remaining)
}

func TestConsumeBudget_ConcurrentNeverOverspends(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "shared", domain.BudgetConfig{
		Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMTokens, 100)},
	})
	require.NoError(t, err)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
		other    []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ConsumeBudget(ctx, "shared", domain.ResourceLLMTokens, 10)
			mu.Lock()
			defer mu.Unlock()
			var be *domain.BudgetExceededError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &be):
				exceeded++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, exceeded)

	usage, err := c.GetUsage(ctx, "shared", domain.ResourceLLMTokens)
	require.NoError(t, err)
	assert.Equal(t, 100.0, usage[0].Used)
}

func TestConsumeBudget_HardLimitLeavesUsageUnchanged(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "b", domain.BudgetConfig{Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 5)}})
	require.NoError(t, err)

	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 4)
	require.NoError(t, err)

	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 2)
	var be *domain.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.ResourceLLMCalls, be.Resource)
	assert.Equal(t, 6.0, be.Attempted)
	assert.Equal(t, 5.0, be.Limit)

	usage, err := c.GetUsage(ctx, "b", domain.ResourceLLMCalls)
	require.NoError(t, err)
	assert.Equal(t, 4.0, usage[0].Used)

	// ровно до лимита: разрешено
	u, err := c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, u.Used)
	assert.Zero(t, u.Remaining)
}

func TestConsumeBudget_SoftLimitPersists(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "soft", domain.BudgetConfig{Limits: []domain.ResourceLimit{
		{Resource: domain.ResourceLLMCost, Limit: 1, Hard: false},
	}})
	require.NoError(t, err)

	u, err := c.ConsumeBudget(ctx, "soft", domain.ResourceLLMCost, 1.5)
	require.NoError(t, err)
	assert.True(t, u.SoftLimitExceeded)
	assert.Equal(t, 1.5, u.Used)

	ok, err := c.CheckBudget(ctx, "soft", domain.ResourceLLMCost, 1000)
	require.NoError(t, err)
	assert.True(t, ok, "soft limits never block")
}

func TestConsumeBudget_Errors(t *testing.T) {
	c, mr := newTestController(t)
	ctx := context.Background()

	_, err := c.ConsumeBudget(ctx, "missing", domain.ResourceLLMCalls, 1)
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)

	_, err = c.ConsumeBudget(ctx, "missing", domain.ResourceLLMCalls, -1)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	mr.Close()
	_, err = c.ConsumeBudget(ctx, "any", domain.ResourceLLMCalls, 1)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestCheckBudget(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "b", domain.BudgetConfig{Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 2)}})
	require.NoError(t, err)

	ok, err := c.CheckBudget(ctx, "b", domain.ResourceLLMCalls, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CheckBudget(ctx, "b", domain.ResourceLLMCalls, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	// без лимита: безлимитно
	ok, err = c.CheckBudget(ctx, "b", domain.ResourceMemory, 1e9)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.CheckBudget(ctx, "nope", domain.ResourceLLMCalls, 1)
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)
}

func TestCreateChildBudget_RejectsInsteadOfClamping(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "parent", domain.BudgetConfig{Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMTokens, 100)}})
	require.NoError(t, err)

	_, err = c.CreateChildBudget(ctx, "parent", "too-big", domain.BudgetConfig{
		Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMTokens, 150)},
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = c.GetBudget(ctx, "too-big")
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)

	child, err := c.CreateChildBudget(ctx, "parent", "child", domain.BudgetConfig{
		Limits: []domain.ResourceLimit{
			hardLimit(domain.ResourceLLMTokens, 50),
			hardLimit(domain.ResourceLLMCalls, 1000), // у родителя нет ограничения
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "child", child.ID)

	parent, err := c.GetParent(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", parent)

	tree, err := c.GetBudgetHierarchy(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "child", tree.Children[0].Budget.ID)
	assert.Len(t, tree.Children[0].Usage, 2)
}

func TestCreateChildBudget_MissingParent(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.CreateChildBudget(context.Background(), "ghost", "child", domain.BudgetConfig{})
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)
}

// failLinkOnce роняет первую транзакцию, которая пишет связь с родителем
type failLinkOnce struct{ failed atomic.Bool }

func (h *failLinkOnce) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failLinkOnce) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failLinkOnce) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "sadd" && h.failed.CompareAndSwap(false, true) {
				return errors.New("connection reset by peer")
			}
		}
		return next(ctx, cmds)
	}
}

func TestCreateChildBudget_FailedLinkLeavesNoOrphan(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "parent", domain.BudgetConfig{})
	require.NoError(t, err)

	hook := &failLinkOnce{}
	c.rdb.AddHook(hook)

	_, err = c.CreateChildBudget(ctx, "parent", "child", domain.BudgetConfig{
		Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 5)},
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.True(t, hook.failed.Load())

	_, err = c.GetBudget(ctx, "child")
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)
	tree, err := c.GetBudgetHierarchy(ctx, "parent")
	require.NoError(t, err)
	assert.Empty(t, tree.Children)

	// повтор с тем же id проходит
	_, err = c.CreateChildBudget(ctx, "parent", "child", domain.BudgetConfig{
		Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 5)},
	})
	require.NoError(t, err)
	parent, err := c.GetParent(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", parent)
}

func TestResetBudget(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "b", domain.BudgetConfig{Limits: []domain.ResourceLimit{
		hardLimit(domain.ResourceLLMCalls, 10),
		hardLimit(domain.ResourceLLMTokens, 10),
	}})
	require.NoError(t, err)
	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 3)
	require.NoError(t, err)
	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMTokens, 7)
	require.NoError(t, err)

	require.NoError(t, c.ResetBudget(ctx, "b", domain.ResourceLLMCalls))
	usage, err := c.GetUsage(ctx, "b", "")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Zero(t, usage[0].Used)       // LLM_CALLS
	assert.Equal(t, 7.0, usage[1].Used) // LLM_TOKENS

	require.NoError(t, c.ResetBudget(ctx, "b", ""))
	usage, err = c.GetUsage(ctx, "b", "")
	require.NoError(t, err)
	for _, u := range usage {
		assert.Zero(t, u.Used, u.Resource)
	}
}

func TestSetLimit(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "b", domain.BudgetConfig{Limits: []domain.ResourceLimit{hardLimit(domain.ResourceLLMCalls, 1)}})
	require.NoError(t, err)
	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 1)
	require.NoError(t, err)

	require.NoError(t, c.SetLimit(ctx, "b", hardLimit(domain.ResourceLLMCalls, 3)))
	_, err = c.ConsumeBudget(ctx, "b", domain.ResourceLLMCalls, 2)
	require.NoError(t, err)

	b, err := c.GetBudget(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b.Limits, 1)
	assert.Equal(t, 3.0, b.Limits[0].Limit)

	// новый ресурс добавляется, счетчик появляется
	require.NoError(t, c.SetLimit(ctx, "b", hardLimit(domain.ResourceToolCalls, 5)))
	usage, err := c.GetUsage(ctx, "b", domain.ResourceToolCalls)
	require.NoError(t, err)
	assert.Equal(t, 5.0, usage[0].Limit)

	err = c.SetLimit(ctx, "ghost", hardLimit(domain.ResourceLLMCalls, 1))
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)
}

func TestDeleteBudget(t *testing.T) {
	c, mr := newTestController(t)
	ctx := context.Background()

	_, err := c.CreateBudget(ctx, "root", domain.BudgetConfig{})
	require.NoError(t, err)
	_, err = c.CreateChildBudget(ctx, "root", "mid", domain.BudgetConfig{})
	require.NoError(t, err)
	_, err = c.CreateChildBudget(ctx, "mid", "leaf", domain.BudgetConfig{})
	require.NoError(t, err)

	require.NoError(t, c.DeleteBudget(ctx, "mid"))

	_, err = c.GetBudget(ctx, "mid")
	require.ErrorIs(t, err, domain.ErrBudgetNotFound)

	members, err := mr.Members("test:budget:root:children")
	if err == nil {
		assert.NotContains(t, members, "mid")
	}

	parent, err := c.GetParent(ctx, "leaf")
	require.NoError(t, err)
	assert.Empty(t, parent)

	// id можно переиспользовать
	_, err = c.CreateBudget(ctx, "mid", domain.BudgetConfig{})
	require.NoError(t, err)

	require.ErrorIs(t, c.DeleteBudget(ctx, "ghost"), domain.ErrBudgetNotFound)
}
