package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/agent"
	"github.com/xela07ax/spaceai-agent-runtime/internal/contextmgr"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/statestore"
	"go.uber.org/zap"
)

func config(name, version string) *domain.AgentConfig {
	return &domain.AgentConfig{
		Name:                name,
		Type:                "test",
		Version:             version,
		PromptTemplate:      "do {{.task}}",
		StateSchema:         domain.StateSchema{OutputFields: []string{"results"}},
		ResourceConstraints: domain.ResourceConstraints{MaxTokens: 10, TimeoutSeconds: 5},
	}
}

func newService(t *testing.T) (*AgentService, *contextmgr.Manager, *statestore.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cm := contextmgr.NewManager(rdb, infra.NewKeys("test"), nil, zap.NewNop())
	store := statestore.NewMemory()
	deps := agent.Deps{Contexts: cm, Store: store}
	return NewAgentService(deps, cm, zap.NewNop()), cm, store
}

func TestAgentService_Lifecycle(t *testing.T) {
	s, cm, store := newService(t)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, map[string]*domain.AgentConfig{
		"a": config("a", "1.0.0"),
		"b": config("b", "1.0.0"),
	}))
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "a", list[0].BudgetID)
	require.NotEmpty(t, list[0].ContextID)

	root, err := cm.GetContext(ctx, list[0].ContextID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContextActive, root.State)

	res, err := s.Execute(ctx, "a", []interface{}{"x"}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.AgentCompleted, res.State, res.Error)

	info, ok := s.Info("a")
	require.True(t, ok)
	assert.EqualValues(t, 1, info.Executions)
	assert.Equal(t, domain.AgentCompleted, info.State)

	_, err = s.Execute(ctx, "missing", nil, nil)
	require.ErrorIs(t, err, ErrAgentNotFound)

	// b пропал из набора: выгружается с финальным снимком; a перезагружается
	require.NoError(t, s.Load(ctx, map[string]*domain.AgentConfig{"a": config("a", "2.0.0")}))
	_, ok = s.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Count("b", statestore.KindFinal))

	info, _ = s.Info("a")
	assert.Equal(t, "2.0.0", info.Version)

	outs := s.Shutdown(ctx)
	require.Len(t, outs, 1)
	assert.Empty(t, s.List())

	root, err = cm.GetContext(ctx, list[0].ContextID)
	require.NoError(t, err)
	assert.Equal(t, domain.ContextTerminated, root.State)
}

// countingContexts считает выданные и закрытые корневые контексты
type countingContexts struct {
	ContextLifecycle
	created, terminated atomic.Int64
}

func (c *countingContexts) CreateContext(ctx context.Context, agentID string, isolation domain.IsolationLevel, initial *domain.ContextData) (string, error) {
	id, err := c.ContextLifecycle.CreateContext(ctx, agentID, isolation, initial)
	if err == nil {
		c.created.Add(1)
	}
	return id, err
}

func (c *countingContexts) TerminateContext(ctx context.Context, id string, cleanup bool) error {
	err := c.ContextLifecycle.TerminateContext(ctx, id, cleanup)
	if err == nil {
		c.terminated.Add(1)
	}
	return err
}

func TestAgentService_ConcurrentLoadSameName(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cm := contextmgr.NewManager(rdb, infra.NewKeys("test"), nil, zap.NewNop())
	counting := &countingContexts{ContextLifecycle: cm}
	s := NewAgentService(agent.Deps{Contexts: cm, Store: statestore.NewMemory()}, counting, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Load(ctx, map[string]*domain.AgentConfig{"a": config("a", "1.0.0")}))
		}()
	}
	wg.Wait()

	list := s.List()
	require.Len(t, list, 1)
	assert.EqualValues(t, 1, counting.created.Load())
	assert.Zero(t, counting.terminated.Load())

	ids, err := cm.GetAgentContexts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, list[0].ContextID, ids[0].ID)

	s.Shutdown(ctx)
	assert.EqualValues(t, 1, counting.terminated.Load())
}

func TestAgentService_BudgetFromMetadata(t *testing.T) {
	s := NewAgentService(agent.Deps{}, nil, zap.NewNop())
	cfg := config("a", "1.0.0")
	cfg.Metadata = map[string]interface{}{MetaBudgetID: "team-budget"}

	require.NoError(t, s.Load(context.Background(), map[string]*domain.AgentConfig{"a": cfg}))
	info, ok := s.Info("a")
	require.True(t, ok)
	assert.Equal(t, "team-budget", info.BudgetID)
	assert.Empty(t, info.ContextID)
}

func TestAgentService_InvalidConfig(t *testing.T) {
	s := NewAgentService(agent.Deps{}, nil, zap.NewNop())
	bad := config("a", "1.0.0")
	bad.PromptTemplate = ""

	err := s.Load(context.Background(), map[string]*domain.AgentConfig{"a": bad, "b": config("b", "1.0.0")})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, s.List(), 1)
}

func TestAgentService_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(`
name: echo
type: util
version: 1.0.0
prompt_template: "{{.task}}"
resource_constraints:
  max_tokens: 10
  timeout: 5
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: ["), 0o644))

	s := NewAgentService(agent.Deps{}, nil, zap.NewNop())
	err := s.LoadDir(context.Background(), dir)
	require.Error(t, err)

	_, ok := s.Get("echo")
	assert.True(t, ok)
}
