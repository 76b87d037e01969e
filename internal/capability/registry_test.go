package capability

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/audit"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
	"go.uber.org/zap"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.ToolEvent
}

func (a *recordingAuditor) Record(e audit.ToolEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *recordingAuditor) all() []audit.ToolEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.ToolEvent(nil), a.events...)
}

// tableAgent реализует CapabilityTable
type tableAgent struct {
	id    string
	mu    sync.Mutex
	tools map[string]Tool
}

func newTableAgent(id string) *tableAgent { return &tableAgent{id: id, tools: map[string]Tool{}} }

func (a *tableAgent) AgentID() string { return a.id }
func (a *tableAgent) SetCapability(name string, t Tool) {
	a.mu.Lock()
	a.tools[name] = t
	a.mu.Unlock()
}
func (a *tableAgent) RemoveCapability(name string) {
	a.mu.Lock()
	delete(a.tools, name)
	a.mu.Unlock()
}

type closingTool struct{ closed bool }

func (c *closingTool) Invoke(context.Context, map[string]interface{}) (interface{}, error) {
	return "ok", nil
}
func (c *closingTool) Close() error { c.closed = true; return nil }

func newTestRegistry(t *testing.T) (*Registry, *recordingAuditor, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	aud := &recordingAuditor{}
	r := NewRegistry(rdb, infra.NewKeys("test"), ReliabilityConfig{}, aud, nil, zap.NewNop())
	return r, aud, mr, rdb
}

func fsWriteTool() ToolDefinition {
	return ToolDefinition{
		Name:                "fs_write",
		Category:            "filesystem",
		Sandboxable:         true,
		PermissionsRequired: []string{"filesystem:write"},
		Handler: Func(func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"written": args["path"]}, nil
		}),
	}
}

func TestRegisterTool_IdempotentUpsert(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	def := fsWriteTool()
	require.NoError(t, r.RegisterTool(def))
	def.Description = "second"
	require.NoError(t, r.RegisterTool(def))

	tools := r.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "second", tools[0].Description)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, r.RegisterTool(ToolDefinition{Name: "no-handler"}), &cfgErr)
}

func TestBindCapability_SandboxPermissionCheck(t *testing.T) {
	r, _, mr, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterTool(fsWriteTool()))

	err := r.BindCapability(ctx, AgentRef("a1"), domain.CapabilityConfig{
		Tool:        "fs_write",
		Sandbox:     true,
		Permissions: map[string]interface{}{"filesystem": []interface{}{"read"}},
	})
	var bindErr *domain.CapabilityBindingError
	require.ErrorAs(t, err, &bindErr)
	assert.Empty(t, r.Bindings("a1"))
	assert.False(t, mr.Exists("test:bindings:a1"))

	err = r.BindCapability(ctx, AgentRef("a1"), domain.CapabilityConfig{
		Tool:        "fs_write",
		Sandbox:     true,
		Permissions: map[string]interface{}{"filesystem": []interface{}{"read", "write"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs_write"}, r.Bindings("a1"))
	assert.True(t, mr.Exists("test:bindings:a1"))
}

func TestBindCapability_PermissionsIgnoredWithoutSandbox(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterTool(fsWriteTool()))

	require.NoError(t, r.BindCapability(context.Background(), AgentRef("a1"), domain.CapabilityConfig{Tool: "fs_write"}))
}

func TestBindCapability_ConfigValidation(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:        "http",
		InputSchema: map[string]interface{}{"required": []interface{}{"base_url"}},
		Handler:     Func(func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }),
	}))

	var notFound *domain.CapabilityNotFoundError
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a"), domain.CapabilityConfig{Tool: "ghost"}), &notFound)
	assert.False(t, r.ValidateCapability(domain.CapabilityConfig{Tool: "ghost"}))

	var bindErr *domain.CapabilityBindingError
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a"), domain.CapabilityConfig{Tool: "http"}), &bindErr)
	assert.False(t, r.ValidateCapability(domain.CapabilityConfig{Tool: "http"}))

	// не sandboxable
	cfg := domain.CapabilityConfig{Tool: "http", Config: map[string]interface{}{"base_url": "x"}, Sandbox: true}
	assert.False(t, r.ValidateCapability(cfg))
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a"), cfg), &bindErr)

	cfg.Sandbox = false
	assert.True(t, r.ValidateCapability(cfg))
	require.NoError(t, r.BindCapability(ctx, AgentRef("a"), cfg))
}

func TestBindCapability_HandlerVariants(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var seenCfg map[string]interface{}
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name: "ctor",
		Handler: Constructor(func(cfg map[string]interface{}) (Tool, error) {
			seenCfg = cfg
			return ToolFunc(func(context.Context, map[string]interface{}) (interface{}, error) { return cfg["greeting"], nil }), nil
		}),
	}))
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name: "async",
		Handler: AsyncFactory(func(ctx context.Context, _ map[string]interface{}) (Tool, error) {
			return ToolFunc(func(context.Context, map[string]interface{}) (interface{}, error) { return "ready", nil }), ctx.Err()
		}),
	}))
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name: "broken",
		Handler: Constructor(func(map[string]interface{}) (Tool, error) {
			return nil, errors.New("no credentials")
		}),
	}))

	require.NoError(t, r.BindCapability(ctx, AgentRef("a"), domain.CapabilityConfig{Tool: "ctor", Config: map[string]interface{}{"greeting": "hi"}}))
	require.NoError(t, r.BindCapability(ctx, AgentRef("a"), domain.CapabilityConfig{Tool: "async"}))
	var bindErr *domain.CapabilityBindingError
	require.ErrorAs(t, r.BindCapability(ctx, AgentRef("a"), domain.CapabilityConfig{Tool: "broken"}), &bindErr)

	assert.Equal(t, "hi", seenCfg["greeting"])
	res, err := r.Invoke(ctx, "a", "ctor", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res)

	res, err = r.Invoke(ctx, "a", "async", nil)
	require.NoError(t, err)
	assert.Equal(t, "ready", res)
}

func TestInvoke_AuditsAndInjectsTable(t *testing.T) {
	r, aud, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterTool(fsWriteTool()))

	agent := newTableAgent("a1")
	require.NoError(t, r.BindCapability(ctx, agent, domain.CapabilityConfig{
		Tool:        "fs_write",
		Sandbox:     true,
		Permissions: map[string]interface{}{"filesystem": true},
	}))
	require.Contains(t, agent.tools, "fs_write")

	res, err := agent.tools["fs_write"].Invoke(ctx, map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"written": "/tmp/x"}, res)

	_, err = r.Invoke(ctx, "a1", "missing", nil)
	var notFound *domain.CapabilityNotFoundError
	require.ErrorAs(t, err, &notFound)

	events := aud.all()
	require.Len(t, events, 2)
	assert.Equal(t, audit.ModeSandbox, events[0].Mode)
	assert.Equal(t, audit.StatusSuccess, events[0].Status)
	assert.Equal(t, audit.StatusDenied, events[1].Status)
	assert.Equal(t, "missing", events[1].Tool)
}

func TestUnbind_CallsCloserAndClearsTable(t *testing.T) {
	r, _, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	tool := &closingTool{}
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:    "res",
		Handler: Constructor(func(map[string]interface{}) (Tool, error) { return tool, nil }),
	}))
	require.NoError(t, r.RegisterTool(ToolDefinition{
		Name:    "other",
		Handler: Func(func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }),
	}))

	agent := newTableAgent("a1")
	require.NoError(t, r.BindCapability(ctx, agent, domain.CapabilityConfig{Tool: "res"}))
	require.NoError(t, r.BindCapability(ctx, agent, domain.CapabilityConfig{Tool: "other"}))

	require.NoError(t, r.UnbindCapability(ctx, agent, "res"))
	assert.True(t, tool.closed)
	assert.NotContains(t, agent.tools, "res")
	assert.Equal(t, []string{"other"}, r.Bindings("a1"))

	var notFound *domain.CapabilityNotFoundError
	require.ErrorAs(t, r.UnbindCapability(ctx, agent, "res"), &notFound)

	assert.Equal(t, 1, r.UnbindAll(ctx, agent))
	assert.Empty(t, agent.tools)
	assert.False(t, mr.Exists("test:bindings:a1"))
}

func TestBuiltinKV_AgentScoped(t *testing.T) {
	r, _, mr, rdb := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, RegisterBuiltins(r, rdb, infra.NewKeys("test")))

	grant := map[string]interface{}{"kv": []interface{}{"write"}}
	require.NoError(t, r.BindCapability(ctx, AgentRef("a1"), domain.CapabilityConfig{Tool: "kv", Sandbox: true, Permissions: grant}))
	require.NoError(t, r.BindCapability(ctx, AgentRef("a2"), domain.CapabilityConfig{Tool: "kv"}))

	_, err := r.Invoke(ctx, "a1", "kv", map[string]interface{}{"op": "set", "key": "k", "value": "v1"})
	require.NoError(t, err)

	got, err := r.Invoke(ctx, "a2", "kv", map[string]interface{}{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, false, got.(map[string]interface{})["found"])

	got, err = r.Invoke(ctx, "a1", "kv", map[string]interface{}{"op": "get", "key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "v1", got.(map[string]interface{})["value"])
	assert.Equal(t, "v1", mr.HGet("test:tool:kv:a1", "k"))

	require.NoError(t, r.BindCapability(ctx, AgentRef("a1"), domain.CapabilityConfig{Tool: "echo"}))
	echo, err := r.Invoke(ctx, "a1", "echo", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"x": 1}, echo)
}
