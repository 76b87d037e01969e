package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/capability"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"go.uber.org/zap"
)

func strategyAgent(t *testing.T, strategy domain.ExecutionStrategy, extra ...capability.ToolDefinition) *Agent {
	t.Helper()
	reg := newRegistry(t)
	cfg := baseConfig()
	cfg.ExecutionStrategy = strategy
	cfg.StateSchema.OutputFields = nil
	cfg.Capabilities = []domain.CapabilityConfig{{Tool: "echo"}}
	for _, d := range extra {
		require.NoError(t, reg.RegisterTool(d))
		cfg.Capabilities = append(cfg.Capabilities, domain.CapabilityConfig{Tool: d.Name})
	}

	a := New("a1", "", Deps{Registry: reg}, zap.NewNop())
	require.NoError(t, a.LoadConfig(context.Background(), cfg))
	return a
}

func TestSequential_ForwardsPreviousResult(t *testing.T) {
	a := strategyAgent(t, domain.StrategySequential)
	task := []interface{}{
		map[string]interface{}{"tool": "echo", "args": map[string]interface{}{"a": 1}},
		map[string]interface{}{"tool": "echo", "args": map[string]interface{}{"prev": "$previous_result", "b": 2}},
		"plain",
	}

	res := a.Execute(context.Background(), task, nil)
	require.Equal(t, domain.AgentCompleted, res.State, res.Error)

	out := res.Result.(map[string]interface{})
	results := out["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, map[string]interface{}{"prev": map[string]interface{}{"a": 1}, "b": 2}, results[1])
	assert.Equal(t, "plain", results[2])
}

func TestSequential_StepErrorFailsExecution(t *testing.T) {
	a := strategyAgent(t, domain.StrategySequential)
	task := map[string]interface{}{"steps": []interface{}{
		map[string]interface{}{"tool": "echo"},
		map[string]interface{}{"tool": "not-bound"},
	}}

	res := a.Execute(context.Background(), task, nil)
	assert.Equal(t, domain.AgentFailed, res.State)
	assert.Contains(t, res.Error, "step 1")
}

func TestParallel_KeepsOrder(t *testing.T) {
	var calls atomic.Int32
	counter := capability.ToolDefinition{
		Name: "count",
		Handler: capability.Func(func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return map[string]interface{}{"n": args["n"]}, nil
		}),
	}
	a := strategyAgent(t, domain.StrategyParallel, counter)

	var task []interface{}
	for i := 0; i < 5; i++ {
		task = append(task, map[string]interface{}{"tool": "count", "args": map[string]interface{}{"n": i}})
	}
	out, err := a.runStrategy(context.Background(), domain.StrategyParallel, task, map[string]interface{}{})
	require.NoError(t, err)

	results := out.(map[string]interface{})["results"].([]interface{})
	for i, r := range results {
		assert.Equal(t, i, r.(map[string]interface{})["n"])
	}
	assert.EqualValues(t, 5, calls.Load())
}

func TestParallel_FirstErrorWins(t *testing.T) {
	broken := capability.ToolDefinition{
		Name: "broken",
		Handler: capability.Func(func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("kaput")
		}),
	}
	a := strategyAgent(t, domain.StrategyParallel, broken)
	_, err := a.runStrategy(context.Background(), domain.StrategyParallel, []interface{}{
		map[string]interface{}{"tool": "echo"},
		map[string]interface{}{"tool": "broken"},
	}, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestConditional(t *testing.T) {
	a := strategyAgent(t, domain.StrategyConditional)
	task := map[string]interface{}{
		"condition": "threshold > 5",
		"then":      map[string]interface{}{"tool": "echo", "args": map[string]interface{}{"path": "big"}},
		"else":      "small",
	}

	out, err := a.runStrategy(context.Background(), domain.StrategyConditional, task, map[string]interface{}{"threshold": 10})
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "then", m["branch"])
	assert.Equal(t, "big", m["path"])

	out, err = a.runStrategy(context.Background(), domain.StrategyConditional, task, map[string]interface{}{"threshold": 1})
	require.NoError(t, err)
	assert.Equal(t, "small", out.(map[string]interface{})["result"])

	_, err = a.runStrategy(context.Background(), domain.StrategyConditional, map[string]interface{}{"condition": "threshold +"}, map[string]interface{}{"threshold": 1})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = a.runStrategy(context.Background(), domain.StrategyConditional, "not a map", nil)
	require.ErrorAs(t, err, &verr)
}

func TestIterative(t *testing.T) {
	a := strategyAgent(t, domain.StrategyIterative)

	out, err := a.runStrategy(context.Background(), domain.StrategyIterative, map[string]interface{}{
		"condition": "iteration < 3",
		"body":      map[string]interface{}{"tool": "echo", "args": map[string]interface{}{"x": 1}},
	}, map[string]interface{}{})
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, 3, m["iterations"])
	assert.Equal(t, false, m["capped"])
	assert.Equal(t, 1, m["x"])
}

func TestIterative_Capped(t *testing.T) {
	a := strategyAgent(t, domain.StrategyIterative)

	out, err := a.runStrategy(context.Background(), domain.StrategyIterative, map[string]interface{}{
		"condition": "true",
		"body":      "tick",
	}, map[string]interface{}{})
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, MaxIterations, m["iterations"])
	assert.Equal(t, true, m["capped"])

	out, err = a.runStrategy(context.Background(), domain.StrategyIterative, map[string]interface{}{
		"condition":      "true",
		"body":           "tick",
		"max_iterations": 4,
	}, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 4, out.(map[string]interface{})["iterations"])
}

func TestIterative_StopsOnCancel(t *testing.T) {
	a := strategyAgent(t, domain.StrategyIterative)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.runStrategy(ctx, domain.StrategyIterative, map[string]interface{}{
		"condition": "true",
		"body":      "tick",
	}, map[string]interface{}{})
	require.ErrorIs(t, err, context.Canceled)
}
