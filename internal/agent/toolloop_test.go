package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"go.uber.org/zap"
)

// scriptedModel отдает ответы по очереди и запоминает запросы
type scriptedModel struct {
	replies  []ModelResponse
	requests []ModelRequest
}

func (m *scriptedModel) Generate(_ context.Context, req ModelRequest) (*ModelResponse, error) {
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return &r, nil
}

type invokerFunc func(ctx context.Context, agentID, tool string, args map[string]interface{}) (interface{}, error)

func (f invokerFunc) Invoke(ctx context.Context, agentID, tool string, args map[string]interface{}) (interface{}, error) {
	return f(ctx, agentID, tool, args)
}

func TestToolCallingExecutor_Loop(t *testing.T) {
	model := &scriptedModel{replies: []ModelResponse{
		{Content: "checking", ToolCalls: []ToolCall{{ID: "1", Name: "lookup", Args: map[string]interface{}{"q": "go"}}}},
		{Content: `{"score": 0.95}`},
	}}
	var invoked []string
	tools := invokerFunc(func(_ context.Context, agentID, tool string, _ map[string]interface{}) (interface{}, error) {
		invoked = append(invoked, agentID+"/"+tool)
		return map[string]interface{}{"hits": 3}, nil
	})

	e := NewToolCallingExecutor(model, tools, 0, zap.NewNop())
	out, err := e.Execute(context.Background(), "rate {{.topic}}", map[string]interface{}{
		"topic":        "go",
		"agent_id":     "a1",
		"capabilities": []string{"lookup"},
	}, domain.ResourceConstraints{MaxTokens: 10})
	require.NoError(t, err)

	assert.Equal(t, `{"score": 0.95}`, out)
	assert.Equal(t, []string{"a1/lookup"}, invoked)
	require.Len(t, model.requests, 2)
	assert.Equal(t, "rate go", model.requests[0].Messages[0].Content)
	assert.Equal(t, []string{"lookup"}, model.requests[0].Tools)

	last := model.requests[1].Messages
	require.Len(t, last, 3)
	assert.Equal(t, RoleTool, last[2].Role)
	assert.JSONEq(t, `{"hits": 3}`, last[2].Content)
}

func TestToolCallingExecutor_ToolErrorGoesBackToModel(t *testing.T) {
	model := &scriptedModel{replies: []ModelResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "broken"}}},
		{Content: "gave up"},
	}}
	tools := invokerFunc(func(context.Context, string, string, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("denied")
	})

	out, err := NewToolCallingExecutor(model, tools, 3, zap.NewNop()).Execute(context.Background(), "x", map[string]interface{}{}, domain.ResourceConstraints{})
	require.NoError(t, err)
	assert.Equal(t, "gave up", out)
	assert.JSONEq(t, `{"error": "denied"}`, model.requests[1].Messages[2].Content)
}

func TestToolCallingExecutor_RoundLimit(t *testing.T) {
	call := ModelResponse{Content: "again", ToolCalls: []ToolCall{{ID: "1", Name: "echo"}}}
	model := &scriptedModel{replies: []ModelResponse{call, call, call}}
	tools := invokerFunc(func(context.Context, string, string, map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	out, err := NewToolCallingExecutor(model, tools, 2, zap.NewNop()).Execute(context.Background(), "x", map[string]interface{}{}, domain.ResourceConstraints{})
	require.NoError(t, err)
	assert.Equal(t, "again", out)
	assert.Len(t, model.requests, 2)
}

func TestRenderPrompt_BadTemplate(t *testing.T) {
	_, err := RenderPrompt("{{.x", nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAgentWithToolCallingExecutor(t *testing.T) {
	reg := newRegistry(t)
	cfg := baseConfig()
	cfg.Capabilities = []domain.CapabilityConfig{{Tool: "echo"}}
	cfg.SuccessMetrics = []domain.SuccessMetric{{Metric: "score", Threshold: 0.9, Operator: domain.OpGTE}}

	model := &scriptedModel{replies: []ModelResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "echo", Args: map[string]interface{}{"v": 1}}}},
		{Content: "```json\n{\"score\": 0.95}\n```"},
	}}
	a := New("a1", "", Deps{Registry: reg, Executor: NewToolCallingExecutor(model, reg, 0, zap.NewNop())}, zap.NewNop())
	require.NoError(t, a.LoadConfig(context.Background(), cfg))

	res := a.Execute(context.Background(), "task", map[string]interface{}{"topic": "go"})
	require.Equal(t, domain.AgentCompleted, res.State, res.Error)
	assert.Equal(t, 0.95, a.State()["score"])
	assert.Equal(t, "score go", model.requests[0].Messages[0].Content)
	assert.JSONEq(t, `{"v": 1}`, model.requests[1].Messages[2].Content)
}
