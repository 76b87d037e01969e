package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"go.uber.org/zap"
)

// DefaultMaxToolRounds — сколько раз модель может запросить инструменты за одно исполнение
const DefaultMaxToolRounds = 10

// Роли сообщений диалога с моделью
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ModelRequest struct {
	Messages    []Message                  `json:"messages"`
	Tools       []string                   `json:"tools"`
	Constraints domain.ResourceConstraints `json:"constraints"`
}

type ModelResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Model — провайдер языковой модели. Конкретные SDK подключаются снаружи.
type Model interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// ToolInvoker — путь вызова инструмента (обычно Capability Registry).
type ToolInvoker interface {
	Invoke(ctx context.Context, agentID, tool string, args map[string]interface{}) (interface{}, error)
}

// ToolCallingExecutor рендерит prompt_template и ведет цикл модель → инструменты → модель.
// Ошибка инструмента возвращается модели как результат, а не прерывает исполнение.
type ToolCallingExecutor struct {
	model     Model
	tools     ToolInvoker
	maxRounds int
	logger    *zap.Logger
}

func NewToolCallingExecutor(model Model, tools ToolInvoker, maxRounds int, logger *zap.Logger) *ToolCallingExecutor {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &ToolCallingExecutor{model: model, tools: tools, maxRounds: maxRounds, logger: logger.Named("toolloop")}
}

func (e *ToolCallingExecutor) Execute(ctx context.Context, tmpl string, execCtx map[string]interface{}, constraints domain.ResourceConstraints) (interface{}, error) {
	prompt, err := RenderPrompt(tmpl, execCtx)
	if err != nil {
		return nil, err
	}
	agentID, _ := execCtx["agent_id"].(string)
	tools, _ := execCtx["capabilities"].([]string)

	messages := []Message{{Role: RoleUser, Content: prompt}}
	var last string
	for round := 0; round < e.maxRounds; round++ {
		resp, err := e.model.Generate(ctx, ModelRequest{Messages: messages, Tools: tools, Constraints: constraints})
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}
		last = resp.Content
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			messages = append(messages, Message{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Content:    e.callTool(ctx, agentID, call),
			})
		}
	}

	e.logger.Warn("tool round limit reached", zap.String("agent_id", agentID), zap.Int("rounds", e.maxRounds))
	return last, nil
}

func (e *ToolCallingExecutor) callTool(ctx context.Context, agentID string, call ToolCall) string {
	var payload interface{}
	if e.tools == nil {
		payload = map[string]interface{}{"error": "no tools available"}
	} else if res, err := e.tools.Invoke(ctx, agentID, call.Name, call.Args); err != nil {
		payload = map[string]interface{}{"error": err.Error()}
	} else {
		payload = res
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(raw)
}

// RenderPrompt подставляет контекст исполнения в шаблон text/template.
// Отсутствующий ключ не считается ошибкой.
func RenderPrompt(tmpl string, execCtx map[string]interface{}) (string, error) {
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", &domain.ValidationError{Field: "prompt_template", Reason: err.Error()}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, execCtx); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
