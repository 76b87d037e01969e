package capability

import (
	"context"
	"errors"
	"fmt"
)

// Tool — нормализованный инструмент, который хранится в привязке.
// Вариант обработчика разрешается один раз при BindCapability.
type Tool interface {
	Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// ToolFunc адаптирует функцию к Tool
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (f ToolFunc) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// Closer — необязательный хук очистки, вызывается при unbind.
type Closer interface {
	Close() error
}

// Handler — закрытый набор вариантов обработчика: Func, Constructor, AsyncFactory.
type Handler interface {
	resolve(ctx context.Context, cfg map[string]interface{}) (Tool, error)
}

// Func — напрямую вызываемый обработчик, config ему не нужен.
type Func func(ctx context.Context, args map[string]interface{}) (interface{}, error)

func (f Func) resolve(context.Context, map[string]interface{}) (Tool, error) {
	return ToolFunc(f), nil
}

// Constructor создает экземпляр инструмента из config привязки.
type Constructor func(cfg map[string]interface{}) (Tool, error)

func (f Constructor) resolve(_ context.Context, cfg map[string]interface{}) (Tool, error) {
	return f(cfg)
}

// AsyncFactory создает инструмент с учетом ctx (подключения, прогрев).
// Должна уважать отмену ctx.
type AsyncFactory func(ctx context.Context, cfg map[string]interface{}) (Tool, error)

func (f AsyncFactory) resolve(ctx context.Context, cfg map[string]interface{}) (Tool, error) {
	return f(ctx, cfg)
}

// ToolDefinition — описание инструмента в каталоге процесса.
type ToolDefinition struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Handler     Handler                `json:"-" yaml:"-"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	// PermissionsRequired: "category:action" или голый ключ
	PermissionsRequired []string `json:"permissions_required,omitempty" yaml:"permissions_required,omitempty"`
	Sandboxable         bool     `json:"sandboxable" yaml:"sandboxable"`
	Category            string   `json:"category,omitempty" yaml:"category,omitempty"`
}

func (d ToolDefinition) validate() error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", d.Name)
	}
	return nil
}

// requiredConfigKeys извлекает "required" из input_schema (JSON Schema стиль)
func (d ToolDefinition) requiredConfigKeys() []string {
	switch v := d.InputSchema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
