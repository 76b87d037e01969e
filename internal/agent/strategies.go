package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// MaxIterations — потолок ITERATIVE независимо от условия
const MaxIterations = 100

// previousResultRef: аргумент инструмента, подставляемый результатом предыдущего шага
const previousResultRef = "$previous_result"

/*
Встроенные стратегии работают, когда внешний Executor не подключен.

Элемент задачи:
  {"tool": "name", "args": {...}} — вызов привязанного инструмента
  {"steps": [...]}               — вложенный последовательный блок
  всё остальное                  — эхо (элемент и есть результат)

SEQUENTIAL / PARALLEL: задача: список элементов или {"steps": [...]}.
CONDITIONAL: {"condition": "<expr>", "then": item, "else": item}.
ITERATIVE:   {"condition": "<expr>", "body": item, "max_iterations": n}.
*/

func (a *Agent) runStrategy(ctx context.Context, strategy domain.ExecutionStrategy, task interface{}, execCtx map[string]interface{}) (interface{}, error) {
	switch strategy {
	case domain.StrategyParallel:
		return a.runParallel(ctx, taskItems(task), execCtx)
	case domain.StrategyConditional:
		return a.runConditional(ctx, task, execCtx)
	case domain.StrategyIterative:
		return a.runIterative(ctx, task, execCtx)
	default:
		return a.runSequential(ctx, taskItems(task), execCtx)
	}
}

func taskItems(task interface{}) []interface{} {
	switch t := task.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case map[string]interface{}:
		if steps, ok := t["steps"].([]interface{}); ok {
			return steps
		}
	}
	return []interface{}{task}
}

// runSequential выполняет элементы по порядку, передавая результат дальше
// через previous_result.
func (a *Agent) runSequential(ctx context.Context, items []interface{}, execCtx map[string]interface{}) (interface{}, error) {
	local := maps.Clone(execCtx)
	results := make([]interface{}, 0, len(items))
	var prev interface{}
	for i, item := range items {
		local["previous_result"] = prev
		res, err := a.runItem(ctx, item, local)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		results = append(results, res)
		prev = res
	}

	out := map[string]interface{}{"results": results}
	mergeResult(out, prev)
	return out, nil
}

// runParallel: все элементы одновременно; первая ошибка отменяет остальные.
// Порядок results совпадает с порядком элементов.
func (a *Agent) runParallel(ctx context.Context, items []interface{}, execCtx map[string]interface{}) (interface{}, error) {
	results := make([]interface{}, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			res, err := a.runItem(gctx, item, maps.Clone(execCtx))
			if err != nil {
				return fmt.Errorf("branch %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := map[string]interface{}{"results": results}
	for _, r := range results {
		mergeResult(out, r)
	}
	return out, nil
}

func (a *Agent) runConditional(ctx context.Context, task interface{}, execCtx map[string]interface{}) (interface{}, error) {
	spec, ok := task.(map[string]interface{})
	if !ok {
		return nil, &domain.ValidationError{Field: "task", Reason: "conditional task must be an object with a condition"}
	}
	cond, _ := spec["condition"].(string)
	if cond == "" {
		return nil, &domain.ValidationError{Field: "task.condition", Reason: "is required"}
	}

	ok, err := evalCondition(cond, execCtx)
	if err != nil {
		return nil, err
	}
	branch := "else"
	if ok {
		branch = "then"
	}

	out := map[string]interface{}{"branch": branch}
	item, has := spec[branch]
	if !has {
		return out, nil
	}
	res, err := a.runItem(ctx, item, maps.Clone(execCtx))
	if err != nil {
		return nil, fmt.Errorf("%s branch: %w", branch, err)
	}
	out["result"] = res
	mergeResult(out, res)
	return out, nil
}

// runIterative повторяет body, пока условие истинно, но не больше MaxIterations раз.
// Условие видит iteration и previous_result.
func (a *Agent) runIterative(ctx context.Context, task interface{}, execCtx map[string]interface{}) (interface{}, error) {
	spec, ok := task.(map[string]interface{})
	if !ok {
		return nil, &domain.ValidationError{Field: "task", Reason: "iterative task must be an object with a condition and body"}
	}
	cond, _ := spec["condition"].(string)
	if cond == "" {
		return nil, &domain.ValidationError{Field: "task.condition", Reason: "is required"}
	}
	body, has := spec["body"]
	if !has {
		return nil, &domain.ValidationError{Field: "task.body", Reason: "is required"}
	}
	limit := MaxIterations
	if n, ok := toFloat(spec["max_iterations"]); ok && n > 0 && int(n) < limit {
		limit = int(n)
	}

	local := maps.Clone(execCtx)
	var (
		results []interface{}
		prev    interface{}
	)
	for i := 0; ; i++ {
		local["iteration"] = i
		local["previous_result"] = prev
		if i >= limit {
			break
		}
		ok, err := evalCondition(cond, local)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := a.runItem(ctx, body, local)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		results = append(results, res)
		prev = res
	}

	out := map[string]interface{}{
		"iterations": len(results),
		"results":    results,
		"capped":     len(results) >= limit,
	}
	mergeResult(out, prev)
	return out, nil
}

func (a *Agent) runItem(ctx context.Context, item interface{}, execCtx map[string]interface{}) (interface{}, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return item, nil
	}
	if steps, ok := m["steps"].([]interface{}); ok {
		return a.runSequential(ctx, steps, execCtx)
	}
	tool, ok := m["tool"].(string)
	if !ok {
		return item, nil
	}

	args := make(map[string]interface{})
	if raw, ok := m["args"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok && s == previousResultRef {
				v = execCtx["previous_result"]
			}
			args[k] = v
		}
	}
	return a.invokeTool(ctx, tool, args)
}

func (a *Agent) invokeTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	ctx, span := a.tracer.Start(ctx, "agent.step", trace.WithAttributes(attribute.String("tool", tool)))
	defer span.End()

	a.mu.RLock()
	_, bound := a.capabilities[tool]
	a.mu.RUnlock()
	if !bound || a.deps.Registry == nil {
		err := &domain.CapabilityNotFoundError{Tool: tool, AgentID: a.id}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res, err := a.deps.Registry.Invoke(ctx, a.id, tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// evalCondition компилирует выражение expr против контекста исполнения.
// Неизвестные переменные равны nil, результат обязан быть bool.
func evalCondition(code string, env map[string]interface{}) (bool, error) {
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, &domain.ValidationError{Field: "condition", Reason: err.Error()}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", code, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// mergeResult поднимает поля результата-мапы на верхний уровень, не перетирая
// служебные ключи стратегии.
func mergeResult(out map[string]interface{}, res interface{}) {
	m, ok := res.(map[string]interface{})
	if !ok {
		return
	}
	reserved := []string{"results", "branch", "result", "iterations", "capped"}
	for k, v := range m {
		if slices.Contains(reserved, k) {
			continue
		}
		out[k] = v
	}
}
