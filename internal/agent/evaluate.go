package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

// Производные метрики, которые считаются без участия результата
const (
	MetricExecutionTime = "execution_time"
	MetricResultSize    = "result_size"
	MetricSuccess       = "success"
)

// evaluateMetrics (шаг 9). Все метрики должны пройти порог; отсутствующая
// метрика считается непройденной.
func (a *Agent) evaluateMetrics(cfg *domain.AgentConfig, result map[string]interface{}, elapsed time.Duration) (bool, map[string]interface{}) {
	report := make(map[string]interface{}, len(cfg.SuccessMetrics))
	all := true

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range cfg.SuccessMetrics {
		v, found := extractMetric(m.Metric, result, elapsed)
		ok := found && m.Compare(v)
		entry := map[string]interface{}{"passed": ok, "threshold": m.Threshold, "operator": string(m.Operator)}
		if found {
			entry["value"] = v
		} else {
			entry["missing"] = true
		}
		report[m.Metric] = entry

		c, exists := a.counters[m.Metric]
		if !exists {
			c = &metricCounter{}
			a.counters[m.Metric] = c
		}
		if ok {
			c.Passed++
		} else {
			c.Failed++
		}
		if found {
			c.Last = v
		}
		all = all && ok
	}
	return all, report
}

// extractMetric ищет значение прямо в результате, затем в result["metrics"],
// затем среди производных метрик.
func extractMetric(name string, result map[string]interface{}, elapsed time.Duration) (float64, bool) {
	if v, ok := toFloat(result[name]); ok {
		return v, true
	}
	if nested, ok := result["metrics"].(map[string]interface{}); ok {
		if v, ok := toFloat(nested[name]); ok {
			return v, true
		}
	}
	switch name {
	case MetricExecutionTime:
		return elapsed.Seconds(), true
	case MetricResultSize:
		raw, err := json.Marshal(result)
		if err != nil {
			return 0, false
		}
		return float64(len(raw)), true
	case MetricSuccess:
		if _, failed := result["error"]; failed {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// validateValue проверяет выходное поле по ValidationRule
func validateValue(field string, v interface{}, rule domain.ValidationRule) error {
	fail := func(reason string) error {
		return &domain.ValidationError{Field: field, Reason: reason}
	}

	switch rule.Type {
	case "":
	case "string":
		if _, ok := v.(string); !ok {
			return fail(fmt.Sprintf("expected string, got %T", v))
		}
	case "number":
		if _, ok := v.(bool); ok {
			return fail("expected number, got bool")
		}
		if _, ok := v.(string); ok {
			return fail("expected number, got string")
		}
		if _, ok := toFloat(v); !ok {
			return fail(fmt.Sprintf("expected number, got %T", v))
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fail(fmt.Sprintf("expected bool, got %T", v))
		}
	case "object":
		if _, ok := v.(map[string]interface{}); !ok {
			return fail(fmt.Sprintf("expected object, got %T", v))
		}
	case "array":
		if _, ok := v.([]interface{}); !ok {
			return fail(fmt.Sprintf("expected array, got %T", v))
		}
	default:
		return fail(fmt.Sprintf("unknown rule type %q", rule.Type))
	}

	if rule.Min != nil || rule.Max != nil {
		n, ok := toFloat(v)
		if s, isStr := v.(string); isStr {
			n, ok = float64(len([]rune(s))), true
		}
		if ok {
			if rule.Min != nil && n < *rule.Min {
				return fail(fmt.Sprintf("%v is below minimum %v", n, *rule.Min))
			}
			if rule.Max != nil && n > *rule.Max {
				return fail(fmt.Sprintf("%v is above maximum %v", n, *rule.Max))
			}
		}
	}

	if rule.Pattern != "" {
		s, ok := v.(string)
		if !ok {
			return fail("pattern requires a string")
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fail(err.Error())
		}
		if !re.MatchString(s) {
			return fail(fmt.Sprintf("%q does not match %q", s, rule.Pattern))
		}
	}
	return nil
}
