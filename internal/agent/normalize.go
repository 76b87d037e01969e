package agent

import (
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n?(.*?)\\n?```$")

// NormalizeResult приводит сырой результат исполнения к мапе.
//   - мапа берется как есть;
//   - строка очищается от markdown-ограждения и разбирается как JSON, затем YAML;
//   - всё остальное оборачивается в {"result": v}.
//
// Если итог: единственное поле-обертка, а объявленное выходное поле лежит внутри,
// обертка снимается.
func NormalizeResult(raw interface{}, outputFields []string) map[string]interface{} {
	var out map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		out = v
	case string:
		out = parseText(v)
	case nil:
		out = map[string]interface{}{}
	default:
		out = map[string]interface{}{"result": v}
	}
	return unwrap(out, outputFields)
}

func parseText(s string) map[string]interface{} {
	text := strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var js interface{}
	if err := json.Unmarshal([]byte(text), &js); err == nil {
		if m, ok := js.(map[string]interface{}); ok {
			return m
		}
		return map[string]interface{}{"result": js}
	}

	var y map[string]interface{}
	if err := yaml.Unmarshal([]byte(text), &y); err == nil && len(y) > 0 {
		return y
	}
	return map[string]interface{}{"result": text}
}

func unwrap(m map[string]interface{}, outputFields []string) map[string]interface{} {
	if len(m) != 1 || len(outputFields) == 0 {
		return m
	}
	var key string
	for k := range m {
		key = k
	}
	if slices.Contains(outputFields, key) {
		return m
	}
	inner, ok := m[key].(map[string]interface{})
	if !ok {
		return m
	}
	for _, f := range outputFields {
		if _, ok := inner[f]; ok {
			return maps.Clone(inner)
		}
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
