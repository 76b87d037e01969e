package capability

import (
	"slices"
	"strings"
)

// MissingPermissions возвращает требования, не покрытые грантом.
//
// "category:action" покрывается grant[category] == true или списком, содержащим action.
// Голый ключ покрывается любым truthy значением grant[key].
func MissingPermissions(required []string, grant map[string]interface{}) []string {
	var missing []string
	for _, req := range required {
		if !permitted(req, grant) {
			missing = append(missing, req)
		}
	}
	return missing
}

func permitted(req string, grant map[string]interface{}) bool {
	category, action, hierarchical := strings.Cut(req, ":")
	if !hierarchical {
		return truthy(grant[req])
	}

	switch v := grant[category].(type) {
	case bool:
		return v
	case []string:
		return slices.Contains(v, action)
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == action {
				return true
			}
		}
	}
	return false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return true
}
