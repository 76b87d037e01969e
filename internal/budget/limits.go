package budget

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

func hardField(r domain.ResourceType) string { return string(r) + ":hard" }
func softField(r domain.ResourceType) string { return string(r) + ":soft" }

// limitFields сворачивает лимиты в поля hash: на ресурс хранится самый строгий
// hard и самый строгий soft лимит.
func limitFields(limits []domain.ResourceLimit) map[string]interface{} {
	hard := make(map[domain.ResourceType]float64)
	soft := make(map[domain.ResourceType]float64)
	for _, l := range limits {
		target := soft
		if l.Hard {
			target = hard
		}
		if cur, ok := target[l.Resource]; !ok || l.Limit < cur {
			target[l.Resource] = l.Limit
		}
	}

	fields := make(map[string]interface{}, len(hard)+len(soft))
	for r, v := range hard {
		fields[hardField(r)] = formatFloat(v)
	}
	for r, v := range soft {
		fields[softField(r)] = formatFloat(v)
	}
	return fields
}

func validateLimits(limits []domain.ResourceLimit) error {
	for i, l := range limits {
		if l.Resource == "" {
			return &domain.ConfigurationError{Field: fmt.Sprintf("limits[%d].resource", i), Reason: "is required"}
		}
		if l.Limit < 0 {
			return &domain.ConfigurationError{Field: fmt.Sprintf("limits[%d].limit", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// snapshot собирает ResourceUsage из сырых значений hash'ей
func snapshot(id string, r domain.ResourceType, used float64, hard, soft string) domain.ResourceUsage {
	u := domain.ResourceUsage{
		BudgetID:  id,
		Resource:  r,
		Used:      used,
		Timestamp: time.Now().UTC(),
	}
	limitStr := hard
	if limitStr == "" {
		limitStr = soft
	}
	if limitStr != "" {
		if v, err := strconv.ParseFloat(limitStr, 64); err == nil {
			u.Limit = v
			u.HasLimit = true
			u.Remaining = max(v-used, 0)
		}
	}
	if soft != "" {
		if v, err := strconv.ParseFloat(soft, 64); err == nil && used > v {
			u.SoftLimitExceeded = true
		}
	}
	return u
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
