package domain

import "time"

// ResourceType — тип учитываемого ресурса
type ResourceType string

const (
	ResourceLLMCalls         ResourceType = "LLM_CALLS"
	ResourceLLMTokens        ResourceType = "LLM_TOKENS"
	ResourceLLMCost          ResourceType = "LLM_COST"
	ResourceMemory           ResourceType = "MEMORY"
	ResourceCPUTime          ResourceType = "CPU_TIME"
	ResourceConcurrentAgents ResourceType = "CONCURRENT_AGENTS"
	ResourceGenerationDepth  ResourceType = "GENERATION_DEPTH"
	ResourceToolCalls        ResourceType = "TOOL_CALLS"
)

// ResourceLimit — один лимит бюджета. Hard блокирует операцию, soft только предупреждает.
type ResourceLimit struct {
	Resource ResourceType `json:"resource" yaml:"resource"`
	Limit    float64      `json:"limit" yaml:"limit"`
	Period   string       `json:"period,omitempty" yaml:"period,omitempty"` // метка периода, напр. "daily"
	Hard     bool         `json:"hard" yaml:"hard"`
}

// BudgetConfig — входные данные для создания бюджета.
type BudgetConfig struct {
	Limits   []ResourceLimit        `json:"limits" yaml:"limits"`
	Owner    string                 `json:"owner" yaml:"owner"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Budget — персистентная запись бюджета. Счетчики usage хранятся отдельно.
type Budget struct {
	ID        string                 `json:"id"`
	Limits    []ResourceLimit        `json:"limits"`
	Owner     string                 `json:"owner"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// LimitsFor возвращает все лимиты бюджета для указанного ресурса.
func (b *Budget) LimitsFor(r ResourceType) []ResourceLimit {
	var out []ResourceLimit
	for _, l := range b.Limits {
		if l.Resource == r {
			out = append(out, l)
		}
	}
	return out
}

// ResourceUsage — снимок счетчика ресурса.
type ResourceUsage struct {
	BudgetID          string       `json:"budget_id"`
	Resource          ResourceType `json:"resource"`
	Used              float64      `json:"used"`
	Limit             float64      `json:"limit"`
	HasLimit          bool         `json:"has_limit"`
	Remaining         float64      `json:"remaining"`
	SoftLimitExceeded bool         `json:"soft_limit_exceeded,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// BudgetHierarchy — поддерево бюджетов, восстановленное по связям parent↔child.
type BudgetHierarchy struct {
	Budget   *Budget            `json:"budget"`
	Usage    []ResourceUsage    `json:"usage"`
	Children []*BudgetHierarchy `json:"children,omitempty"`
}
