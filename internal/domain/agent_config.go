package domain

import (
	"fmt"
	"regexp"
	"slices"
)

// ExecutionStrategy — встроенный паттерн исполнения (если внешний Executor не подключен)
type ExecutionStrategy string

const (
	StrategySequential  ExecutionStrategy = "SEQUENTIAL"
	StrategyParallel    ExecutionStrategy = "PARALLEL"
	StrategyConditional ExecutionStrategy = "CONDITIONAL"
	StrategyIterative   ExecutionStrategy = "ITERATIVE"
)

// ComparisonOperator для SuccessMetric
type ComparisonOperator string

const (
	OpGTE ComparisonOperator = "gte"
	OpLTE ComparisonOperator = "lte"
	OpEQ  ComparisonOperator = "eq"
	OpNEQ ComparisonOperator = "neq"
)

// CapabilityConfig — привязка инструмента к агенту.
type CapabilityConfig struct {
	Tool        string                 `json:"tool" yaml:"tool"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Permissions map[string]interface{} `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	GrantToken  string                 `json:"grant_token,omitempty" yaml:"grant_token,omitempty"` // подписанный RS256 грант
	Sandbox     bool                   `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
}

// CheckpointPolicy — EveryN: снимок на каждом N-м исполнении (0 и 1: на каждом).
type CheckpointPolicy struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	EveryN  int  `json:"every_n,omitempty" yaml:"every_n,omitempty"`
}

// ValidationRule — правило для поля состояния.
type ValidationRule struct {
	Type     string   `json:"type,omitempty" yaml:"type,omitempty"` // string, number, bool, object, array
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

type StateSchema struct {
	RequiredFields   []string                  `json:"required_fields" yaml:"required_fields"`
	OutputFields     []string                  `json:"output_fields" yaml:"output_fields"`
	CheckpointPolicy *CheckpointPolicy         `json:"checkpoint_policy,omitempty" yaml:"checkpoint_policy,omitempty"`
	ValidationRules  map[string]ValidationRule `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

// CheckpointEnabled — включен ли чекпоинт для n-го исполнения
func (s StateSchema) CheckpointEnabled(n int64) bool {
	p := s.CheckpointPolicy
	if p == nil || !p.Enabled {
		return false
	}
	if p.EveryN <= 1 {
		return true
	}
	return n%int64(p.EveryN) == 0
}

type ResourceConstraints struct {
	Model          string   `json:"model" yaml:"model"`
	MaxTokens      int      `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int      `json:"timeout" yaml:"timeout"`
	MaxRetries     int      `json:"max_retries" yaml:"max_retries"`
	MaxMemoryMB    *int     `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUSeconds  *float64 `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds,omitempty"`
	Temperature    float64  `json:"temperature" yaml:"temperature"`
}

type SuccessMetric struct {
	Metric    string             `json:"metric" yaml:"metric"`
	Threshold float64            `json:"threshold" yaml:"threshold"`
	Operator  ComparisonOperator `json:"operator" yaml:"operator"`
}

// Compare применяет оператор к значению метрики
func (m SuccessMetric) Compare(v float64) bool {
	switch m.Operator {
	case OpGTE:
		return v >= m.Threshold
	case OpLTE:
		return v <= m.Threshold
	case OpEQ:
		return v == m.Threshold
	case OpNEQ:
		return v != m.Threshold
	}
	return false
}

// Hook-события агента. Значение в AgentConfig.Hooks: имя привязанного инструмента.
const (
	HookBeforeExecute = "before_execute"
	HookAfterExecute  = "after_execute"
	HookOnError       = "on_error"
)

// AgentConfig — неизменяемая версия описания агента.
type AgentConfig struct {
	Name                string                 `json:"name" yaml:"name"`
	Type                string                 `json:"type" yaml:"type"`
	Version             string                 `json:"version" yaml:"version"`
	Capabilities        []CapabilityConfig     `json:"capabilities" yaml:"capabilities"`
	PromptTemplate      string                 `json:"prompt_template" yaml:"prompt_template"`
	ExecutionStrategy   ExecutionStrategy      `json:"execution_strategy" yaml:"execution_strategy"`
	StateSchema         StateSchema            `json:"state_schema" yaml:"state_schema"`
	ResourceConstraints ResourceConstraints    `json:"resource_constraints" yaml:"resource_constraints"`
	SuccessMetrics      []SuccessMetric        `json:"success_metrics" yaml:"success_metrics"`
	Metadata            map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ParentConfig        string                 `json:"parent_config,omitempty" yaml:"parent_config,omitempty"`
	Hooks               map[string]string      `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// Validate — проверка, которую выполняет LoadConfig
func (c *AgentConfig) Validate() error {
	if c == nil {
		return &ConfigurationError{Reason: "config is nil"}
	}
	if c.Name == "" {
		return &ConfigurationError{Field: "name", Reason: "is required"}
	}
	if c.Type == "" {
		return &ConfigurationError{Field: "type", Reason: "is required"}
	}
	if c.PromptTemplate == "" {
		return &ConfigurationError{Field: "prompt_template", Reason: "is required"}
	}
	if c.Version != "" && !semverRe.MatchString(c.Version) {
		return &ConfigurationError{Field: "version", Reason: fmt.Sprintf("%q is not a semantic version", c.Version)}
	}
	switch c.ExecutionStrategy {
	case "", StrategySequential, StrategyParallel, StrategyConditional, StrategyIterative:
	default:
		return &ConfigurationError{Field: "execution_strategy", Reason: fmt.Sprintf("unknown strategy %q", c.ExecutionStrategy)}
	}
	if c.ResourceConstraints.MaxTokens <= 0 {
		return &ConfigurationError{Field: "resource_constraints.max_tokens", Reason: "must be positive"}
	}
	if c.ResourceConstraints.TimeoutSeconds <= 0 {
		return &ConfigurationError{Field: "resource_constraints.timeout", Reason: "must be positive"}
	}
	if err := c.StateSchema.validate(); err != nil {
		return err
	}
	for i, m := range c.SuccessMetrics {
		if m.Metric == "" {
			return &ConfigurationError{Field: fmt.Sprintf("success_metrics[%d].metric", i), Reason: "is required"}
		}
		switch m.Operator {
		case OpGTE, OpLTE, OpEQ, OpNEQ:
		default:
			return &ConfigurationError{Field: fmt.Sprintf("success_metrics[%d].operator", i), Reason: fmt.Sprintf("unknown operator %q", m.Operator)}
		}
	}
	for i, cc := range c.Capabilities {
		if cc.Tool == "" {
			return &ConfigurationError{Field: fmt.Sprintf("capabilities[%d].tool", i), Reason: "is required"}
		}
	}
	return nil
}

func (s StateSchema) validate() error {
	seen := make(map[string]struct{})
	for _, f := range append(slices.Clone(s.RequiredFields), s.OutputFields...) {
		if f == "" {
			return &ConfigurationError{Field: "state_schema", Reason: "empty field name"}
		}
		seen[f] = struct{}{}
	}
	for name, rule := range s.ValidationRules {
		if _, ok := seen[name]; !ok {
			return &ConfigurationError{Field: "state_schema.validation_rules", Reason: fmt.Sprintf("rule for undeclared field %q", name)}
		}
		if rule.Pattern != "" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return &ConfigurationError{Field: "state_schema.validation_rules." + name, Reason: err.Error()}
			}
		}
	}
	if p := s.CheckpointPolicy; p != nil && p.EveryN < 0 {
		return &ConfigurationError{Field: "state_schema.checkpoint_policy.every_n", Reason: "must not be negative"}
	}
	return nil
}
