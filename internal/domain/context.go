package domain

import (
	"slices"
	"time"
)

// IsolationLevel — семантика копирования данных при fork
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "NONE"      // общие ссылки с родителем
	IsolationShallow   IsolationLevel = "SHALLOW"   // копия верхнего уровня, вложенное общее
	IsolationDeep      IsolationLevel = "DEEP"      // полностью независимая копия
	IsolationSandboxed IsolationLevel = "SANDBOXED" // всегда пустые значения
)

func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationNone, IsolationShallow, IsolationDeep, IsolationSandboxed:
		return true
	}
	return false
}

// ContextState — состояния State Machine контекста
type ContextState string

const (
	ContextCreated    ContextState = "CREATED"
	ContextActive     ContextState = "ACTIVE"
	ContextSuspended  ContextState = "SUSPENDED"
	ContextCompleted  ContextState = "COMPLETED"
	ContextFailed     ContextState = "FAILED"
	ContextTerminated ContextState = "TERMINATED"
)

// contextTransitions: разрешенные переходы. TERMINATED достижим из любого
// состояния и выхода из него нет.
var contextTransitions = map[ContextState][]ContextState{
	ContextCreated:   {ContextActive, ContextTerminated},
	ContextActive:    {ContextSuspended, ContextCompleted, ContextFailed, ContextTerminated},
	ContextSuspended: {ContextActive, ContextTerminated},
	ContextCompleted: {ContextTerminated},
	ContextFailed:    {ContextTerminated},
}

// CanTransitionTo проверяет правила конечного автомата
func (s ContextState) CanTransitionTo(next ContextState) bool {
	return slices.Contains(contextTransitions[s], next)
}

// Finished — терминальные состояния, подлежащие сборке мусора
func (s ContextState) Finished() bool {
	return s == ContextCompleted || s == ContextTerminated
}

// AgentContext — изолированный набор данных, с которым исполняется агент.
type AgentContext struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	IsolationLevel IsolationLevel `json:"isolation_level"`
	State          ContextState   `json:"state"`

	Variables        map[string]interface{} `json:"variables"`
	SharedResources  map[string]interface{} `json:"shared_resources"`
	PrivateResources map[string]interface{} `json:"private_resources"`
	Constraints      map[string]interface{} `json:"constraints"`

	MaxExecutionTime *time.Duration `json:"max_execution_time,omitempty"`
	MaxMemory        *int64         `json:"max_memory,omitempty"`

	AllowedOperations    []string `json:"allowed_operations,omitempty"`
	RestrictedOperations []string `json:"restricted_operations,omitempty"`

	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Permits: ограничение всегда сильнее разрешения; пустой allowed = разрешено всё.
func (c *AgentContext) Permits(op string) bool {
	if slices.Contains(c.RestrictedOperations, op) {
		return false
	}
	return len(c.AllowedOperations) == 0 || slices.Contains(c.AllowedOperations, op)
}

// ContextData — начальные данные для CreateContext.
type ContextData struct {
	Variables            map[string]interface{}
	SharedResources      map[string]interface{}
	PrivateResources     map[string]interface{}
	Constraints          map[string]interface{}
	MaxExecutionTime     *time.Duration
	MaxMemory            *int64
	AllowedOperations    []string
	RestrictedOperations []string
	Metadata             map[string]interface{}
}

// ForkOptions управляет наследованием дочернего контекста.
type ForkOptions struct {
	IsolationLevel     IsolationLevel
	InheritVariables   bool
	InheritShared      bool
	InheritConstraints bool

	// Переопределения заменяют унаследованное значение целиком
	MaxExecutionTime     *time.Duration
	MaxMemory            *int64
	AllowedOperations    []string
	RestrictedOperations []string
	Metadata             map[string]interface{}
}

// ContextUpdate — частичное обновление. Мапы сливаются по ключам, nil-поля игнорируются.
type ContextUpdate struct {
	Variables            map[string]interface{}
	SharedResources      map[string]interface{}
	PrivateResources     map[string]interface{}
	Constraints          map[string]interface{}
	Metadata             map[string]interface{}
	MaxExecutionTime     *time.Duration
	MaxMemory            *int64
	AllowedOperations    []string
	RestrictedOperations []string
}
