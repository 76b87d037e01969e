package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrStoreUnavailable — инфраструктурная ошибка (Redis/Postgres недоступен).
	// Никогда не ретраится внутри компонентов: политика повторов у вызывающего.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrBudgetNotFound    = errors.New("budget not found")
	ErrContextNotFound   = errors.New("context not found")
	ErrInvalidTransition = errors.New("invalid context state transition")
	ErrConfigNotLoaded   = errors.New("agent configuration is not loaded")
)

// ConfigurationError — отсутствующая или некорректная конфигурация.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ValidationError — состояние или параметр не прошли объявленные правила.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// CapabilityNotFoundError — инструмент не зарегистрирован или не привязан к агенту.
type CapabilityNotFoundError struct {
	Tool    string
	AgentID string
}

func (e *CapabilityNotFoundError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("capability %q is not bound to agent %q", e.Tool, e.AgentID)
	}
	return fmt.Sprintf("capability %q is not registered", e.Tool)
}

// CapabilityBindingError — не выполнены требования прав или конфигурации при привязке.
type CapabilityBindingError struct {
	Tool   string
	Reason string
}

func (e *CapabilityBindingError) Error() string {
	return fmt.Sprintf("cannot bind capability %q: %s", e.Tool, e.Reason)
}

// BudgetExceededError — единственная ожидаемая "управляющая" ошибка consume:
// жесткий лимит был бы превышен, usage не изменен.
type BudgetExceededError struct {
	BudgetID  string
	Resource  ResourceType
	Attempted float64
	Limit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget %q exceeded for %s: attempted total %s > limit %s",
		e.BudgetID, e.Resource, formatAmount(e.Attempted), formatAmount(e.Limit))
}

// ContextIsolationError — хранилище контекстов недоступно или запись повреждена.
type ContextIsolationError struct {
	ContextID string
	Err       error
}

func (e *ContextIsolationError) Error() string {
	return fmt.Sprintf("context isolation failure for %q: %v", e.ContextID, e.Err)
}

func (e *ContextIsolationError) Unwrap() error { return e.Err }

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
