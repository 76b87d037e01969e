package audit

import "time"

// Режимы исполнения вызова
const (
	ModeLive    = "LIVE"
	ModeSandbox = "SANDBOX"
)

// Статусы вызова
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusDenied  = "DENIED" // отказ до вызова: не привязан, CB открыт, rate limit
)

// ToolEvent — одна запись аудита вызова инструмента агентом.
type ToolEvent struct {
	ID      string                 `json:"id"`       // UUID события
	TraceID string                 `json:"trace_id"` // Сквозной ID (span/execution)
	AgentID string                 `json:"agent_id"` // Кто вызывал
	Tool    string                 `json:"tool"`     // Что вызывал
	Args    map[string]interface{} `json:"args"`     // С какими аргументами

	Mode string `json:"mode"` // LIVE или SANDBOX

	Status     string      `json:"status"`
	Response   interface{} `json:"response"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}
