package domain

import "time"

// AgentState — состояние агента (производное, отдельно не хранится)
type AgentState string

const (
	AgentIdle      AgentState = "IDLE"
	AgentRunning   AgentState = "RUNNING"
	AgentCompleted AgentState = "COMPLETED"
	AgentFailed    AgentState = "FAILED"
)

// Ключи AgentResult.Metadata
const (
	MetaExecutionTime   = "execution_time"
	MetaMetricResults   = "metric_results"
	MetaConfigVersion   = "config_version"
	MetaExecutionNumber = "execution_number"
	MetaCheckpoint      = "checkpoint"
	MetaExecutionID     = "execution_id"
)

// AgentResult — неизменяемый результат одного Execute.
type AgentResult struct {
	AgentID   string                 `json:"agent_id"`
	Result    interface{}            `json:"result"`
	State     AgentState             `json:"state"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// Succeeded — удобный хелпер для вызывающего
func (r *AgentResult) Succeeded() bool { return r != nil && r.State == AgentCompleted }

// Outcome — результат best-effort операции (чекпоинт, хук, загрузка плагина).
// Ошибка фиксируется, но не влияет на поток управления.
type Outcome struct {
	Op        string    `json:"op"`
	Attempted bool      `json:"attempted"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

func (o Outcome) Failed() bool { return o.Attempted && o.Err != nil }

// Summary — представление для метаданных результата
func (o Outcome) Summary() map[string]interface{} {
	s := map[string]interface{}{"op": o.Op, "attempted": o.Attempted, "ok": !o.Failed()}
	if o.Err != nil {
		s["error"] = o.Err.Error()
	}
	return s
}
