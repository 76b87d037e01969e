package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-agent-runtime/internal/audit"
)

// AuditRepo — audit.Storage поверх таблицы tool_audit_log.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

var auditColumns = []string{
	"id", "trace_id", "agent_id", "tool", "args", "mode", "status", "response", "error", "duration_ms", "timestamp",
}

// WriteBatch пишет пачку одним COPY.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.ToolEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		// Несериализуемые аргументы/ответы не должны терять событие
		args, err := json.Marshal(e.Args)
		if err != nil {
			args = nil
		}
		resp, err := json.Marshal(e.Response)
		if err != nil {
			resp = nil
		}
		rows = append(rows, []interface{}{
			e.ID, e.TraceID, e.AgentID, e.Tool, args, e.Mode, e.Status, resp, e.Error, e.DurationMs, e.Timestamp,
		})
	}

	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"tool_audit_log"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: audit copy: %w", err)
	}
	return nil
}
