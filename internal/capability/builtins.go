package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-runtime/internal/infra"
)

type agentIDKey struct{}

// WithAgentID кладет id вызывающего агента в ctx вызова инструмента.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext — id агента, от имени которого идет вызов.
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}

// RegisterBuiltins регистрирует встроенные инструменты: echo, clock и kv.
// kv доступен только при rdb != nil.
func RegisterBuiltins(r *Registry, rdb *redis.Client, keys infra.Keys) error {
	defs := []ToolDefinition{
		{
			Name:        "echo",
			Description: "Returns its arguments unchanged.",
			Category:    "util",
			Sandboxable: true,
			Handler: Func(func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				out := make(map[string]interface{}, len(args))
				for k, v := range args {
					out[k] = v
				}
				return out, nil
			}),
		},
		{
			Name:        "clock",
			Description: "Returns the current UTC time.",
			Category:    "util",
			Sandboxable: true,
			Handler: Func(func(context.Context, map[string]interface{}) (interface{}, error) {
				now := time.Now().UTC()
				return map[string]interface{}{"now": now.Format(time.RFC3339Nano), "unix": now.Unix()}, nil
			}),
		},
	}
	if rdb != nil {
		defs = append(defs, ToolDefinition{
			Name:                "kv",
			Description:         "Agent-scoped key/value store. args: op (get|set|delete), key, value.",
			Category:            "kv",
			Sandboxable:         true,
			PermissionsRequired: []string{"kv:write"},
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"op": "string", "key": "string", "value": "string"},
			},
			Handler: Constructor(func(map[string]interface{}) (Tool, error) {
				return &kvTool{rdb: rdb, keys: keys}, nil
			}),
		})
	}

	for _, d := range defs {
		if err := r.RegisterTool(d); err != nil {
			return err
		}
	}
	return nil
}

type kvTool struct {
	rdb  *redis.Client
	keys infra.Keys
}

func (t *kvTool) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	agentID := AgentIDFromContext(ctx)
	if agentID == "" {
		return nil, errors.New("kv: agent id is missing from call context")
	}
	key, _ := args["key"].(string)
	if key == "" {
		return nil, errors.New("kv: key is required")
	}
	hash := t.keys.ToolKV(agentID)

	op, _ := args["op"].(string)
	switch op {
	case "get", "":
		v, err := t.rdb.HGet(ctx, hash, key).Result()
		if errors.Is(err, redis.Nil) {
			return map[string]interface{}{"key": key, "found": false}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("kv: get: %w", err)
		}
		return map[string]interface{}{"key": key, "found": true, "value": v}, nil
	case "set":
		if err := t.rdb.HSet(ctx, hash, key, fmt.Sprint(args["value"])).Err(); err != nil {
			return nil, fmt.Errorf("kv: set: %w", err)
		}
		return map[string]interface{}{"key": key, "stored": true}, nil
	case "delete":
		n, err := t.rdb.HDel(ctx, hash, key).Result()
		if err != nil {
			return nil, fmt.Errorf("kv: delete: %w", err)
		}
		return map[string]interface{}{"key": key, "deleted": n > 0}, nil
	}
	return nil, fmt.Errorf("kv: unknown op %q", op)
}
