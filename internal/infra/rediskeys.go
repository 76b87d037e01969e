package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных рантайма в Redis
	RedisNamespace = "agentrt"
)

// Keys — генератор ключей в рамках одного namespace.
// Несколько рантаймов могут делить один Redis, если namespace разные.
type Keys struct {
	ns string
}

func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = RedisNamespace
	}
	return Keys{ns: namespace}
}

func (k Keys) Namespace() string { return k.ns }

// Budget Ledger. Счетчики usage адресуются отдельно от записи с лимитами.

func (k Keys) Budget(id string) string         { return fmt.Sprintf("%s:budget:%s", k.ns, id) }
func (k Keys) BudgetLimits(id string) string   { return k.Budget(id) + ":limits" }
func (k Keys) BudgetUsage(id string) string    { return k.Budget(id) + ":usage" }
func (k Keys) BudgetChildren(id string) string { return k.Budget(id) + ":children" }
func (k Keys) BudgetParent(id string) string   { return k.Budget(id) + ":parent" }

// Context Store

func (k Keys) Context(id string) string         { return fmt.Sprintf("%s:ctx:%s", k.ns, id) }
func (k Keys) ContextChildren(id string) string { return k.Context(id) + ":children" }
func (k Keys) AgentContexts(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:contexts", k.ns, agentID)
}

// ContextsUpdated — zset (score = updated_at unix) для сборки мусора
func (k Keys) ContextsUpdated() string { return k.ns + ":contexts:updated" }

// Capability bindings и данные встроенных инструментов

func (k Keys) Bindings(agentID string) string { return fmt.Sprintf("%s:bindings:%s", k.ns, agentID) }
func (k Keys) ToolKV(agentID string) string   { return fmt.Sprintf("%s:tool:kv:%s", k.ns, agentID) }

// Каналы Pub/Sub

// ChanContextInvalidate — канал для сброса live-хендлов контекстов на других репликах.
func (k Keys) ChanContextInvalidate() string { return k.ns + ":contexts:invalidate" }
