package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory — Store в памяти процесса. Данные проходят через JSON, как и в
// PostgreSQL (jsonb), поэтому снимок не разделяет ссылки с вызывающим.
type Memory struct {
	mu     sync.RWMutex
	latest map[string][]byte
	counts map[string]int
}

func NewMemory() *Memory {
	return &Memory{latest: make(map[string][]byte), counts: make(map[string]int)}
}

func (m *Memory) SaveState(_ context.Context, owner, kind string, data, metadata map[string]interface{}) error {
	raw, err := json.Marshal(Snapshot{
		Owner:     owner,
		Kind:      kind,
		Data:      data,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("statestore: encode %s/%s: %w", owner, kind, err)
	}

	m.mu.Lock()
	m.latest[owner+"/"+kind] = raw
	m.counts[owner+"/"+kind]++
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetLatestState(_ context.Context, owner, kind string) (*Snapshot, error) {
	m.mu.RLock()
	raw, ok := m.latest[owner+"/"+kind]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("statestore: decode %s/%s: %w", owner, kind, err)
	}
	return &s, nil
}

// Count — сколько снимков вида kind сохранено для owner.
func (m *Memory) Count(owner, kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[owner+"/"+kind]
}
