package statestore

import (
	"context"
	"time"
)

// Виды снимков состояния агента
const (
	KindCheckpoint = "checkpoint"
	KindFinal      = "final"
)

// Snapshot — сохраненное состояние владельца (агента) определенного вида.
type Snapshot struct {
	Owner     string                 `json:"owner"`
	Kind      string                 `json:"kind"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store — персистентное хранилище снимков. Запись best-effort с точки зрения агента.
type Store interface {
	SaveState(ctx context.Context, owner, kind string, data, metadata map[string]interface{}) error
	// GetLatestState возвращает (nil, nil), если снимков нет.
	GetLatestState(ctx context.Context, owner, kind string) (*Snapshot, error)
}
