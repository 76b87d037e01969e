package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-agent-runtime/internal/statestore"
)

// StateRepo — statestore.Store поверх таблицы agent_states.
type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

func (r *StateRepo) SaveState(ctx context.Context, owner, kind string, data, metadata map[string]interface{}) error {
	rawData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}
	var rawMeta []byte
	if metadata != nil {
		if rawMeta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("postgres: encode state metadata: %w", err)
		}
	}

	query := `INSERT INTO agent_states (owner, kind, data, metadata) VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, query, owner, kind, rawData, rawMeta); err != nil {
		return fmt.Errorf("postgres: failed to save state: %w", err)
	}
	return nil
}

func (r *StateRepo) GetLatestState(ctx context.Context, owner, kind string) (*statestore.Snapshot, error) {
	query := `
		SELECT data, metadata, created_at
		FROM agent_states
		WHERE owner = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	s := &statestore.Snapshot{Owner: owner, Kind: kind}
	var rawData, rawMeta []byte
	err := r.pool.QueryRow(ctx, query, owner, kind).Scan(&rawData, &rawMeta, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to load state: %w", err)
	}

	if err := json.Unmarshal(rawData, &s.Data); err != nil {
		return nil, fmt.Errorf("postgres: decode state: %w", err)
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode state metadata: %w", err)
		}
	}
	return s, nil
}
