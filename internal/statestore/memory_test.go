package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_LatestWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	got, err := s.GetLatestState(ctx, "agent", KindCheckpoint)
	require.NoError(t, err)
	assert.Nil(t, got)

	data := map[string]interface{}{"step": 1}
	require.NoError(t, s.SaveState(ctx, "agent", KindCheckpoint, data, nil))
	data["step"] = 99 // снимок не должен видеть мутации вызывающего
	require.NoError(t, s.SaveState(ctx, "agent", KindFinal, map[string]interface{}{"done": true}, map[string]interface{}{"v": "1.0.0"}))

	got, err = s.GetLatestState(ctx, "agent", KindCheckpoint)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Data["step"])
	assert.Equal(t, "agent", got.Owner)

	require.NoError(t, s.SaveState(ctx, "agent", KindCheckpoint, map[string]interface{}{"step": 2}, nil))
	got, err = s.GetLatestState(ctx, "agent", KindCheckpoint)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Data["step"])
	assert.Equal(t, 2, s.Count("agent", KindCheckpoint))

	_, err = s.GetLatestState(ctx, "other", KindCheckpoint)
	require.NoError(t, err)
}

func TestMemory_UnencodableData(t *testing.T) {
	s := NewMemory()
	err := s.SaveState(context.Background(), "a", KindFinal, map[string]interface{}{"ch": make(chan int)}, nil)
	require.Error(t, err)
}
