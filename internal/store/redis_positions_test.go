package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"straddle-trading-engine/internal/ledger"
)

func TestMemoryOnlySaveAndLoad(t *testing.T) {
	s := NewRedisPositionSnapshots(nil, zerolog.Nop())
	ctx := context.Background()

	positions := []ledger.Position{{
		ID:           "p1",
		Symbol:       "BTCUSDT",
		Side:         ledger.Long,
		EntryPrice:   100,
		EntryTime:    time.UnixMilli(1000),
		Quantity:     1,
		Leverage:     10,
		ExtremePrice: 101,
		CurrentStop:  99,
	}}

	require.NoError(t, s.Save(ctx, positions))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, positions[0], loaded[0])
}

func TestSaveOverwritesSnapshot(t *testing.T) {
	s := NewRedisPositionSnapshots(nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []ledger.Position{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, s.Save(ctx, nil))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestNopStoresAreInert(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, NopTradeLog{}.Append(ctx, ledger.Trade{}))
	assert.NoError(t, NopPositionSnapshots{}.Save(ctx, nil))
	loaded, err := NopPositionSnapshots{}.Load(ctx)
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}
