package postgres

import (
	"context"
	"os"
	"testing"

	"candle-aggregator/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSQL(t *testing.T) {
	q, args := rangeSQL("BTCUSDT", 0, 0, 0)
	assert.Contains(t, q, "WHERE symbol = $1 ORDER BY timestamp ASC")
	assert.NotContains(t, q, "LIMIT")
	assert.Equal(t, []any{"BTCUSDT"}, args)

	q, args = rangeSQL("BTCUSDT", 100, 200, 5)
	assert.Contains(t, q, "timestamp >= $2 AND timestamp <= $3")
	assert.Contains(t, q, "LIMIT $4")
	assert.Equal(t, []any{"BTCUSDT", int64(100), int64(200), 5}, args)

	q, args = rangeSQL("BTCUSDT", 0, 200, 0)
	assert.Contains(t, q, "timestamp <= $2")
	assert.Len(t, args, 2)
}

// Integration test; runs only when POSTGRES_TEST_DSN points at a scratch database.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Reset(ctx))

	step := int64(900_000)
	candles := []model.Candle{
		{Symbol: "BTCUSDT", Timestamp: step, Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{Symbol: "BTCUSDT", Timestamp: 2 * step, Open: 1.5, High: 2, Low: 1, Close: 1.8},
	}
	n, err := s.UpsertCandles(ctx, "BTCUSDT", candles)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertCandles(ctx, "BTCUSDT", candles)
	require.NoError(t, err)
	assert.Zero(t, n)

	latest, ok, err := s.LatestTimestamp(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2*step, latest)

	got, err := s.LatestN(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{step, 2 * step}, model.Timestamps(got))
}
