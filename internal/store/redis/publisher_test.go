package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-aggregator/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]model.SyncEvent
}

func (s *recordingSink) exec(_ context.Context, events []model.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection refused")
	}
	s.batches = append(s.batches, append([]model.SyncEvent(nil), events...))
	return nil
}

func (s *recordingSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *recordingSink) symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, ev := range b {
			out = append(out, ev.Symbol)
		}
	}
	return out
}

func newTestPublisher(maxBuf int) (*Publisher, *recordingSink, *fakeClock) {
	cb, clk := newTestBreaker(2)
	sink := &recordingSink{}
	p := newPublisher(context.Background(), cb, maxBuf)
	p.exec = sink.exec
	return p, sink, clk
}

func TestPublisher_PassThrough(t *testing.T) {
	p, sink, _ := newTestPublisher(10)
	require.NoError(t, p.PublishSyncEvent(context.Background(), model.SyncEvent{Symbol: "BTCUSDT"}))
	assert.Equal(t, []string{"BTCUSDT"}, sink.symbols())
}

func TestPublisher_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	p, sink, clk := newTestPublisher(10)
	ctx := context.Background()
	sink.setFail(true)

	assert.Error(t, p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "A"}))
	assert.Error(t, p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "B"}))
	require.Equal(t, StateOpen, p.cb.CurrentState())

	require.NoError(t, p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "C"}))
	require.NoError(t, p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "D"}))
	assert.Equal(t, 2, p.PendingCount())

	sink.setFail(false)
	clk.advance(11 * time.Second)
	require.NoError(t, p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "E"}))

	require.Eventually(t, func() bool { return p.PendingCount() == 0 && len(sink.symbols()) == 3 },
		time.Second, time.Millisecond)
	assert.Equal(t, []string{"E", "C", "D"}, sink.symbols())
}

func TestPublisher_BufferDropsOldest(t *testing.T) {
	p, sink, _ := newTestPublisher(2)
	ctx := context.Background()
	sink.setFail(true)
	p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "X"})
	p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "Y"})

	var buffered int
	p.OnBuffer = func() { buffered++ }
	for _, s := range []string{"A", "B", "C"} {
		p.PublishSyncEvent(ctx, model.SyncEvent{Symbol: s})
	}
	assert.Equal(t, 3, buffered)
	require.Equal(t, 2, p.PendingCount())
	assert.Equal(t, "B", p.buffer[0].Symbol)
}

func TestJSONCache_OpenBreakerIsMiss(t *testing.T) {
	cb, _ := newTestBreaker(1)
	trip(cb, 1)
	c := NewJSONCache(nil, cb, "test:")

	var v map[string]int
	ok, err := c.Get(context.Background(), "k", &v)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Set(context.Background(), "k", map[string]int{"a": 1}, time.Minute))
}

// TestRedisIntegration runs only when REDIS_TEST_ADDR points at a disposable server.
func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, Config{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	cache := NewJSONCache(client, NewCircuitBreaker(3, time.Second), "test:cache:")
	type payload struct{ N int }
	require.NoError(t, cache.Set(ctx, "p", payload{N: 7}, time.Minute))
	var got payload
	ok, err := cache.Get(ctx, "p", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, got.N)

	require.NoError(t, cache.Delete(ctx, "p"))
	ok, err = cache.Get(ctx, "p", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	sub := client.Subscribe(ctx, "pub:sync:ITESTUSDT")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewPublisher(ctx, client, NewCircuitBreaker(3, time.Second), 10)
	require.NoError(t, pub.PublishSyncEvent(ctx, model.SyncEvent{Symbol: "ITESTUSDT", Mode: model.SyncSkip}))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"symbol":"ITESTUSDT"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}
	latest, err := client.Get(ctx, LatestSyncKey("ITESTUSDT")).Result()
	require.NoError(t, err)
	assert.Contains(t, latest, `"mode":"skip"`)
}
