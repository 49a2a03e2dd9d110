package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candle-aggregator/internal/model"
)

const (
	// SyncStream keeps a short history of sync events for late readers.
	SyncStream       = "stream:sync"
	syncStreamMaxLen = 5000
	latestSyncTTL    = 6 * time.Hour
)

// LatestSyncKey is the key holding a symbol's most recent sync event.
func LatestSyncKey(symbol string) string { return "sync:latest:" + symbol }

// Publisher writes SyncEvents to Redis (XADD + SET latest + PUBLISH) through
// a circuit breaker. While the breaker is open events are buffered in memory,
// dropping the oldest past maxBuf, and replayed once it closes.
type Publisher struct {
	cb   *CircuitBreaker
	exec func(ctx context.Context, events []model.SyncEvent) error

	mu     sync.Mutex
	buffer []model.SyncEvent
	maxBuf int
	ctx    context.Context

	// OnBuffer is called when an event is buffered (optional).
	OnBuffer func()
	// OnFlush is called after buffered events are replayed (optional).
	OnFlush func(count int)
}

// NewPublisher creates a publisher over client. ctx bounds background flushes.
func NewPublisher(ctx context.Context, client *goredis.Client, cb *CircuitBreaker, maxBuf int) *Publisher {
	p := newPublisher(ctx, cb, maxBuf)
	p.exec = func(ctx context.Context, events []model.SyncEvent) error {
		return writeEvents(ctx, client, events)
	}
	return p
}

func newPublisher(ctx context.Context, cb *CircuitBreaker, maxBuf int) *Publisher {
	if maxBuf <= 0 {
		maxBuf = 10000
	}
	p := &Publisher{cb: cb, maxBuf: maxBuf, ctx: ctx}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// PublishSyncEvent implements model.EventPublisher. A buffered event is not
// an error.
func (p *Publisher) PublishSyncEvent(ctx context.Context, ev model.SyncEvent) error {
	err := p.cb.Execute(func() error {
		return p.exec(ctx, []model.SyncEvent{ev})
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferEvent(ev)
		return nil
	}
	return err
}

func (p *Publisher) bufferEvent(ev model.SyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, ev)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events in a single pipeline. On failure the events
// go back to the front of the buffer.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	err := p.cb.Execute(func() error { return p.exec(p.ctx, pending) })
	if err != nil {
		log.Printf("[redis] flush of %d buffered sync events failed: %v", len(pending), err)
		p.mu.Lock()
		p.buffer = append(pending, p.buffer...)
		if over := len(p.buffer) - p.maxBuf; over > 0 {
			p.buffer = p.buffer[over:]
		}
		p.mu.Unlock()
		return
	}

	log.Printf("[redis] flushed %d buffered sync events", len(pending))
	if p.OnFlush != nil {
		p.OnFlush(len(pending))
	}
}

// PendingCount returns the number of buffered events.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Close is a no-op; the client is owned by the caller.
func (p *Publisher) Close() error { return nil }

func writeEvents(ctx context.Context, client *goredis.Client, events []model.SyncEvent) error {
	pipe := client.Pipeline()
	for i := range events {
		ev := &events[i]
		data := string(ev.JSON())
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: SyncStream,
			MaxLen: syncStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"symbol": ev.Symbol, "data": data},
		})
		pipe.Set(ctx, LatestSyncKey(ev.Symbol), data, latestSyncTTL)
		pipe.Publish(ctx, ev.Channel(), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}
