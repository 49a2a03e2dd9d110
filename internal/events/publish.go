package events

import (
	"context"
	"log"
	"time"

	"candle-aggregator/internal/model"
)

// Drain forwards every event from ch to pub until ch is closed. Each publish
// gets its own timeout so a stuck broker cannot wedge the consumer.
func Drain(ctx context.Context, name string, pub model.EventPublisher, ch <-chan model.SyncEvent, timeout time.Duration) {
	for ev := range ch {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		if err := pub.PublishSyncEvent(pctx, ev); err != nil {
			log.Printf("[%s] publish %s failed: %v", name, ev.Symbol, err)
		}
		cancel()
	}
}
