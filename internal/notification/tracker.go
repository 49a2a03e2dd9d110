package notification

import (
	"context"
	"fmt"
	"log"
	"sync"

	"candle-aggregator/internal/model"
)

// FailureTracker counts consecutive failed syncs per symbol. It sends one
// WARNING alert when a symbol reaches the threshold and one INFO alert when
// that symbol next syncs successfully.
type FailureTracker struct {
	notifier  Notifier
	threshold int

	mu      sync.Mutex
	streaks map[string]int
	alerted map[string]bool
}

// NewFailureTracker creates a tracker. threshold < 1 is treated as 1.
func NewFailureTracker(n Notifier, threshold int) *FailureTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureTracker{
		notifier:  n,
		threshold: threshold,
		streaks:   make(map[string]int),
		alerted:   make(map[string]bool),
	}
}

// Observe updates the symbol's streak and returns the alert to send, if any.
func (t *FailureTracker) Observe(ev model.SyncEvent) (Alert, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ev.Failed() {
		t.streaks[ev.Symbol] = 0
		if !t.alerted[ev.Symbol] {
			return Alert{}, false
		}
		delete(t.alerted, ev.Symbol)
		return Alert{
			Level:   AlertInfo,
			Symbol:  ev.Symbol,
			Title:   ev.Symbol + " sync recovered",
			Message: fmt.Sprintf("%s synced again (%s, %d new candles)", ev.Symbol, ev.Mode, ev.Inserted),
		}, true
	}

	t.streaks[ev.Symbol]++
	n := t.streaks[ev.Symbol]
	if n < t.threshold || t.alerted[ev.Symbol] {
		return Alert{}, false
	}
	t.alerted[ev.Symbol] = true
	return Alert{
		Level:   AlertWarning,
		Symbol:  ev.Symbol,
		Title:   ev.Symbol + " sync failing",
		Message: fmt.Sprintf("%s failed %d consecutive syncs: %s", ev.Symbol, n, ev.Err),
	}, true
}

// Run consumes events until the channel closes, sending alerts as needed.
// Send failures are logged and do not stop the loop.
func (t *FailureTracker) Run(ctx context.Context, events <-chan model.SyncEvent) {
	for ev := range events {
		alert, ok := t.Observe(ev)
		if !ok {
			continue
		}
		if err := t.notifier.Send(ctx, alert); err != nil {
			log.Printf("[notify] alert for %s not delivered: %v", ev.Symbol, err)
		}
	}
}
