// Package bus fans sync events out to independent consumers (Redis, Kafka,
// alerting) so a slow consumer never stalls the sync loop.
package bus

import (
	"context"
	"log"
	"sync"

	"candle-aggregator/internal/model"
)

// FanOut broadcasts events from a single input channel to N named output
// channels. If an output channel is full the event is dropped for that
// consumer only.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string)
}

type output struct {
	name string
	ch   chan model.SyncEvent
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. Subscribe before Run.
func (f *FanOut) Subscribe(name string) <-chan model.SyncEvent {
	ch := make(chan model.SyncEvent, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers. It closes every
// output when input is closed or ctx is cancelled.
func (f *FanOut) Run(ctx context.Context, input <-chan model.SyncEvent) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, o := range f.outputs {
				select {
				case o.ch <- ev:
				default:
					if f.OnDrop != nil {
						f.OnDrop(o.name)
					} else {
						log.Printf("[bus] subscriber %s full, dropping sync event for %s", o.name, ev.Symbol)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Name: o.name, Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
