package gateway

import (
	"context"
	"log"
	"time"
)

// Run subscribes to "pub:sync:*" and broadcasts every message. It resubscribes
// after the subscription channel closes and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.Rdb == nil {
		log.Println("[gateway] no redis client, sync stream is local only")
		<-ctx.Done()
		return
	}

	for {
		h.runPattern(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
			log.Println("[gateway] resubscribing to sync events")
		}
	}
}

func (h *Hub) runPattern(ctx context.Context) {
	pubsub := h.Rdb.PSubscribe(ctx, syncChannelPrefix+"*")
	defer pubsub.Close()

	log.Printf("[gateway] subscribed to %s*", syncChannelPrefix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}
