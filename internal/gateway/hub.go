// Package gateway streams sync events to WebSocket clients. Events arrive on
// Redis pub/sub ("pub:sync:<symbol>") and are fanned out to every connected
// client whose symbol filter matches.
package gateway

import (
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

const (
	replayCapacity = 1000
	clientSendBuf  = 256
)

// Hub manages WebSocket clients and the sync event fan-out.
type Hub struct {
	Rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry // by symbol
	seq     int64

	replay *ReplayBuffer
	// Lag tracks how old events are when they reach the hub.
	Lag *LatencyTracker

	upgrader websocket.Upgrader

	// OnClientCount is called whenever clients connect or leave (optional).
	OnClientCount func(n int)
}

type latestEntry struct {
	Envelope []byte
	Seq      int64
}

// NewHub creates a hub. rdb may be nil when events are pushed via Broadcast.
func NewHub(rdb *goredis.Client) *Hub {
	return &Hub{
		Rdb:     rdb,
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
		replay:  NewReplayBuffer(replayCapacity),
		Lag:     NewLatencyTracker(10000),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and registers a client.
//
// Query parameters:
//
//	symbols=BTCUSDT,ETHUSDT  only stream these symbols (default all)
//	since=<seq>              replay buffered events after seq instead of
//	                         the latest event per symbol
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn, parseSymbols(r.URL.Query().Get("symbols")))

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.reportCount(count)

	log.Printf("[gateway] ws client connected (%d total)", count)

	since, sinceErr := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if sinceErr == nil && since >= 0 {
		client.sendReplay(since)
	} else {
		client.sendInitialState()
	}

	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters a client and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	h.reportCount(count)
}

func (h *Hub) reportCount(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the sequence number of the last broadcast event.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// LatestSymbols lists symbols that have had at least one event.
func (h *Hub) LatestSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.latest))
	for s := range h.latest {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func parseSymbols(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, p := range strings.Split(s, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out[p] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Lag samples for events older than this are ignored.
const staleAfter = 24 * time.Hour
