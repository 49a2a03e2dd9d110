package gateway

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.RWMutex
	symbols map[string]bool // nil means every symbol
}

func newClient(h *Hub, conn *websocket.Conn, symbols map[string]bool) *Client {
	conn.EnableWriteCompression(true)
	return &Client{
		conn:    conn,
		send:    make(chan []byte, clientSendBuf),
		hub:     h,
		symbols: symbols,
	}
}

func (c *Client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbols == nil || c.symbols[symbol]
}

func (c *Client) setSymbols(symbols []string) {
	var m map[string]bool
	if len(symbols) > 0 {
		m = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			m[s] = true
		}
	}
	c.mu.Lock()
	c.symbols = m
	c.mu.Unlock()
}

// sendInitialState queues the latest event of every matching symbol.
func (c *Client) sendInitialState() {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for symbol, entry := range c.hub.latest {
		if !c.wants(symbol) {
			continue
		}
		select {
		case c.send <- entry.Envelope:
		default:
		}
	}
}

// sendReplay queues buffered events after seq, in order.
func (c *Client) sendReplay(since int64) {
	for _, e := range c.hub.replay.Since(since) {
		if !c.wants(e.Symbol) {
			continue
		}
		select {
		case c.send <- e.Data:
		default:
			return
		}
	}
}

func (c *Client) trySend(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			c.trySend(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			c.setSymbols(normalize(msg.Symbols))
			c.trySend(map[string]interface{}{"type": "subscribed", "symbols": msg.Symbols})
		case "PING", "":
			if msg.Ping > 0 || msg.Type == "PING" {
				c.trySend(map[string]interface{}{
					"type":      "pong",
					"ping":      msg.Ping,
					"server_ts": time.Now().UnixMilli(),
					"seq":       c.hub.Seq(),
				})
			}
		default:
			c.trySend(map[string]string{"type": "error", "error": "unknown type " + msg.Type})
		}
	}
}

func normalize(symbols []string) []string {
	m := parseSymbols(strings.Join(symbols, ","))
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}
