package gateway

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const syncChannelPrefix = "pub:sync:"

// symbolFromChannel extracts the symbol from "pub:sync:<symbol>".
func symbolFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, syncChannelPrefix) {
		return "", false
	}
	sym := strings.TrimPrefix(channel, syncChannelPrefix)
	return sym, sym != ""
}

// buildEnvelope hand-crafts {"type":"sync","symbol":..,"data":..,"ts":..,"seq":N}.
// data must already be valid JSON.
func buildEnvelope(symbol string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(symbol)+len(data)+128)
	buf = append(buf, `{"type":"sync","symbol":`...)
	buf = strconv.AppendQuote(buf, symbol)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// Broadcast wraps a sync event payload published on channel and sends it to
// every client whose filter includes the symbol. Slow clients miss messages
// rather than blocking the hub.
func (h *Hub) Broadcast(channel string, data []byte) {
	symbol, ok := symbolFromChannel(channel)
	if !ok || !json.Valid(data) {
		return
	}
	now := time.Now().UTC()

	if at := eventTime(data); !at.IsZero() {
		if lag := now.Sub(at); lag >= 0 && lag < staleAfter {
			h.Lag.Record(float64(lag.Microseconds()) / 1000.0)
		}
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	env := buildEnvelope(symbol, data, now, seq)
	h.latest[symbol] = latestEntry{Envelope: env, Seq: seq}
	h.mu.Unlock()

	h.replay.Push(seq, symbol, env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(symbol) {
			continue
		}
		select {
		case client.send <- env:
		default:
		}
	}
}

// eventTime reads the "at" field of a sync event payload.
func eventTime(data []byte) time.Time {
	var partial struct {
		At time.Time `json:"at"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return time.Time{}
	}
	return partial.At
}
