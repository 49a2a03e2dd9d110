package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
	TS     string          `json:"ts"`
	Seq    int64           `json:"seq"`
}

func TestBuildEnvelope(t *testing.T) {
	data := []byte(`{"symbol":"BTCUSDT","mode":"incremental","inserted":2}`)
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)

	buf := buildEnvelope("BTCUSDT", data, now, 42)

	var env envelope
	require.NoError(t, json.Unmarshal(buf, &env), "raw: %s", buf)
	assert.Equal(t, "sync", env.Type)
	assert.Equal(t, "BTCUSDT", env.Symbol)
	assert.Equal(t, int64(42), env.Seq)
	assert.JSONEq(t, string(data), string(env.Data))

	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestSymbolFromChannel(t *testing.T) {
	sym, ok := symbolFromChannel("pub:sync:ETHUSDT")
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)

	for _, ch := range []string{"pub:sync:", "pub:candle:60s:NSE:1", "sync:ETHUSDT"} {
		_, ok := symbolFromChannel(ch)
		assert.False(t, ok, ch)
	}
}

func TestParseSymbols(t *testing.T) {
	assert.Nil(t, parseSymbols(""))
	assert.Nil(t, parseSymbols(" , "))
	assert.Equal(t, map[string]bool{"BTCUSDT": true, "ETHUSDT": true}, parseSymbols("btcusdt, ETHUSDT"))
}

func TestBroadcast_SeqAndLatest(t *testing.T) {
	h := NewHub(nil)
	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"symbol":"BTCUSDT"}`))
	h.Broadcast("pub:sync:ETHUSDT", []byte(`{"symbol":"ETHUSDT"}`))
	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"symbol":"BTCUSDT","inserted":1}`))
	h.Broadcast("pub:sync:BTCUSDT", []byte(`not json`))
	h.Broadcast("pub:other:BTCUSDT", []byte(`{}`))

	assert.Equal(t, int64(3), h.Seq())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, h.LatestSymbols())
	assert.Equal(t, int64(3), h.latest["BTCUSDT"].Seq)
	assert.Equal(t, 3, h.replay.Len())
}

func TestBroadcast_RecordsLag(t *testing.T) {
	h := NewHub(nil)
	at := time.Now().Add(-2 * time.Second).UTC().Format(time.RFC3339Nano)
	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"at":"`+at+`"}`))
	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"at":"2001-01-01T00:00:00Z"}`))

	s := h.Lag.Stats()
	require.Equal(t, 1, s.Count, "ancient events are not sampled")
	assert.InDelta(t, 2000, s.P50, 500)
}

func TestReplayBuffer_SinceAndWraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, "S", []byte(fmt.Sprint(i)))
	}
	assert.Equal(t, 5, rb.Len())

	var seqs []int64
	for _, e := range rb.Since(5) {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{6, 7, 8}, seqs)
	assert.Len(t, rb.Since(0), 5, "evicted entries are gone")
	assert.Empty(t, rb.Since(8))
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(1000)
	assert.Equal(t, LagStats{}, lt.Stats())

	for i := 1; i <= 100; i++ {
		lt.Record(float64(i))
	}
	s := lt.Stats()
	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 50.5, s.P50, 0.01)
	assert.InDelta(t, 95.05, s.P95, 0.01)
	assert.Equal(t, 100.0, s.Max)

	small := NewLatencyTracker(3)
	for _, v := range []float64{100, 1, 2, 3} {
		small.Record(v)
	}
	assert.Equal(t, 3.0, small.Stats().Max, "oldest sample overwritten")
}

func routeWS(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sync", h.ServeWS)
	return mux
}

func dial(t *testing.T, srvURL, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws/sync" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelopes reads one frame and splits coalesced messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []envelope
	for _, line := range strings.Split(string(raw), "\n") {
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		out = append(out, env)
	}
	return out
}

func TestServeWS_StreamsFilteredEvents(t *testing.T) {
	h := NewHub(nil)
	var counts atomic.Int32
	h.OnClientCount = func(n int) { counts.Store(int32(n)) }
	srv := httptest.NewServer(routeWS(h))
	defer srv.Close()

	all := dial(t, srv.URL, "")
	eth := dial(t, srv.URL, "?symbols=ethusdt")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"symbol":"BTCUSDT"}`))
	h.Broadcast("pub:sync:ETHUSDT", []byte(`{"symbol":"ETHUSDT"}`))

	var got []string
	for len(got) < 2 {
		for _, env := range readEnvelopes(t, all) {
			got = append(got, env.Symbol)
		}
	}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)

	envs := readEnvelopes(t, eth)
	require.Len(t, envs, 1)
	assert.Equal(t, "ETHUSDT", envs[0].Symbol)
	assert.Equal(t, int64(2), envs[0].Seq)

	all.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), counts.Load())
}

func TestServeWS_InitialStateAndReplay(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(routeWS(h))
	defer srv.Close()

	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"n":1}`))
	h.Broadcast("pub:sync:BTCUSDT", []byte(`{"n":2}`))
	h.Broadcast("pub:sync:ETHUSDT", []byte(`{"n":3}`))

	// latest per symbol on a plain connect
	conn := dial(t, srv.URL, "?symbols=BTCUSDT")
	envs := readEnvelopes(t, conn)
	require.Len(t, envs, 1)
	assert.JSONEq(t, `{"n":2}`, string(envs[0].Data))

	// replay everything after seq 1
	conn = dial(t, srv.URL, "?since=1")
	var seqs []int64
	for len(seqs) < 2 {
		for _, env := range readEnvelopes(t, conn) {
			seqs = append(seqs, env.Seq)
		}
	}
	assert.Equal(t, []int64{2, 3}, seqs)
}

func TestServeWS_SubscribeAndPing(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(routeWS(h))
	defer srv.Close()

	conn := dial(t, srv.URL, "")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "SUBSCRIBE", "symbols": []string{"solusdt"}}))
	envs := readEnvelopes(t, conn)
	assert.Equal(t, "subscribed", envs[0].Type)

	h.Broadcast("pub:sync:BTCUSDT", []byte(`{}`))
	h.Broadcast("pub:sync:SOLUSDT", []byte(`{}`))
	envs = readEnvelopes(t, conn)
	require.Len(t, envs, 1)
	assert.Equal(t, "SOLUSDT", envs[0].Symbol)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"ping": 123}))
	envs = readEnvelopes(t, conn)
	assert.Equal(t, "pong", envs[0].Type)
	assert.Equal(t, int64(2), envs[0].Seq)
}
