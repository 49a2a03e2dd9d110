package notification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-aggregator/internal/model"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func failed(sym string) model.SyncEvent {
	return model.SyncEvent{Symbol: sym, Mode: model.SyncIncremental, Err: "timeout"}
}

func ok(sym string) model.SyncEvent {
	return model.SyncEvent{Symbol: sym, Mode: model.SyncIncremental, Inserted: 1}
}

func TestFailureTracker_AlertsOnceAtThreshold(t *testing.T) {
	tr := NewFailureTracker(&captureNotifier{}, 3)

	_, fired := tr.Observe(failed("BTCUSDT"))
	assert.False(t, fired)
	_, fired = tr.Observe(failed("BTCUSDT"))
	assert.False(t, fired)

	alert, fired := tr.Observe(failed("BTCUSDT"))
	require.True(t, fired)
	assert.Equal(t, AlertWarning, alert.Level)
	assert.Contains(t, alert.Message, "3 consecutive")
	assert.Contains(t, alert.Message, "timeout")

	_, fired = tr.Observe(failed("BTCUSDT"))
	assert.False(t, fired, "no repeat while still failing")

	alert, fired = tr.Observe(ok("BTCUSDT"))
	require.True(t, fired)
	assert.Equal(t, AlertInfo, alert.Level)

	_, fired = tr.Observe(ok("BTCUSDT"))
	assert.False(t, fired)
}

func TestFailureTracker_SuccessResetsStreak(t *testing.T) {
	tr := NewFailureTracker(&captureNotifier{}, 2)
	tr.Observe(failed("ETHUSDT"))
	tr.Observe(ok("ETHUSDT"))
	_, fired := tr.Observe(failed("ETHUSDT"))
	assert.False(t, fired)

	_, fired = tr.Observe(failed("SOLUSDT"))
	assert.False(t, fired, "streaks are per symbol")
}

func TestFailureTracker_Run(t *testing.T) {
	n := &captureNotifier{err: errors.New("unreachable")}
	tr := NewFailureTracker(n, 1)

	ch := make(chan model.SyncEvent, 3)
	ch <- failed("A")
	ch <- ok("A")
	ch <- ok("B")
	close(ch)
	tr.Run(context.Background(), ch)

	require.Len(t, n.alerts, 2)
	assert.Equal(t, AlertWarning, n.alerts[0].Level)
	assert.Equal(t, AlertInfo, n.alerts[1].Level)
}

func TestMulti_JoinsErrors(t *testing.T) {
	a := &captureNotifier{}
	b := &captureNotifier{err: errors.New("b down")}
	err := Multi{a, b, NewLogNotifier()}.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "b down")
	assert.Len(t, a.alerts, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(),
		Alert{Level: AlertWarning, Symbol: "BTCUSDT", Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "WARNING", got.Level)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.NotEmpty(t, got.TS)
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{})
	assert.ErrorContains(t, err, "502")
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	alert := Alert{Level: AlertWarning, Symbol: "BTCUSDT", Title: "BTC-USDT down", Message: "1.5"}
	require.NoError(t, n.Send(context.Background(), alert))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "MarkdownV2", body["parse_mode"])
	assert.Contains(t, body["text"], `BTC\-USDT down`)
	assert.Contains(t, body["text"], `1\.5`)
	assert.Contains(t, body["text"], `\#BTCUSDT`)
}

func TestTelegramNotifier_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "chat not found")
}
