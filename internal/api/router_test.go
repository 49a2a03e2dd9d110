package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-aggregator/internal/analytics"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/scanner"
)

const (
	step = int64(15 * 60 * 1000)
	t0   = int64(1_700_000_000_000) / 3_600_000 * 3_600_000
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]model.Candle
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]model.Candle)} }

func (m *memStore) UpsertCandles(_ context.Context, symbol string, candles []model.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[symbol] = append(m.data[symbol], candles...)
	return len(candles), nil
}

func (m *memStore) bound(symbol string, last bool) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.data[symbol]
	if len(c) == 0 {
		return 0, false, nil
	}
	if last {
		return c[len(c)-1].Timestamp, true, nil
	}
	return c[0].Timestamp, true, nil
}

func (m *memStore) LatestTimestamp(_ context.Context, s string) (int64, bool, error) {
	return m.bound(s, true)
}

func (m *memStore) EarliestTimestamp(_ context.Context, s string) (int64, bool, error) {
	return m.bound(s, false)
}

func (m *memStore) Count(_ context.Context, s string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data[s])), nil
}

func (m *memStore) RangeQuery(_ context.Context, s string, start, end int64, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Candle
	for _, c := range m.data[s] {
		if (start == 0 || c.Timestamp >= start) && (end == 0 || c.Timestamp <= end) {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) LatestN(_ context.Context, s string, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.data[s]
	if len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]model.Candle(nil), c...), nil
}

func (m *memStore) Symbols(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.data {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) Reset(context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]model.Candle)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Close() error { return nil }

func rising(symbol string, n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		p := float64(100 + i)
		out[i] = model.Candle{
			Symbol: symbol, Timestamp: t0 + int64(i)*step,
			Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10,
		}
	}
	return out
}

type fixture struct {
	store  *memStore
	router *gin.Engine
	secret string
	resets int
}

func newFixture(t *testing.T, mod func(*Deps)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{store: newMemStore()}
	_, err := f.store.UpsertCandles(context.Background(), "BTCUSDT", rising("BTCUSDT", 40))
	require.NoError(t, err)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "candle-aggregator", AccountName: "admin"})
	require.NoError(t, err)
	f.secret = key.Secret()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	symbols := []string{"BTCUSDT"}
	scan := scanner.New(scanner.Config{Base: model.Minute15, BatchSize: 2, Symbols: symbols}, f.store, log)
	ov := analytics.NewOverview(f.store, func() []string { return symbols }, log)

	d := Deps{
		Store:    f.store,
		Scanner:  scan,
		Overview: analytics.NewCache("overview", time.Minute, ov.Compute, nil),
		Base:     model.Minute15,
		ScanDefaults: scanner.Request{
			Timeframe:  model.Hour1,
			Periods:    []int{3},
			Conditions: map[int]string{3: "above"},
			SortBy:     "symbol",
		},
		TOTPSecret: f.secret,
		OnReset:    func(context.Context) { f.resets++ },
		Log:        log,
	}
	if mod != nil {
		mod(&d)
	}
	f.router = NewRouter(d)
	return f
}

func (f *fixture) do(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type candlesBody struct {
	Symbol     string         `json:"symbol"`
	Resolution string         `json:"resolution"`
	Count      int            `json:"count"`
	Candles    []model.Candle `json:"candles"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestLatestCandles(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/candles/btcusdt/latest?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[candlesBody](t, w)
	assert.Equal(t, "BTCUSDT", body.Symbol)
	require.Len(t, body.Candles, 5)
	assert.Equal(t, t0+35*step, body.Candles[0].Timestamp)
	assert.Equal(t, t0+39*step, body.Candles[4].Timestamp)
}

func TestCandleRange(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/candles/BTCUSDT?start=0&end=0&limit=3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[candlesBody](t, w).Count)

	w = f.do(http.MethodGet, "/api/v1/candles/BTCUSDT?start=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/candles/BTCUSDT?start=200&end=100", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResampledCandles(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=60&limit=4", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[candlesBody](t, w)
	require.Len(t, body.Candles, 4)
	last := body.Candles[3]
	assert.Equal(t, t0+36*step, last.Timestamp)
	assert.Equal(t, 136.0, last.Open)
	assert.Equal(t, 139.0, last.Close)
	assert.Equal(t, 40.0, last.Volume)

	w = f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=20", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResampledCandles_FormingBucketLeavesFullLimit(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.UpsertCandles(context.Background(), "BTCUSDT", rising("BTCUSDT", 42)[40:])
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=60&limit=4", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[candlesBody](t, w)
	require.Len(t, body.Candles, 4)
	assert.Equal(t, t0+24*step, body.Candles[0].Timestamp)
	assert.Equal(t, t0+36*step, body.Candles[3].Timestamp)
}

func TestResampledCandles_EMALines(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=60&limit=4&ema=2,10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Candles []model.Candle        `json:"candles"`
		EMA     map[string][]emaPoint `json:"ema"`
	}](t, w)
	require.Len(t, body.Candles, 4)

	// hourly closes over the fetched window: 123 127 131 135 139
	line := body.EMA["2"]
	require.Len(t, line, 4)
	assert.Equal(t, t0+24*step, line[0].Timestamp)
	assert.InDelta(t, 125.0, line[0].Value, 1e-9)
	assert.InDelta(t, 137.0, line[3].Value, 1e-9)
	assert.Empty(t, body.EMA["10"])

	w = f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=60&ema=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodGet, "/api/v1/candles/BTCUSDT/resampled?tf=60&ema=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSymbolStats(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/symbols/BTCUSDT/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 40, stats["count"])
	assert.EqualValues(t, t0, stats["earliest"])

	w = f.do(http.MethodGet, "/api/v1/symbols/NOPE/stats", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScan_DefaultsAndBody(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/scan", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[scanner.Report](t, w)
	assert.Equal(t, model.Hour1, rep.Timeframe)
	require.Len(t, rep.Results, 1)
	assert.True(t, rep.Results[0].Success)
	assert.True(t, rep.Results[0].Matches)
	assert.Equal(t, 1, rep.Matching)

	w = f.do(http.MethodPost, "/api/v1/scan", `{"timeframe":60,"ema_periods":[3],"conditions":{"3":"below"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep = decode[scanner.Report](t, w)
	assert.Equal(t, 0, rep.Matching)
}

func TestScan_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for name, body := range map[string]string{
		"malformed":       `{"timeframe":`,
		"bad condition":   `{"conditions":{"3":"sideways"}}`,
		"bad timeframe":   `{"timeframe":20}`,
		"period too long": `{"ema_periods":[5000]}`,
		"negative period": `{"ema_periods":[-5]}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/scan", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestScanExport(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/api/v1/scan/export", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "BYBIT:BTCUSDT.P")
}

func TestMarketOverview(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/market/overview", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "updated_at")

	w = f.do(http.MethodPost, "/api/v1/market/overview/refresh", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminReset(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/admin/reset", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/admin/reset", "", map[string]string{"X-Admin-OTP": "000000x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	n, _ := f.store.Count(context.Background(), "BTCUSDT")
	assert.EqualValues(t, 40, n)

	code, err := totp.GenerateCode(f.secret, time.Now())
	require.NoError(t, err)
	w = f.do(http.MethodPost, "/api/v1/admin/reset", "", map[string]string{"X-Admin-OTP": code})
	require.Equal(t, http.StatusOK, w.Code)

	n, _ = f.store.Count(context.Background(), "BTCUSDT")
	assert.Zero(t, n)
	assert.Equal(t, 1, f.resets)
}

func TestAdminReset_DisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.TOTPSecret = "" })
	w := f.do(http.MethodPost, "/api/v1/admin/reset", "", map[string]string{"X-Admin-OTP": "123456"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.RequestsPerSec = 0.001
		d.Burst = 2
	})

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodGet, "/api/v1/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "other IPs keep their own bucket")
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/symbols", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Body.String(), "BTCUSDT")
}

func TestWSStats_DisabledWithoutHub(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/api/v1/ws/stats", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
