package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candle-aggregator/internal/exchange/bybit"
	"candle-aggregator/internal/model"
)

// Metrics holds all Prometheus metrics for the candle sync service.
type Metrics struct {
	TicksTotal      prometheus.Counter
	TickDur         prometheus.Histogram
	CandlesInserted *prometheus.CounterVec // labels: symbol
	SyncModes       *prometheus.CounterVec // labels: mode
	LatestCandleAge *prometheus.GaugeVec   // labels: symbol

	// Exchange
	FetchErrors   *prometheus.CounterVec   // labels: kind=rate_limit|api|other
	RequestDur    *prometheus.HistogramVec // labels: status
	RateLimitHits prometheus.Counter

	// Storage
	CommitDur prometheus.Histogram

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Event fan-out
	FanoutDropsTotal  *prometheus.CounterVec // labels: subscriber
	ChannelSaturation *prometheus.GaugeVec   // labels: channel

	// API side
	ScanDur       prometheus.Histogram
	WSClients     prometheus.Gauge
	CacheRefreshes *prometheus.CounterVec // labels: cache, result=ok|error
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlesync_ticks_total",
			Help: "Total sync ticks completed",
		}),
		TickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlesync_tick_duration_seconds",
			Help:    "Wall time of one sync tick across all symbols",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		CandlesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlesync_candles_inserted_total",
			Help: "Candles newly inserted into the store (by symbol)",
		}, []string{"symbol"}),
		SyncModes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlesync_symbol_syncs_total",
			Help: "Per-symbol sync decisions (backfill, incremental, skip)",
		}, []string{"mode"}),
		LatestCandleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlesync_latest_candle_age_seconds",
			Help: "Age of the newest stored candle open time",
		}, []string{"symbol"}),

		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlesync_fetch_errors_total",
			Help: "Failed symbol fetches by error kind",
		}, []string{"kind"}),
		RequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlesync_exchange_request_duration_seconds",
			Help:    "Exchange kline request latency by HTTP status",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlesync_rate_limit_hits_total",
			Help: "Exchange responses classified as rate limited",
		}),

		CommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlesync_store_commit_duration_seconds",
			Help:    "Candle batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlesync_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlesync_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlesync_fanout_drops_total",
			Help: "Sync events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlesync_channel_saturation_pct",
			Help: "Buffered channel fill level in percent",
		}, []string{"channel"}),

		ScanDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apiserver_scan_duration_seconds",
			Help:    "EMA scan latency across the symbol universe",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apiserver_ws_clients",
			Help: "Connected sync-stream WebSocket clients",
		}),
		CacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiserver_cache_refresh_total",
			Help: "Analytics cache refreshes by cache and result",
		}, []string{"cache", "result"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDur,
		m.CandlesInserted,
		m.SyncModes,
		m.LatestCandleAge,
		m.FetchErrors,
		m.RequestDur,
		m.RateLimitHits,
		m.CommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.FanoutDropsTotal,
		m.ChannelSaturation,
		m.ScanDur,
		m.WSClients,
		m.CacheRefreshes,
	)

	return m
}

// ObserveEvent records one symbol's sync outcome.
func (m *Metrics) ObserveEvent(ev model.SyncEvent) {
	m.SyncModes.WithLabelValues(string(ev.Mode)).Inc()
	if ev.Inserted > 0 {
		m.CandlesInserted.WithLabelValues(ev.Symbol).Add(float64(ev.Inserted))
	}
	if ev.Failed() {
		m.FetchErrors.WithLabelValues(ErrorKind(ev.Cause)).Inc()
	}
	if ev.Latest > 0 {
		age := ev.At.Sub(time.UnixMilli(ev.Latest)).Seconds()
		m.LatestCandleAge.WithLabelValues(ev.Symbol).Set(age)
	}
}

// ObserveTick records a finished tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TicksTotal.Inc()
	m.TickDur.Observe(d.Seconds())
}

// ObserveRequest is shaped to plug into bybit.Config.OnRequest.
func (m *Metrics) ObserveRequest(status int, d time.Duration) {
	label := "transport_error"
	if status > 0 {
		label = http.StatusText(status)
		if label == "" {
			label = "unknown"
		}
	}
	m.RequestDur.WithLabelValues(label).Observe(d.Seconds())
	if status == http.StatusTooManyRequests {
		m.RateLimitHits.Inc()
	}
}

// ObserveChannel records how full a buffered channel is, in percent.
func (m *Metrics) ObserveChannel(name string, length, capacity int) {
	if capacity <= 0 {
		return
	}
	m.ChannelSaturation.WithLabelValues(name).Set(float64(length) / float64(capacity) * 100)
}

// ErrorKind classifies a fetch error for the FetchErrors label.
func ErrorKind(err error) string {
	var apiErr *bybit.APIError
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, bybit.ErrRateLimited):
		return "rate_limit"
	case errors.As(err, &apiErr):
		return "api"
	default:
		return "other"
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	LastTickTime   time.Time `json:"last_tick_time"`
	LastTickFailed int       `json:"last_tick_failed"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	StoreOK        bool      `json:"store_ok"`
	Symbols        []string  `json:"symbols"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	// StaleAfter marks the service degraded when no tick completed within it.
	StaleAfter time.Duration `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(symbols []string, staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		Symbols:    symbols,
		StaleAfter: staleAfter,
		StartedAt:  time.Now(),
	}
}

// RecordTick stores the completion time and failure count of a tick.
func (h *HealthStatus) RecordTick(t time.Time, failed int) {
	h.mu.Lock()
	h.LastTickTime = t
	h.LastTickFailed = failed
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStore pings the candle database and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if db != nil {
			h.CheckStore(probeCtx, db)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

type healthReport struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	LastTickTime   string   `json:"last_tick_time"`
	TickAge        string   `json:"tick_age"`
	LastTickFailed int      `json:"last_tick_failed"`
	RedisEnabled   bool     `json:"redis_enabled"`
	RedisConnected bool     `json:"redis_connected"`
	RedisLatencyMs float64  `json:"redis_latency_ms"`
	StoreOK        bool     `json:"store_ok"`
	StoreLatencyMs float64  `json:"store_latency_ms"`
	Symbols        []string `json:"symbols"`
	LastCheckAt    string   `json:"last_check_at"`
}

// Report evaluates the current health. The boolean is false unless healthy.
func (h *HealthStatus) Report(now time.Time) (healthReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	stale := h.StaleAfter > 0 && (h.LastTickTime.IsZero() || now.Sub(h.LastTickTime) > h.StaleAfter)
	if !h.StoreOK || stale || (h.RedisEnabled && !h.RedisConnected) {
		overall = "degraded"
	}
	if !h.StoreOK && stale {
		overall = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	return healthReport{
		Status:         overall,
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		LastTickFailed: h.LastTickFailed,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		Symbols:        h.Symbols,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}, overall == "healthy"
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, ok := h.Report(time.Now())
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
