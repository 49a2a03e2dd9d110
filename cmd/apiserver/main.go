// Command apiserver serves stored candles, EMA scans, the market overview and
// the live sync stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candle-aggregator/config"
	"candle-aggregator/internal/analytics"
	"candle-aggregator/internal/api"
	"candle-aggregator/internal/gateway"
	"candle-aggregator/internal/logger"
	"candle-aggregator/internal/metrics"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/scanner"
	"candle-aggregator/internal/store"
	redisstore "candle-aggregator/internal/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("apiserver", logger.ParseLevel(cfg.LogLevel))
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.Symbols, 0)

	st, err := store.Open(ctx, cfg, nil)
	if err != nil {
		log.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// ---- Redis: overview cache tier + sync stream ----
	var (
		rdb      *goredis.Client
		tier     analytics.Tier
		presetDB scanner.PresetBackend
		hub      *gateway.Hub
	)
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		rdb, err = redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Warn("redis unavailable, serving without cache tier and sync stream", "error", err)
		} else {
			defer rdb.Close()
			cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			tier = redisstore.NewJSONCache(rdb, cb, "cache:")
			presetDB = redisstore.NewJSONCache(rdb, cb, "")

			hub = gateway.NewHub(rdb)
			hub.OnClientCount = func(n int) { prom.WSClients.Set(float64(n)) }
			go hub.Run(ctx)
		}
	}
	health.StartLivenessChecker(ctx, rdb, st.DB, 10*time.Second)

	// ---- Analytics ----
	base := model.Resolution(cfg.BaseResolution)
	scan := scanner.New(scanner.Config{
		Base:      base,
		BatchSize: cfg.ScanBatchSize,
		Symbols:   cfg.Symbols,
	}, st, log)
	scan.OnScan = func(d time.Duration) { prom.ScanDur.Observe(d.Seconds()) }

	presets := scanner.NewPresets(base, scanner.Request{
		Timeframe:  model.Resolution(cfg.ScanTimeframe),
		Periods:    cfg.ScanEMAPeriods,
		Conditions: cfg.ScanConditions,
		Filter:     cfg.ScanFilter,
		SortBy:     cfg.ScanSortBy,
	}, presetDB, log)
	if err := presets.Load(ctx); err != nil {
		log.Warn("stored scan presets unavailable, using defaults", "error", err)
	}

	overview := analytics.NewOverview(st, func() []string { return cfg.Symbols }, log)
	overviewCache := analytics.NewCache("market_overview", cfg.OverviewRefresh, overview.Compute, tier)
	overviewCache.OnRefresh = func(name string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
			log.Warn("cache refresh failed", "cache", name, "error", err)
		}
		prom.CacheRefreshes.WithLabelValues(name, result).Inc()
	}
	go overviewCache.Run(ctx, cfg.OverviewRefresh)

	// ---- HTTP ----
	router := api.NewRouter(api.Deps{
		Store:      st,
		Scanner:    scan,
		Overview:   overviewCache,
		Hub:        hub,
		Health:     health,
		Base:       base,
		Presets:    presets,
		TOTPSecret: cfg.AdminTOTPSecret,
		OnReset: func(ctx context.Context) {
			if err := overviewCache.Refresh(ctx); err != nil {
				log.Warn("overview refresh after reset failed", "error", err)
			}
		},
		RequestsPerSec: cfg.APIRateLimit,
		Log:            log,
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving", "addr", cfg.APIAddr, "sync_stream", hub != nil, "admin_reset", cfg.AdminTOTPSecret != "")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	log.Info("shutdown complete")
}
