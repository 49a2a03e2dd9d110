// Command candlesync keeps the candle store in step with Bybit: it backfills
// new symbols, fetches missing candles on every tick and publishes one sync
// event per symbol to Redis, Kafka and the alerting chain.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"candle-aggregator/config"
	"candle-aggregator/internal/events"
	"candle-aggregator/internal/exchange/bybit"
	"candle-aggregator/internal/ingest"
	"candle-aggregator/internal/logger"
	"candle-aggregator/internal/marketdata/bus"
	"candle-aggregator/internal/metrics"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/notification"
	"candle-aggregator/internal/store"
	redisstore "candle-aggregator/internal/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("candlesync", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "symbols", cfg.Symbols, "store", cfg.StoreDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, finishing in-flight tick")
		cancel()
		<-sigCh
		log.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.Symbols, 3*cfg.PollInterval)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Candle store ----
	st, err := store.Open(ctx, cfg, func(d time.Duration) { prom.CommitDur.Observe(d.Seconds()) })
	if err != nil {
		log.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if cfg.ResetOnStart {
		if err := st.Reset(ctx); err != nil {
			log.Error("store reset failed", "error", err)
			os.Exit(1)
		}
		log.Warn("candle store cleared on start")
	}

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		rdb, err = redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "error", err)
		}
	}
	health.StartLivenessChecker(ctx, rdb, st.DB, 10*time.Second)

	// ---- Event fan-out ----
	eventCh := make(chan model.SyncEvent, 4*len(cfg.Symbols)+16)
	fanout := bus.New(1000)
	fanout.OnDrop = func(name string) {
		prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}

	var consumers sync.WaitGroup
	consume := func(fn func()) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			fn()
		}()
	}

	if rdb != nil {
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
		}
		pub := redisstore.NewPublisher(ctx, rdb, cb, 10000)
		ch := fanout.Subscribe("redis")
		consume(func() { events.Drain(ctx, "redis", pub, ch, 5*time.Second) })
		defer rdb.Close()
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		ch := fanout.Subscribe("kafka")
		consume(func() {
			events.Drain(ctx, "kafka", kp, ch, 10*time.Second)
			if err := kp.Close(); err != nil {
				log.Warn("kafka writer close failed", "error", err)
			}
		})
		log.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	tracker := notification.NewFailureTracker(notifiers, cfg.AlertAfterFailures)
	alertCh := fanout.Subscribe("alerts")
	consume(func() { tracker.Run(context.WithoutCancel(ctx), alertCh) })

	go fanout.Run(context.Background(), eventCh)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.ObserveChannel("input", len(eventCh), cap(eventCh))
				for _, cs := range fanout.ChannelStats() {
					prom.ObserveChannel(cs.Name, cs.Len, cs.Cap)
				}
			}
		}
	}()

	// ---- Exchange client & sync engine ----
	client := bybit.New(bybit.Config{
		KlineURL:       cfg.KlineURL,
		Category:       cfg.Category,
		Interval:       model.Resolution(cfg.BaseResolution),
		RequestsPerSec: cfg.RequestsPerSec,
		OnRequest:      prom.ObserveRequest,
	})

	engine := ingest.New(ingest.Config{
		Symbols:        cfg.Symbols,
		Base:           model.Resolution(cfg.BaseResolution),
		BackfillTarget: cfg.BackfillTarget,
		PollInterval:   cfg.PollInterval,
		FetchTimeout:   cfg.FetchTimeout,
	}, st, client, log)

	engine.OnEvent = func(ev model.SyncEvent) {
		prom.ObserveEvent(ev)
		select {
		case eventCh <- ev:
		default:
			prom.FanoutDropsTotal.WithLabelValues("input").Inc()
		}
	}
	engine.OnTick = func(d time.Duration, evs []model.SyncEvent) {
		prom.ObserveTick(d)
		failed := 0
		for _, ev := range evs {
			if ev.Failed() {
				failed++
			}
		}
		health.RecordTick(time.Now(), failed)
	}

	if err := engine.Run(ctx); err != nil {
		log.Error("sync loop failed", "error", err)
	}

	// ---- Drain publishers ----
	close(eventCh)
	done := make(chan struct{})
	go func() {
		consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn("publishers did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
