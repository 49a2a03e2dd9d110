// Package api exposes stored candles, scans, the market overview and the
// sync event stream over HTTP.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"candle-aggregator/internal/analytics"
	"candle-aggregator/internal/gateway"
	"candle-aggregator/internal/metrics"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/scanner"
)

// Deps are the services behind the routes. Hub and Health may be nil.
type Deps struct {
	Store    model.CandleStore
	Scanner  *scanner.Scanner
	Overview *analytics.Cache[analytics.MarketOverview]
	Hub      *gateway.Hub
	Health   *metrics.HealthStatus
	Base     model.Resolution

	// ScanDefaults seeds the default preset when Presets is nil.
	ScanDefaults scanner.Request
	// Presets supplies the active scan defaults (optional).
	Presets *scanner.Presets

	// TOTPSecret enables POST /admin/reset when set.
	TOTPSecret string
	// OnReset runs after a successful store reset (optional).
	OnReset func(ctx context.Context)

	// RequestsPerSec and Burst configure the per-IP limiter. Zero disables it.
	RequestsPerSec float64
	Burst          int

	Log *slog.Logger
}

type server struct {
	Deps
	validate *validator.Validate
	now      func() time.Time
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Base == 0 {
		d.Base = model.Minute15
	}
	if d.Presets == nil {
		d.Presets = scanner.NewPresets(d.Base, d.ScanDefaults, nil, d.Log)
	}
	s := &server{Deps: d, validate: validator.New(), now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), requestLogger(d.Log.With("component", "api")))
	if d.RequestsPerSec > 0 {
		burst := d.Burst
		if burst <= 0 {
			burst = int(d.RequestsPerSec * 2)
		}
		r.Use(rateLimit(newIPLimiter(rate.Limit(d.RequestsPerSec), burst, 10*time.Minute)))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/symbols", s.listSymbols)
	v1.GET("/symbols/:symbol/stats", s.symbolStats)
	v1.GET("/candles/:symbol", s.candleRange)
	v1.GET("/candles/:symbol/latest", s.latestCandles)
	v1.GET("/candles/:symbol/resampled", s.resampledCandles)
	v1.POST("/scan", s.scan)
	v1.POST("/scan/export", s.scanExport)
	v1.POST("/scan/validate", s.validatePreset)
	v1.POST("/scan/apply", s.applyPreset)
	v1.GET("/scan/timeframes", s.timeframeOptions)
	v1.GET("/scan/symbols", s.scanSymbols)
	v1.GET("/scan/active", s.activePreset)
	v1.PUT("/scan/active", s.setActivePreset)
	v1.GET("/scan/configs", s.listPresets)
	v1.POST("/scan/configs", s.createPreset)
	v1.GET("/scan/configs/:name", s.getPreset)
	v1.PUT("/scan/configs/:name", s.updatePreset)
	v1.DELETE("/scan/configs/:name", s.deletePreset)
	v1.GET("/market/overview", s.marketOverview)
	v1.POST("/market/overview/refresh", s.refreshOverview)
	v1.POST("/admin/reset", s.adminReset)
	v1.GET("/ws/stats", s.wsStats)

	if d.Hub != nil {
		r.GET("/ws/sync", gin.WrapF(d.Hub.ServeWS))
	}
	return r
}
