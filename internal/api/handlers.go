package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"

	"candle-aggregator/internal/filter"
	"candle-aggregator/internal/indicator"
	"candle-aggregator/internal/marketdata/resample"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/scanner"
)

const (
	defaultRangeLimit     = 1000
	maxRangeLimit         = 10000
	defaultResampledLimit = 200
	maxResampledLimit     = 1000
)

func (s *server) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report, ok := s.Health.Report(s.now())
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *server) listSymbols(c *gin.Context) {
	syms, err := s.Store.Symbols(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if syms == nil {
		syms = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"symbols": syms})
}

func (s *server) symbolStats(c *gin.Context) {
	ctx := c.Request.Context()
	sym := symbolParam(c)

	count, err := s.Store.Count(ctx, sym)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + sym})
		return
	}
	earliest, _, err := s.Store.EarliestTimestamp(ctx, sym)
	if err != nil {
		s.internalError(c, err)
		return
	}
	latest, _, err := s.Store.LatestTimestamp(ctx, sym)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     sym,
		"count":      count,
		"earliest":   earliest,
		"latest":     latest,
		"resolution": s.Base.Label(),
	})
}

func (s *server) candleRange(c *gin.Context) {
	start, err1 := int64Query(c, "start", 0)
	end, err2 := int64Query(c, "end", 0)
	limit, err3 := limitQuery(c, defaultRangeLimit, maxRangeLimit)
	if err := errors.Join(err1, err2, err3); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if start > 0 && end > 0 && start > end {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start is after end"})
		return
	}

	sym := symbolParam(c)
	candles, err := s.Store.RangeQuery(c.Request.Context(), sym, start, end, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, candleResponse(sym, s.Base, candles))
}

func (s *server) latestCandles(c *gin.Context) {
	limit, err := limitQuery(c, defaultRangeLimit, maxRangeLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sym := symbolParam(c)
	candles, err := s.Store.LatestN(c.Request.Context(), sym, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, candleResponse(sym, s.Base, candles))
}

func (s *server) resampledCandles(c *gin.Context) {
	tf, err := model.ParseResolution(c.DefaultQuery("tf", "60"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tf"})
		return
	}
	if err := resample.Validate(s.Base, tf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := limitQuery(c, defaultResampledLimit, maxResampledLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	periods, err := periodsQuery(c, "ema")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// One extra bucket absorbs a partial leading bucket when the newest base
	// candles do not start on a target boundary.
	sym := symbolParam(c)
	base, err := s.Store.LatestN(c.Request.Context(), sym, resample.BaseCandlesNeeded(limit+1, s.Base, tf))
	if err != nil {
		s.internalError(c, err)
		return
	}
	candles, err := resample.Resample(base, s.Base, tf)
	if err != nil {
		s.internalError(c, err)
		return
	}
	series, err := emaLines(candles, periods)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	resp := candleResponse(sym, tf, candles)
	if len(periods) > 0 {
		for key, pts := range series {
			series[key] = trimPoints(pts, candles)
		}
		resp["ema"] = series
	}
	c.JSON(http.StatusOK, resp)
}

type emaPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// emaLines computes one EMA line per period over candles. Warmup positions
// are left out since JSON has no NaN.
func emaLines(candles []model.Candle, periods []int) (map[string][]emaPoint, error) {
	closes := model.Closes(candles)
	stamps := model.Timestamps(candles)
	out := make(map[string][]emaPoint, len(periods))
	for _, p := range periods {
		vals, err := indicator.EMASeries(closes, p)
		if err != nil {
			return nil, err
		}
		pts := []emaPoint{}
		for i, v := range vals {
			if math.IsNaN(v) {
				continue
			}
			pts = append(pts, emaPoint{Timestamp: stamps[i], Value: v})
		}
		out[strconv.Itoa(p)] = pts
	}
	return out, nil
}

// trimPoints drops points older than the first returned candle.
func trimPoints(pts []emaPoint, candles []model.Candle) []emaPoint {
	if len(candles) == 0 {
		return []emaPoint{}
	}
	first := candles[0].Timestamp
	i := 0
	for i < len(pts) && pts[i].Timestamp < first {
		i++
	}
	return pts[i:]
}

func candleResponse(sym string, res model.Resolution, candles []model.Candle) gin.H {
	if candles == nil {
		candles = []model.Candle{}
	}
	return gin.H{
		"symbol":     sym,
		"resolution": res.Label(),
		"count":      len(candles),
		"candles":    candles,
	}
}

func (s *server) bindScan(c *gin.Context) (scanner.Request, bool) {
	var req scanner.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return req, false
		}
	}
	d := s.Presets.Defaults()
	if req.Timeframe == 0 {
		req.Timeframe = d.Timeframe
	}
	if len(req.Periods) == 0 {
		req.Periods = d.Periods
	}
	if req.Conditions == nil {
		req.Conditions = d.Conditions
		req.Filter = d.Filter
	}
	if req.SortBy == "" {
		req.SortBy = d.SortBy
	}
	normalizeRequest(&req)
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	return req, true
}

func (s *server) runScan(c *gin.Context) (scanner.Report, bool) {
	req, ok := s.bindScan(c)
	if !ok {
		return scanner.Report{}, false
	}
	rep, err := s.Scanner.Scan(c.Request.Context(), req)
	switch {
	case errors.Is(err, resample.ErrInvalidResolution),
		errors.Is(err, filter.ErrInvalidCondition),
		errors.Is(err, indicator.ErrInvalidPeriod):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return rep, false
	case err != nil:
		s.internalError(c, err)
		return rep, false
	}
	return rep, true
}

func (s *server) scan(c *gin.Context) {
	rep, ok := s.runScan(c)
	if !ok {
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, rep.Text())
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) scanExport(c *gin.Context) {
	rep, ok := s.runScan(c)
	if !ok {
		return
	}
	c.Header("Content-Disposition", `attachment; filename="watchlist_`+rep.TimeframeLabel+`.txt"`)
	c.String(http.StatusOK, scanner.TradingViewList(rep.Results))
}

func (s *server) marketOverview(c *gin.Context) {
	ov, at, err := s.Overview.GetOrRefresh(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overview": ov, "updated_at": at.UTC()})
}

func (s *server) refreshOverview(c *gin.Context) {
	if err := s.Overview.Refresh(c.Request.Context()); err != nil {
		s.internalError(c, err)
		return
	}
	ov, at, _ := s.Overview.Get()
	c.JSON(http.StatusOK, gin.H{"overview": ov, "updated_at": at.UTC()})
}

func (s *server) adminReset(c *gin.Context) {
	if s.TOTPSecret == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin reset is disabled"})
		return
	}
	code := strings.TrimSpace(c.GetHeader("X-Admin-OTP"))
	if code == "" || !totp.Validate(code, s.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid one-time password"})
		return
	}

	ctx := c.Request.Context()
	if err := s.Store.Reset(ctx); err != nil {
		s.internalError(c, err)
		return
	}
	s.Overview.Invalidate()
	if s.OnReset != nil {
		s.OnReset(ctx)
	}
	s.Log.Warn("candle store reset via admin endpoint", "ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *server) wsStats(c *gin.Context) {
	if s.Hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync stream disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clients": s.Hub.ClientCount(),
		"seq":     s.Hub.Seq(),
		"symbols": s.Hub.LatestSymbols(),
		"lag":     s.Hub.Lag.Stats(),
	})
}

func (s *server) internalError(c *gin.Context, err error) {
	s.Log.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(c.Param("symbol"))
}

func int64Query(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

// periodsQuery parses a comma separated list of EMA periods. A missing key
// yields nil.
func periodsQuery(c *gin.Context, key string) ([]int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || p < 1 || p > 2000 {
			return nil, errors.New("invalid " + key + " period: " + part)
		}
		out = append(out, p)
	}
	return out, nil
}

func limitQuery(c *gin.Context, def, max int) (int, error) {
	n, err := int64Query(c, "limit", int64(def))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = int64(def)
	}
	if n > int64(max) {
		n = int64(max)
	}
	return int(n), nil
}
