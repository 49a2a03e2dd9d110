// Package scanner runs EMA scans across the stored symbol universe: it loads
// base candles, resamples them to the requested timeframe, computes EMAs and
// evaluates filter conditions per symbol.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"candle-aggregator/internal/filter"
	"candle-aggregator/internal/indicator"
	"candle-aggregator/internal/logger"
	"candle-aggregator/internal/marketdata/resample"
	"candle-aggregator/internal/model"
)

const (
	minScanCandles = 1000
	maxScanCandles = 10000
)

// ErrNoData marks a symbol without stored candles.
var ErrNoData = errors.New("no candle data")

// Config configures a Scanner.
type Config struct {
	Base      model.Resolution
	BatchSize int      // symbols processed concurrently, default 4
	Symbols   []string // default universe when a request names none
}

// Request describes one scan.
type Request struct {
	Timeframe    model.Resolution `json:"timeframe" validate:"required,min=1"`
	Periods      []int            `json:"ema_periods" validate:"required,min=1,dive,min=1,max=2000"`
	Conditions   map[int]string   `json:"conditions"`
	Filter       filter.Set       `json:"-" validate:"-"` // parsed Conditions; when set, Conditions is not re-parsed
	SortBy       string           `json:"sort_by"`
	OnlyMatching bool             `json:"only_matching"`
	Symbols      []string         `json:"symbols" validate:"omitempty,dive,required,uppercase"`
}

// SymbolResult is the scan outcome for one symbol.
type SymbolResult struct {
	Symbol           string          `json:"symbol"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	Price            float64         `json:"price"`
	Volume           float64         `json:"volume"` // summed over the loaded window
	EMAs             map[int]float64 `json:"emas,omitempty"`
	PercentFromEMA   map[int]float64 `json:"percent_from_ema,omitempty"`
	CandlesAvailable int             `json:"candles_available"`
	Matches          bool            `json:"matches"`
}

// Report is a completed scan.
type Report struct {
	Timeframe      model.Resolution `json:"timeframe"`
	TimeframeLabel string           `json:"timeframe_label"`
	Conditions     []string         `json:"conditions"`
	SortBy         string           `json:"sort_by"`
	SortLabel      string           `json:"sort_label"`
	Results        []SymbolResult   `json:"results"`
	Matching       int              `json:"matching"`
	Total          int              `json:"total"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Scanner evaluates EMA conditions over stored candles.
type Scanner struct {
	cfg    Config
	reader model.CandleReader
	log    *slog.Logger

	Now func() time.Time
	// OnScan is called with every completed scan's duration (optional).
	OnScan func(d time.Duration)
}

// New creates a Scanner.
func New(cfg Config, reader model.CandleReader, log *slog.Logger) *Scanner {
	if cfg.Base == 0 {
		cfg.Base = model.Minute15
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{cfg: cfg, reader: reader, log: log.With("component", "scanner"), Now: time.Now}
}

// Symbols returns the configured default universe.
func (s *Scanner) Symbols() []string {
	return append([]string(nil), s.cfg.Symbols...)
}

// CandleLimit returns how many base candles are loaded for a scan:
// twice the longest period in target candles, clamped to [1000, 10000].
func CandleLimit(maxPeriod int, base, target model.Resolution) int {
	ratio := int(target) / int(base)
	if ratio < 1 {
		ratio = 1
	}
	n := maxPeriod * ratio * 2
	if n < minScanCandles {
		n = minScanCandles
	}
	if n > maxScanCandles {
		n = maxScanCandles
	}
	return n
}

// Scan runs req over its symbols (or the configured universe).
func (s *Scanner) Scan(ctx context.Context, req Request) (Report, error) {
	start := time.Now()
	if err := resample.Validate(s.cfg.Base, req.Timeframe); err != nil {
		return Report{}, err
	}
	conds := req.Filter
	if conds == nil {
		var err error
		if conds, err = filter.ParseSet(req.Conditions); err != nil {
			return Report{}, err
		}
	}
	periods := unionPeriods(req.Periods, conds.Periods())
	if len(periods) == 0 {
		return Report{}, fmt.Errorf("%w: no EMA periods", indicator.ErrInvalidPeriod)
	}
	for _, p := range periods {
		if p <= 0 {
			return Report{}, fmt.Errorf("%w: %d", indicator.ErrInvalidPeriod, p)
		}
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.cfg.Symbols
	}
	limit := CandleLimit(periods[len(periods)-1], s.cfg.Base, req.Timeframe)

	ctx = logger.WithTraceID(ctx, logger.NewTraceID())
	s.log.Info("scan started", append(logger.LogWithTrace(ctx),
		"symbols", len(symbols), "timeframe", req.Timeframe.Label(), "periods", periods, "limit", limit)...)

	results := make([]SymbolResult, len(symbols))
	for i := 0; i < len(symbols); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		var wg sync.WaitGroup
		for j := i; j < end; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				results[j] = s.scanSymbol(ctx, symbols[j], req.Timeframe, periods, limit, conds)
			}(j)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
	}

	matching := 0
	for _, r := range results {
		if r.Matches {
			matching++
		}
	}
	display := results
	if req.OnlyMatching {
		display = make([]SymbolResult, 0, matching)
		for _, r := range results {
			if r.Matches {
				display = append(display, r)
			}
		}
	}
	Sort(display, req.SortBy)

	rep := Report{
		Timeframe:      req.Timeframe,
		TimeframeLabel: req.Timeframe.Label(),
		Conditions:     conds.Describe(),
		SortBy:         req.SortBy,
		SortLabel:      SortLabel(req.SortBy),
		Results:        display,
		Matching:       matching,
		Total:          len(results),
		GeneratedAt:    s.Now().UTC(),
	}
	s.log.Info("scan complete", append(logger.LogWithTrace(ctx),
		"matching", matching, "total", len(results), "duration", time.Since(start).Round(time.Millisecond))...)
	if s.OnScan != nil {
		s.OnScan(time.Since(start))
	}
	return rep, nil
}

func (s *Scanner) scanSymbol(ctx context.Context, symbol string, tf model.Resolution, periods []int, limit int, conds filter.Set) SymbolResult {
	res := SymbolResult{Symbol: symbol}

	base, err := s.reader.LatestN(ctx, symbol, limit)
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("load candles failed", append(logger.LogWithTrace(ctx), "symbol", symbol, "error", err)...)
		return res
	}
	if len(base) == 0 {
		res.Error = ErrNoData.Error()
		return res
	}
	candles, err := resample.Resample(base, s.cfg.Base, tf)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if len(candles) == 0 {
		res.Error = fmt.Sprintf("not enough data for a complete %s candle", tf.Label())
		return res
	}

	ind, err := indicator.Compute(candles, periods)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Price = ind.Price
	res.EMAs = ind.EMAs
	res.PercentFromEMA = ind.PercentFromEMA
	res.CandlesAvailable = len(candles)
	for _, c := range candles {
		res.Volume += c.Volume
	}
	res.Matches = len(res.EMAs) > 0 && conds.Matches(res.Price, res.EMAs, res.PercentFromEMA)
	if len(ind.Skipped) > 0 {
		s.log.Debug("periods longer than history", "symbol", symbol, "skipped", ind.Skipped, "candles", len(candles))
	}
	return res
}

func unionPeriods(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, list := range [][]int{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}
