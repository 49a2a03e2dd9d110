package analytics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"candle-aggregator/internal/model"
)

const (
	overviewWindow = 24 * time.Hour
	overviewLimit  = 100
	topN           = 5
)

// SymbolStats is one symbol's trailing 24h summary.
type SymbolStats struct {
	Symbol             string    `json:"symbol"`
	Open24h            float64   `json:"open_24h"`
	CloseCurrent       float64   `json:"close_current"`
	High24h            float64   `json:"high_24h"`
	Low24h             float64   `json:"low_24h"`
	PriceChange        float64   `json:"price_change"`
	PriceChangePercent float64   `json:"price_change_percent"`
	Volume24h          float64   `json:"volume_24h"`
	Candles            int       `json:"candles"`
	LastUpdated        time.Time `json:"last_updated"`
}

// MarketOverview ranks symbols by their 24h movement and activity.
type MarketOverview struct {
	Symbols     []SymbolStats `json:"symbols"`
	TopGainers  []SymbolStats `json:"top_gainers"`
	TopLosers   []SymbolStats `json:"top_losers"`
	MostActive  []SymbolStats `json:"most_active"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Overview computes MarketOverview from stored candles.
type Overview struct {
	reader  model.CandleReader
	symbols func() []string
	log     *slog.Logger

	Now func() time.Time
}

// NewOverview creates an Overview over the symbols returned by symbols.
func NewOverview(reader model.CandleReader, symbols func() []string, log *slog.Logger) *Overview {
	if log == nil {
		log = slog.Default()
	}
	return &Overview{reader: reader, symbols: symbols, log: log.With("component", "overview"), Now: time.Now}
}

// SymbolStats24h summarizes a symbol's last 24 hours. ok is false when no
// candles fall inside the window.
func (o *Overview) SymbolStats24h(ctx context.Context, symbol string) (SymbolStats, bool, error) {
	now := o.Now()
	candles, err := o.reader.RangeQuery(ctx, symbol, now.Add(-overviewWindow).UnixMilli(), now.UnixMilli(), overviewLimit)
	if err != nil {
		return SymbolStats{}, false, err
	}
	if len(candles) == 0 {
		return SymbolStats{}, false, nil
	}
	return Stats(symbol, candles), true, nil
}

// Stats summarizes ascending candles.
func Stats(symbol string, candles []model.Candle) SymbolStats {
	first, last := candles[0], candles[len(candles)-1]
	s := SymbolStats{
		Symbol:       symbol,
		Open24h:      first.Open,
		CloseCurrent: last.Close,
		High24h:      first.High,
		Low24h:       first.Low,
		Candles:      len(candles),
		LastUpdated:  time.UnixMilli(last.Timestamp).UTC(),
	}
	for _, c := range candles {
		if c.High > s.High24h {
			s.High24h = c.High
		}
		if c.Low < s.Low24h {
			s.Low24h = c.Low
		}
		s.Volume24h += c.Volume
	}
	s.PriceChange = s.CloseCurrent - s.Open24h
	if s.Open24h != 0 {
		s.PriceChangePercent = s.PriceChange / s.Open24h * 100
	}
	return s
}

// Compute builds the overview. Symbols that fail or have no recent data are
// left out; the overview itself only fails when ctx is done.
func (o *Overview) Compute(ctx context.Context) (MarketOverview, error) {
	var stats []SymbolStats
	for _, sym := range o.symbols() {
		if err := ctx.Err(); err != nil {
			return MarketOverview{}, err
		}
		s, ok, err := o.SymbolStats24h(ctx, sym)
		if err != nil {
			o.log.Warn("24h stats failed", "symbol", sym, "error", err)
			continue
		}
		if ok {
			stats = append(stats, s)
		}
	}

	ov := MarketOverview{
		Symbols:     stats,
		GeneratedAt: o.Now().UTC(),
	}
	ov.TopGainers = top(stats, func(a, b SymbolStats) bool { return a.PriceChangePercent > b.PriceChangePercent })
	ov.TopLosers = top(stats, func(a, b SymbolStats) bool { return a.PriceChangePercent < b.PriceChangePercent })
	ov.MostActive = top(stats, func(a, b SymbolStats) bool { return a.Volume24h > b.Volume24h })
	if ov.Symbols == nil {
		ov.Symbols = []SymbolStats{}
	}
	return ov, nil
}

func top(stats []SymbolStats, less func(a, b SymbolStats) bool) []SymbolStats {
	sorted := append([]SymbolStats(nil), stats...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	if sorted == nil {
		sorted = []SymbolStats{}
	}
	return sorted
}
