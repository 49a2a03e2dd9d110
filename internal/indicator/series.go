package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"candle-aggregator/internal/model"
)

// ErrInvalidPeriod is returned for a non-positive EMA period.
var ErrInvalidPeriod = errors.New("indicator: period must be positive")

// EMASeries returns one value per close. Positions before period-1 are NaN
// (warmup); position period-1 is the SMA seed.
func EMASeries(closes []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriod, period)
	}
	out := make([]float64, len(closes))
	ema := NewEMA(period)
	for i, c := range closes {
		ema.Add(c)
		if ema.Ready() {
			out[i] = ema.Value()
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

// PercentFrom returns how far price is from ema in percent.
func PercentFrom(price, ema float64) float64 {
	if ema == 0 {
		return 0
	}
	return (price - ema) / ema * 100
}

// Result holds the latest EMA values for one candle series.
type Result struct {
	Price          float64         `json:"price"` // latest close
	EMAs           map[int]float64 `json:"emas"`
	PercentFromEMA map[int]float64 `json:"percent_from_ema"`
	Skipped        []int           `json:"skipped,omitempty"` // periods longer than the series
}

// Has reports whether period was computed.
func (r Result) Has(period int) bool {
	_, ok := r.EMAs[period]
	return ok
}

// Compute runs every period over the candles' closes in one pass. Periods
// longer than the series are reported in Skipped rather than failing.
func Compute(candles []model.Candle, periods []int) (Result, error) {
	for _, p := range periods {
		if p <= 0 {
			return Result{}, fmt.Errorf("%w: %d", ErrInvalidPeriod, p)
		}
	}

	res := Result{
		EMAs:           make(map[int]float64, len(periods)),
		PercentFromEMA: make(map[int]float64, len(periods)),
	}
	if len(candles) == 0 {
		res.Skipped = append(res.Skipped, periods...)
		sort.Ints(res.Skipped)
		return res, nil
	}

	emas := make([]*EMA, 0, len(periods))
	for _, p := range periods {
		if len(candles) < p {
			res.Skipped = append(res.Skipped, p)
			continue
		}
		emas = append(emas, NewEMA(p))
	}
	closes := model.Closes(candles)
	for _, c := range closes {
		for _, e := range emas {
			e.Add(c)
		}
	}

	res.Price = closes[len(closes)-1]
	for _, e := range emas {
		res.EMAs[e.Period()] = e.Value()
		res.PercentFromEMA[e.Period()] = PercentFrom(res.Price, e.Value())
	}
	sort.Ints(res.Skipped)
	return res, nil
}
