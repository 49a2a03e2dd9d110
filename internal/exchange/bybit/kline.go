package bybit

import (
	"fmt"
	"sort"
	"strconv"

	"candle-aggregator/internal/model"
)

// klineResponse is the v5 /market/kline envelope.
// List rows are [startTime, open, high, low, close, volume, turnover], newest first.
type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol   string     `json:"symbol"`
		Category string     `json:"category"`
		List     [][]string `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

// parseRow converts one kline row into a Candle.
func parseRow(symbol string, row []string) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields, want 7", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("kline timestamp %q: %w", row[0], err)
	}
	var f [6]float64
	for i := range f {
		f[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("kline field %d %q: %w", i+1, row[i+1], err)
		}
	}
	return model.Candle{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      f[0],
		High:      f[1],
		Low:       f[2],
		Close:     f[3],
		Volume:    f[4],
		Turnover:  f[5],
	}, nil
}

// sortAndDedupe orders candles ascending by timestamp and drops repeated timestamps.
func sortAndDedupe(candles []model.Candle) []model.Candle {
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	out := candles[:0]
	for i, c := range candles {
		if i > 0 && c.Timestamp == out[len(out)-1].Timestamp {
			continue
		}
		out = append(out, c)
	}
	return out
}

func minTimestamp(candles []model.Candle) int64 {
	m := candles[0].Timestamp
	for _, c := range candles[1:] {
		if c.Timestamp < m {
			m = c.Timestamp
		}
	}
	return m
}
