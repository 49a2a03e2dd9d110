package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"candle-aggregator/internal/model"
)

const candleColumns = `symbol, timestamp, open, high, low, close, volume, turnover`

// RangeQuery reads candles for symbol with start <= timestamp <= end, ordered
// ascending. Bounds <= 0 are open, so start=0 reads from the first stored
// candle rather than from epoch 0. limit <= 0 returns every matching row.
func (s *Store) RangeQuery(ctx context.Context, symbol string, start, end int64, limit int) ([]model.Candle, error) {
	var (
		where = []string{"symbol = ?"}
		args  = []any{symbol}
	)
	if start > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, start)
	}
	if end > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, end)
	}
	query := `SELECT ` + candleColumns + ` FROM candles WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite range query %s: %w", symbol, err)
	}
	return scanCandles(rows)
}

// LatestN reads the newest limit candles for symbol. Rows are fetched newest
// first and reversed so callers always see ascending time order.
func (s *Store) LatestN(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+`
		FROM candles
		WHERE symbol = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite latest %s: %w", symbol, err)
	}
	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	reverse(candles)
	return candles, nil
}

// Symbols lists the distinct symbols that have stored candles.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("sqlite scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func reverse(c []model.Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}
