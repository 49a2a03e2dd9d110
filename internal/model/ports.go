package model

import (
	"context"
)

// ── Port Interfaces ──
// These interfaces decouple sync and analytics logic from the concrete
// storage (SQLite, Postgres) and exchange implementations.

// CandleStore is durable, deduplicated OHLCV storage keyed by (symbol, timestamp).
// Every read returns candles in ascending timestamp order.
type CandleStore interface {
	// UpsertCandles inserts candles that are not stored yet and returns how many
	// rows were actually inserted. The batch is applied atomically.
	UpsertCandles(ctx context.Context, symbol string, candles []Candle) (int, error)

	// LatestTimestamp returns MAX(timestamp) for symbol; ok is false when no data exists.
	LatestTimestamp(ctx context.Context, symbol string) (ts int64, ok bool, err error)

	// EarliestTimestamp returns MIN(timestamp) for symbol; ok is false when no data exists.
	EarliestTimestamp(ctx context.Context, symbol string) (ts int64, ok bool, err error)

	// Count returns the number of stored candles for symbol.
	Count(ctx context.Context, symbol string) (int64, error)

	// RangeQuery returns candles with start <= ts <= end, at most limit rows.
	// A zero (or negative) start or end leaves that side unbounded, so a bound
	// at exactly epoch 0 cannot be expressed. limit <= 0 means no limit.
	RangeQuery(ctx context.Context, symbol string, start, end int64, limit int) ([]Candle, error)

	// LatestN returns the newest limit candles.
	LatestN(ctx context.Context, symbol string, limit int) ([]Candle, error)

	// Symbols lists distinct stored symbols.
	Symbols(ctx context.Context) ([]string, error)

	// Reset deletes every stored candle.
	Reset(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// CandleReader is the read-only subset of CandleStore used by analytics.
type CandleReader interface {
	// RangeQuery follows CandleStore.RangeQuery: bounds <= 0 are open.
	RangeQuery(ctx context.Context, symbol string, start, end int64, limit int) ([]Candle, error)
	LatestN(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// KlineFetcher retrieves kline windows from an exchange.
type KlineFetcher interface {
	// FetchIncremental returns candles at or after start (one page, ascending).
	FetchIncremental(ctx context.Context, symbol string, start int64) ([]Candle, error)

	// FetchHistory returns up to target of the most recent candles ending at end
	// (zero means now), paging backwards. Result is ascending.
	FetchHistory(ctx context.Context, symbol string, target int, end int64) ([]Candle, error)
}

// EventPublisher delivers sync events to an external sink (Redis, Kafka, ...).
type EventPublisher interface {
	PublishSyncEvent(ctx context.Context, ev SyncEvent) error
	Close() error
}
