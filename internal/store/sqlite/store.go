package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"candle-aggregator/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite candle store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/candles.db"

	// OnCommit, if set, is called with the duration of every successful upsert transaction.
	OnCommit func(d time.Duration)
}

// Store is the SQLite-backed model.CandleStore. The connection pool is capped
// at one connection, so all reads and writes are serialized by database/sql.
type Store struct {
	db       *sql.DB
	onCommit func(time.Duration)
}

var _ model.CandleStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, onCommit: cfg.OnCommit}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol    TEXT    NOT NULL,
			timestamp INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			turnover  REAL    NOT NULL,
			UNIQUE (symbol, timestamp)
		);

		CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON candles (symbol, timestamp);
	`)
	return err
}

// UpsertCandles inserts candles not already present for symbol in a single
// transaction and returns the number of rows actually inserted. Existing
// (symbol, timestamp) rows are left untouched. On any error the whole batch
// is rolled back and 0 is returned.
func (s *Store) UpsertCandles(ctx context.Context, symbol string, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, timestamp, open, high, low, close, volume, turnover)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite insert %s@%d: %w", symbol, c.Timestamp, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", err)
	}
	if s.onCommit != nil {
		s.onCommit(time.Since(start))
	}
	return inserted, nil
}

// LatestTimestamp returns the last stored candle timestamp for symbol.
func (s *Store) LatestTimestamp(ctx context.Context, symbol string) (int64, bool, error) {
	return s.boundTimestamp(ctx, `SELECT MAX(timestamp) FROM candles WHERE symbol = ?`, symbol)
}

// EarliestTimestamp returns the first stored candle timestamp for symbol.
func (s *Store) EarliestTimestamp(ctx context.Context, symbol string) (int64, bool, error) {
	return s.boundTimestamp(ctx, `SELECT MIN(timestamp) FROM candles WHERE symbol = ?`, symbol)
}

func (s *Store) boundTimestamp(ctx context.Context, query, symbol string) (int64, bool, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, symbol).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("sqlite timestamp %s: %w", symbol, err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// Count returns the number of stored candles for symbol.
func (s *Store) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles WHERE symbol = ?`, symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count %s: %w", symbol, err)
	}
	return n, nil
}

// Reset deletes every stored candle.
func (s *Store) Reset(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM candles`)
	if err != nil {
		return fmt.Errorf("sqlite reset: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Printf("[sqlite] reset removed %d candles", n)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
