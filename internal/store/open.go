// Package store selects and opens the configured candle store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"candle-aggregator/config"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/store/postgres"
	"candle-aggregator/internal/store/sqlite"
)

// Opened is a ready candle store plus its database handle for health checks.
type Opened struct {
	model.CandleStore
	DB *sql.DB
}

// Open connects to the driver named by cfg.StoreDriver. onCommit may be nil.
func Open(ctx context.Context, cfg *config.Config, onCommit func(time.Duration)) (*Opened, error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, OnCommit: onCommit})
		if err != nil {
			return nil, err
		}
		return &Opened{CandleStore: s, DB: s.DB()}, nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath, OnCommit: onCommit})
		if err != nil {
			return nil, err
		}
		return &Opened{CandleStore: s, DB: s.DB()}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
