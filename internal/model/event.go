package model

import (
	"time"

	"github.com/goccy/go-json"
)

// SyncMode describes what the sync engine did for a symbol on one tick.
type SyncMode string

const (
	SyncBackfill    SyncMode = "backfill"
	SyncIncremental SyncMode = "incremental"
	SyncSkip        SyncMode = "skip"
)

// SyncEvent is the outcome of one symbol's work during a sync tick.
type SyncEvent struct {
	TickID   string    `json:"tick_id"`
	Symbol   string    `json:"symbol"`
	Mode     SyncMode  `json:"mode"`
	Start    int64     `json:"start,omitempty"` // incremental start, ms
	Fetched  int       `json:"fetched"`
	Inserted int       `json:"inserted"`
	Latest   int64     `json:"latest,omitempty"` // latest stored timestamp after the tick, ms
	Err      string    `json:"error,omitempty"`
	Cause    error     `json:"-"`
	At       time.Time `json:"at"`
}

// Failed reports whether the symbol's fetch or store step failed.
func (e *SyncEvent) Failed() bool { return e.Err != "" }

// Channel returns the Redis PubSub channel for this event: "pub:sync:{symbol}".
func (e *SyncEvent) Channel() string { return "pub:sync:" + e.Symbol }

// JSON returns the JSON-encoded event.
func (e *SyncEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
