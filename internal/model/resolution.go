package model

import (
	"strconv"
	"time"
)

// Resolution is a candle interval in minutes. The zero value is invalid.
type Resolution int

const (
	Minute1  Resolution = 1
	Minute15 Resolution = 15
	Hour1    Resolution = 60
	Hour4    Resolution = 240
	Day1     Resolution = 1440
)

var resolutionLabels = map[Resolution]string{
	1:    "1m",
	5:    "5m",
	15:   "15m",
	30:   "30m",
	60:   "1h",
	120:  "2h",
	240:  "4h",
	360:  "6h",
	720:  "12h",
	1440: "1d",
}

// Millis returns the resolution length in milliseconds.
func (r Resolution) Millis() int64 { return int64(r) * 60_000 }

// Duration returns the resolution as a time.Duration.
func (r Resolution) Duration() time.Duration { return time.Duration(r) * time.Minute }

// Interval returns the exchange interval parameter, e.g. "15" or "240".
func (r Resolution) Interval() string { return strconv.Itoa(int(r)) }

// Label returns a human readable label such as "15m" or "4h".
func (r Resolution) Label() string {
	if l, ok := resolutionLabels[r]; ok {
		return l
	}
	return strconv.Itoa(int(r)) + "m"
}

func (r Resolution) String() string { return r.Label() }

// ParseResolution parses an interval in minutes ("15", "240").
func ParseResolution(s string) (Resolution, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return Resolution(n), nil
}

// Align floors a millisecond timestamp to the resolution grid. Timestamps
// before the epoch floor toward negative infinity.
func (r Resolution) Align(ts int64) int64 {
	ms := r.Millis()
	rem := ts % ms
	if rem < 0 {
		rem += ms
	}
	return ts - rem
}
