// Package resample aggregates base-resolution candles into coarser timeframes.
// A target bucket is emitted only when every base candle it spans is present,
// so gaps and the still-forming trailing bucket never produce partial bars.
package resample

import (
	"errors"
	"fmt"

	"candle-aggregator/internal/model"
)

var (
	// ErrInvalidResolution is returned when the target is not a positive
	// multiple of the base resolution.
	ErrInvalidResolution = errors.New("resample: invalid target resolution")

	// ErrUnordered is returned when input timestamps are not strictly ascending.
	ErrUnordered = errors.New("resample: input not in ascending order")
)

// bucketState holds the forming aggregate for one target bucket.
type bucketState struct {
	start  int64 // bucket start on the target grid
	candle model.Candle
	count  int
}

func (b *bucketState) open(c model.Candle, start int64) {
	b.start = start
	b.count = 1
	b.candle = c
	b.candle.Timestamp = start
}

func (b *bucketState) merge(c model.Candle) {
	if c.High > b.candle.High {
		b.candle.High = c.High
	}
	if c.Low < b.candle.Low {
		b.candle.Low = c.Low
	}
	b.candle.Close = c.Close
	b.candle.Volume += c.Volume
	b.candle.Turnover += c.Turnover
	b.count++
}

// Validate checks that target can be built from base.
func Validate(base, target model.Resolution) error {
	if base <= 0 || target <= 0 {
		return fmt.Errorf("%w: base %d, target %d", ErrInvalidResolution, base, target)
	}
	if target < base {
		return fmt.Errorf("%w: target %s is finer than base %s", ErrInvalidResolution, target, base)
	}
	if target%base != 0 {
		return fmt.Errorf("%w: target %s is not a multiple of base %s", ErrInvalidResolution, target, base)
	}
	return nil
}

// Resample groups ascending base candles into target buckets:
// open=first, high=max, low=min, close=last, volume and turnover summed.
// When target equals base the input is returned unchanged.
func Resample(candles []model.Candle, base, target model.Resolution) ([]model.Candle, error) {
	if err := Validate(base, target); err != nil {
		return nil, err
	}
	if target == base {
		return candles, nil
	}
	if len(candles) == 0 {
		return []model.Candle{}, nil
	}

	var (
		need   = int(target / base)
		out    = make([]model.Candle, 0, len(candles)/need+1)
		st     bucketState
		prevTS int64
	)
	flush := func() {
		if st.count == need {
			out = append(out, st.candle)
		}
	}

	for i, c := range candles {
		if i > 0 && c.Timestamp <= prevTS {
			return nil, fmt.Errorf("%w: %d after %d", ErrUnordered, c.Timestamp, prevTS)
		}
		prevTS = c.Timestamp

		bucket := target.Align(c.Timestamp)
		switch {
		case i == 0:
			st.open(c, bucket)
		case bucket == st.start:
			st.merge(c)
		default:
			flush()
			st.open(c, bucket)
		}
	}
	// The last bucket is emitted only if complete; a forming one is dropped.
	flush()
	return out, nil
}

// BaseCandlesNeeded returns how many base candles are required to produce n
// target candles.
func BaseCandlesNeeded(n int, base, target model.Resolution) int {
	if base <= 0 || target < base {
		return n
	}
	return n * int(target/base)
}
