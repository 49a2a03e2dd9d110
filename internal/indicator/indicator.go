// Package indicator computes exponential moving averages over candle
// closes: a streaming EMA, a full series for charting and the latest values
// for scans.
package indicator
