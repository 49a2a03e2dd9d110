// Package bybit fetches kline (candle) windows from the Bybit v5 REST API.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"candle-aggregator/internal/model"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	// MaxPageSize is the largest limit the kline endpoint accepts.
	MaxPageSize = 1000

	DefaultKlineURL = "https://api.bybit.com/v5/market/kline"
)

// ErrRateLimited is returned when the exchange reports a rate limit. The
// client has already waited Config.RateLimitCooldown before returning it.
var ErrRateLimited = errors.New("bybit: rate limited")

// APIError is a non-success HTTP status or a non-zero retCode.
type APIError struct {
	StatusCode int
	RetCode    int
	RetMsg     string
}

func (e *APIError) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("bybit: retCode %d: %s", e.RetCode, e.RetMsg)
	}
	return fmt.Sprintf("bybit: http %d: %s", e.StatusCode, e.RetMsg)
}

// Config configures the kline client. Zero durations take the defaults noted.
type Config struct {
	KlineURL          string
	Category          string           // "linear"
	Interval          model.Resolution // base resolution, 15
	RequestsPerSec    float64          // client-side pacing, 10
	PageDelay         time.Duration    // pause between history pages, 200ms
	RetryDelay        time.Duration    // wait before retrying a 502/503/504, 1s
	RateLimitCooldown time.Duration    // wait after a rate-limit response, 2s
	HTTPClient        *http.Client

	// OnRequest, if set, observes every HTTP round trip.
	OnRequest func(status int, d time.Duration)

	// Now overrides the clock used for the default history end time.
	Now func() time.Time
}

// Client is a model.KlineFetcher for Bybit.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ model.KlineFetcher = (*Client)(nil)

// New creates a kline client.
func New(cfg Config) *Client {
	if cfg.KlineURL == "" {
		cfg.KlineURL = DefaultKlineURL
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.Interval == 0 {
		cfg.Interval = model.Minute15
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.PageDelay == 0 {
		cfg.PageDelay = 200 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		log:     slog.Default().With("component", "bybit"),
	}
}

type pageParams struct {
	limit int
	start int64
	end   int64
}

// FetchIncremental returns the candles the exchange has at or after start,
// one page of up to MaxPageSize rows, sorted ascending.
func (c *Client) FetchIncremental(ctx context.Context, symbol string, start int64) ([]model.Candle, error) {
	page, err := c.fetchPage(ctx, symbol, pageParams{limit: MaxPageSize, start: start})
	if err != nil {
		return nil, err
	}
	if len(page) == MaxPageSize {
		c.log.Warn("incremental page full, older part of the gap may be missing",
			"symbol", symbol, "start", start)
	}
	return sortAndDedupe(page), nil
}

// FetchHistory walks backwards from end (zero means now) until target candles
// are collected, a page comes back empty, or a page fails. Pages collected
// before a failure are still returned; the error is only returned when nothing
// was collected.
func (c *Client) FetchHistory(ctx context.Context, symbol string, target int, end int64) ([]model.Candle, error) {
	if target <= 0 {
		return nil, nil
	}
	if end == 0 {
		end = c.cfg.Now().UnixMilli()
	}
	chunks := (target + MaxPageSize - 1) / MaxPageSize

	all := make([]model.Candle, 0, target)
	for i := 0; i < chunks && len(all) < target; i++ {
		if i > 0 {
			if err := sleep(ctx, c.cfg.PageDelay); err != nil {
				break
			}
		}
		limit := target - len(all)
		if limit > MaxPageSize {
			limit = MaxPageSize
		}

		page, err := c.fetchPage(ctx, symbol, pageParams{limit: limit, end: end})
		if err != nil {
			if len(all) == 0 {
				return nil, err
			}
			c.log.Warn("history page failed, keeping collected candles",
				"symbol", symbol, "page", i+1, "collected", len(all), "error", err)
			break
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		end = minTimestamp(page) - 1

		c.log.Debug("history page", "symbol", symbol, "page", i+1, "of", chunks,
			"rows", len(page), "collected", len(all))
	}

	all = sortAndDedupe(all)
	if len(all) > target {
		all = all[len(all)-target:]
	}
	return all, nil
}

// fetchPage requests one kline page and parses it. Rows come back newest first.
func (c *Client) fetchPage(ctx context.Context, symbol string, p pageParams) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("interval", c.cfg.Interval.Interval())
	q.Set("limit", strconv.Itoa(p.limit))
	if p.start > 0 {
		q.Set("start", strconv.FormatInt(p.start, 10))
	}
	if p.end > 0 {
		q.Set("end", strconv.FormatInt(p.end, 10))
	}

	body, err := c.get(ctx, c.cfg.KlineURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp klineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("bybit: decode kline response: %w", err)
	}
	if resp.RetCode != 0 {
		if isRateLimit(resp.RetMsg) {
			return nil, c.rateLimited(ctx, resp.RetMsg)
		}
		return nil, &APIError{StatusCode: http.StatusOK, RetCode: resp.RetCode, RetMsg: resp.RetMsg}
	}

	candles := make([]model.Candle, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		cdl, err := parseRow(symbol, row)
		if err != nil {
			c.log.Debug("skipping malformed kline row", "symbol", symbol, "error", err)
			continue
		}
		candles = append(candles, cdl)
	}
	return candles, nil
}

// get performs a GET, retrying exactly once after RetryDelay on a transport
// error or a 502/503/504 response.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying kline request", "error", lastErr)
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, err := c.roundTrip(ctx, rawURL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
			lastErr = &APIError{StatusCode: status, RetMsg: strings.TrimSpace(string(body))}
			continue
		case status == http.StatusTooManyRequests:
			return nil, c.rateLimited(ctx, "http 429")
		case status < 200 || status >= 300:
			return nil, &APIError{StatusCode: status, RetMsg: truncate(string(body), 200)}
		}
		return body, nil
	}
	return nil, lastErr
}

func (c *Client) roundTrip(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("bybit: create request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if c.cfg.OnRequest != nil {
			c.cfg.OnRequest(0, time.Since(start))
		}
		return nil, 0, fmt.Errorf("bybit: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if c.cfg.OnRequest != nil {
		c.cfg.OnRequest(resp.StatusCode, time.Since(start))
	}
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("bybit: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// rateLimited waits out the cooldown and returns a wrapped ErrRateLimited.
func (c *Client) rateLimited(ctx context.Context, msg string) error {
	c.log.Warn("rate limited by exchange", "message", msg, "cooldown", c.cfg.RateLimitCooldown)
	if err := sleep(ctx, c.cfg.RateLimitCooldown); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, msg)
}

func isRateLimit(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "rate limit")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
