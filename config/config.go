package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"candle-aggregator/internal/filter"
	"candle-aggregator/internal/marketdata/resample"
	"candle-aggregator/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Sync
	Symbols        []string      `validate:"required,min=1,dive,required,uppercase"`
	PollInterval   time.Duration `validate:"min=1s"`
	BaseResolution int           `validate:"min=1"`
	BackfillTarget int           `validate:"min=1"`
	FetchTimeout   time.Duration `validate:"min=1s"`
	ResetOnStart   bool

	// Exchange
	KlineURL       string  `validate:"required,url"`
	Category       string  `validate:"required,oneof=linear inverse spot"`
	RequestsPerSec float64 `validate:"gt=0"`

	// Storage
	StoreDriver string `validate:"oneof=sqlite postgres"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`
	PostgresDSN string `validate:"required_if=StoreDriver postgres"`

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string
	MetricsAddr   string  `validate:"required"`
	APIAddr       string  `validate:"required"`
	APIRateLimit  float64 `validate:"gte=0"`

	// Admin
	AdminTOTPSecret string

	// Alerts
	WebhookURL         string `validate:"omitempty,url"`
	TelegramBotToken   string
	TelegramChatID     string `validate:"required_with=TelegramBotToken"`
	AlertAfterFailures int    `validate:"min=1"`

	// Analytics
	OverviewRefresh time.Duration `validate:"min=1s"`

	// Scanner defaults
	ScanTimeframe  int            `validate:"min=1"`
	ScanEMAPeriods []int          `validate:"required,min=1,dive,min=1"`
	ScanConditions map[int]string
	ScanFilter     filter.Set     `validate:"-"` // ScanConditions parsed
	ScanSortBy     string
	ScanBatchSize  int            `validate:"min=1"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

// DefaultSymbols is the symbol universe used when SYMBOLS is unset.
const DefaultSymbols = "BTCUSDT,ETHUSDT,SOLUSDT,XRPUSDT,DOGEUSDT,ADAUSDT,AVAXUSDT,LINKUSDT,DOTUSDT,LTCUSDT"

var validate = validator.New()

// Load reads configuration from environment variables with sensible defaults
// and validates the result.
func Load() (*Config, error) {
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	cfg := &Config{
		Symbols:          ParseList(getEnv("SYMBOLS", DefaultSymbols)),
		ResetOnStart:     getBool("RESET_DB_ON_START", false),
		KlineURL:         getEnv("BYBIT_KLINE_URL", "https://api.bybit.com/v5/market/kline"),
		Category:         getEnv("BYBIT_CATEGORY", "linear"),
		StoreDriver:      getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/candles.db"),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     ParseList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "candle-sync"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
		APIAddr:          getEnv("API_ADDR", ":8080"),
		AdminTOTPSecret:  getEnv("ADMIN_TOTP_SECRET", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		ScanSortBy:       getEnv("SCAN_SORT_BY", "symbol"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 60*time.Second); err != nil {
		fail("POLL_INTERVAL", err)
	}
	if cfg.FetchTimeout, err = getDuration("FETCH_TIMEOUT", 2*time.Minute); err != nil {
		fail("FETCH_TIMEOUT", err)
	}
	if cfg.OverviewRefresh, err = getDuration("OVERVIEW_REFRESH", 45*time.Minute); err != nil {
		fail("OVERVIEW_REFRESH", err)
	}
	if cfg.BaseResolution, err = getInt("BASE_RESOLUTION", 15); err != nil {
		fail("BASE_RESOLUTION", err)
	}
	if cfg.BackfillTarget, err = getInt("BACKFILL_TARGET", 35000); err != nil {
		fail("BACKFILL_TARGET", err)
	}
	if cfg.AlertAfterFailures, err = getInt("ALERT_AFTER_FAILURES", 3); err != nil {
		fail("ALERT_AFTER_FAILURES", err)
	}
	if cfg.ScanTimeframe, err = getInt("SCAN_TIMEFRAME", 240); err != nil {
		fail("SCAN_TIMEFRAME", err)
	}
	if cfg.ScanBatchSize, err = getInt("SCAN_BATCH_SIZE", 4); err != nil {
		fail("SCAN_BATCH_SIZE", err)
	}
	if cfg.RequestsPerSec, err = strconv.ParseFloat(getEnv("BYBIT_RPS", "10"), 64); err != nil {
		fail("BYBIT_RPS", err)
	}
	if cfg.APIRateLimit, err = strconv.ParseFloat(getEnv("API_RPS", "20"), 64); err != nil {
		fail("API_RPS", err)
	}
	if cfg.ScanEMAPeriods, err = ParseInts(getEnv("SCAN_EMA_PERIODS", "200")); err != nil {
		fail("SCAN_EMA_PERIODS", err)
	}
	if cfg.ScanConditions, err = ParseConditionMap(getEnv("SCAN_CONDITIONS", "200=above")); err != nil {
		fail("SCAN_CONDITIONS", err)
	} else if cfg.ScanFilter, err = filter.ParseSet(cfg.ScanConditions); err != nil {
		fail("SCAN_CONDITIONS", err)
	}
	if cfg.BaseResolution > 0 && cfg.ScanTimeframe > 0 {
		if err := resample.Validate(model.Resolution(cfg.BaseResolution), model.Resolution(cfg.ScanTimeframe)); err != nil {
			fail("SCAN_TIMEFRAME", err)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func ParseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParseInts parses "20,50,200" into a slice of ints.
func ParseInts(s string) ([]int, error) {
	var out []int
	for _, p := range ParseList(s) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseConditionMap parses "200=above,50=above_by:2:5" into period -> condition text.
func ParseConditionMap(s string) (map[int]string, error) {
	out := make(map[int]string)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid condition %q, want period=condition", p)
		}
		period, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || period <= 0 {
			return nil, fmt.Errorf("invalid period in %q", p)
		}
		out[period] = strings.TrimSpace(v)
	}
	return out, nil
}

// Base returns the base resolution in minutes as a Duration.
func (c *Config) Base() time.Duration {
	return time.Duration(c.BaseResolution) * time.Minute
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// getDuration accepts Go durations ("90s") or plain seconds ("60").
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
