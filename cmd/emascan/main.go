// Command emascan runs one EMA scan over the stored candles and prints the
// result as a table or as a TradingView watchlist.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"candle-aggregator/config"
	"candle-aggregator/internal/logger"
	"candle-aggregator/internal/model"
	"candle-aggregator/internal/scanner"
	"candle-aggregator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	var (
		tf      = flag.Int("tf", cfg.ScanTimeframe, "timeframe in minutes")
		periods = flag.String("ema", joinInts(cfg.ScanEMAPeriods), "comma-separated EMA periods")
		conds   = flag.String("cond", "", `conditions, e.g. "200=above,50=above_by:2:5" (default from SCAN_CONDITIONS)`)
		sortBy  = flag.String("sort", cfg.ScanSortBy, "symbol, price, volume or percent_from_ema_<period>")
		symbols = flag.String("symbols", "", "comma-separated symbols (default: all configured)")
		only    = flag.Bool("only", false, "show matching symbols only")
		tv      = flag.Bool("tv", false, "print a TradingView watchlist instead of a table")
	)
	flag.Parse()

	log := logger.Init("emascan", logger.ParseLevel(cfg.LogLevel))

	req := scanner.Request{
		Timeframe:    model.Resolution(*tf),
		Conditions:   cfg.ScanConditions,
		Filter:       cfg.ScanFilter,
		SortBy:       *sortBy,
		OnlyMatching: *only,
	}
	if req.Periods, err = config.ParseInts(*periods); err != nil {
		fatal("-ema: %v", err)
	}
	if *conds != "" {
		if req.Conditions, err = config.ParseConditionMap(*conds); err != nil {
			fatal("-cond: %v", err)
		}
		req.Filter = nil
	}
	for _, s := range config.ParseList(*symbols) {
		req.Symbols = append(req.Symbols, strings.ToUpper(s))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, nil)
	if err != nil {
		fatal("store: %v", err)
	}
	defer st.Close()

	scan := scanner.New(scanner.Config{
		Base:      model.Resolution(cfg.BaseResolution),
		BatchSize: cfg.ScanBatchSize,
		Symbols:   cfg.Symbols,
	}, st, log)

	rep, err := scan.Scan(ctx, req)
	if err != nil {
		fatal("scan: %v", err)
	}

	if *tv {
		fmt.Print(scanner.TradingViewList(rep.Results))
		return
	}
	fmt.Println(render(rep))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "emascan: "+format+"\n", args...)
	os.Exit(1)
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
