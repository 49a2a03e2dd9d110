package scanner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatNumber renders v for display: K/M/B suffixes from a thousand up,
// otherwise 2 to 8 decimals depending on magnitude.
func FormatNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	d := decimal.NewFromFloat(v)
	abs := d.Abs()
	sign := ""
	if v < 0 {
		sign = "-"
	}

	switch {
	case abs.GreaterThanOrEqual(decimal.New(1, 9)):
		return sign + abs.Div(decimal.New(1, 9)).StringFixed(2) + "B"
	case abs.GreaterThanOrEqual(decimal.New(1, 6)):
		return sign + abs.Div(decimal.New(1, 6)).StringFixed(2) + "M"
	case abs.GreaterThanOrEqual(decimal.New(1, 3)):
		return sign + abs.Div(decimal.New(1, 3)).StringFixed(2) + "K"
	}
	return d.StringFixed(decimals(abs))
}

// FormatPrice renders v with magnitude-based decimals and no suffix.
func FormatPrice(v float64) string {
	d := decimal.NewFromFloat(v)
	return d.StringFixed(decimals(d.Abs()))
}

func decimals(abs decimal.Decimal) int32 {
	steps := []struct {
		min    decimal.Decimal
		places int32
	}{
		{decimal.NewFromInt(100), 2},
		{decimal.NewFromInt(10), 3},
		{decimal.NewFromInt(1), 4},
		{decimal.New(1, -1), 5},
		{decimal.New(1, -2), 6},
		{decimal.New(1, -3), 7},
	}
	for _, s := range steps {
		if abs.GreaterThanOrEqual(s.min) {
			return s.places
		}
	}
	return 8
}

// FormatPercent renders a signed percentage with two decimals, e.g. "+2.35%".
func FormatPercent(p float64) string {
	s := decimal.NewFromFloat(p).StringFixed(2)
	if p >= 0 {
		s = "+" + s
	}
	return s + "%"
}

// TradingViewList returns one "BYBIT:<SYMBOL>.P" line per successful result,
// in the given order.
func TradingViewList(results []SymbolResult) string {
	var b strings.Builder
	for _, r := range results {
		if !r.Success {
			continue
		}
		b.WriteString("BYBIT:")
		b.WriteString(r.Symbol)
		b.WriteString(".P\n")
	}
	return b.String()
}

// Text renders a report as plain text, one line per result.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "EMA Scanner Results (%s Timeframe)\n\n", r.TimeframeLabel)
	if len(r.Conditions) > 0 {
		b.WriteString("Conditions:\n")
		for _, c := range r.Conditions {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Results (Sorted by: %s)\n", r.SortLabel)
	fmt.Fprintf(&b, "%d matching symbols out of %d processed\n\n", r.Matching, r.Total)
	if len(r.Results) == 0 {
		b.WriteString("No results to display\n")
		return b.String()
	}

	for _, res := range r.Results {
		if !res.Success {
			fmt.Fprintf(&b, "%-12s error: %s\n", res.Symbol, res.Error)
			continue
		}
		mark := " "
		if res.Matches {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %-12s %14s  vol %10s", mark, res.Symbol, FormatPrice(res.Price), FormatNumber(res.Volume))
		for _, p := range sortedKeys(res.EMAs) {
			fmt.Fprintf(&b, "  EMA%d %s (%s)", p, FormatPrice(res.EMAs[p]), FormatPercent(res.PercentFromEMA[p]))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
