package scanner

import (
	"sort"
	"strconv"
	"strings"
)

// Sort orders results in place by key: "symbol" (A-Z), "price" or "volume"
// (highest first) or "percent_<period>" (highest first, missing last).
// Unknown keys sort by symbol. Failed results always come last.
func Sort(results []SymbolResult, key string) {
	less := bySymbol
	switch {
	case key == "price":
		less = func(a, b SymbolResult) bool { return a.Price > b.Price }
	case key == "volume":
		less = func(a, b SymbolResult) bool { return a.Volume > b.Volume }
	case strings.HasPrefix(key, "percent_"):
		if p, err := strconv.Atoi(strings.TrimPrefix(key, "percent_")); err == nil {
			less = byPercent(p)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Success != b.Success {
			return a.Success
		}
		if !a.Success {
			return false
		}
		return less(a, b)
	})
}

func bySymbol(a, b SymbolResult) bool { return a.Symbol < b.Symbol }

func byPercent(period int) func(a, b SymbolResult) bool {
	return func(a, b SymbolResult) bool {
		pa, okA := a.PercentFromEMA[period]
		pb, okB := b.PercentFromEMA[period]
		if okA != okB {
			return okA
		}
		return pa > pb
	}
}

// SortLabel describes a sort key for report headers.
func SortLabel(key string) string {
	switch {
	case key == "price":
		return "Price (Highest first)"
	case key == "volume":
		return "Volume (Highest first)"
	case strings.HasPrefix(key, "percent_"):
		if _, err := strconv.Atoi(strings.TrimPrefix(key, "percent_")); err == nil {
			return "% from " + strings.TrimPrefix(key, "percent_") + " EMA (Highest first)"
		}
	}
	return "Symbol (A-Z)"
}
