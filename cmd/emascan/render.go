package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"candle-aggregator/internal/scanner"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#aaaaaa"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#888888"))
	matchStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#26a641"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e05c5c"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

// render draws the report as an aligned table.
func render(rep scanner.Report) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("EMA scan · %s · sorted by %s", rep.TimeframeLabel, rep.SortLabel)))
	b.WriteString("\n")
	for _, c := range rep.Conditions {
		b.WriteString(dimStyle.Render("  " + c))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	periods := reportPeriods(rep)
	cols := []string{"", "SYMBOL", "PRICE", "VOLUME"}
	for _, p := range periods {
		cols = append(cols, fmt.Sprintf("EMA%d", p), "%")
	}
	widths := make([]int, len(cols))
	rows := [][]string{cols}
	for _, r := range rep.Results {
		rows = append(rows, row(r, periods))
	}
	for _, r := range rows {
		for i, cell := range r {
			if len(r) < len(cols) && i == len(r)-1 {
				continue
			}
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, r := range rows {
		line := layout(r, widths)
		switch {
		case i == 0:
			line = headerStyle.Render(line)
		case !rep.Results[i-1].Success:
			line = errorStyle.Render(line)
		case rep.Results[i-1].Matches:
			line = matchStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d matching of %d scanned", rep.Matching, rep.Total)))
	return b.String()
}

func row(r scanner.SymbolResult, periods []int) []string {
	mark := " "
	if r.Matches {
		mark = "*"
	}
	if !r.Success {
		return []string{"!", r.Symbol, r.Error}
	}
	out := []string{mark, r.Symbol, scanner.FormatPrice(r.Price), scanner.FormatNumber(r.Volume)}
	for _, p := range periods {
		ema, ok := r.EMAs[p]
		if !ok {
			out = append(out, "-", "-")
			continue
		}
		out = append(out, scanner.FormatPrice(ema), scanner.FormatPercent(r.PercentFromEMA[p]))
	}
	return out
}

func layout(cells []string, widths []int) string {
	padded := make([]string, len(cells))
	for i, c := range cells {
		switch {
		case i >= len(widths) || i == len(cells)-1 && len(cells) < len(widths):
			padded[i] = c
		case i <= 1:
			padded[i] = c + strings.Repeat(" ", widths[i]-len(c))
		default:
			padded[i] = strings.Repeat(" ", widths[i]-len(c)) + c
		}
	}
	return strings.TrimRight(strings.Join(padded, "  "), " ")
}

func reportPeriods(rep scanner.Report) []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range rep.Results {
		for p := range r.EMAs {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}
